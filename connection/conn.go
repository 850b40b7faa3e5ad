// Package connection implements oem.Connection over the Datastore v1 API,
// sending protobuf request bodies over HTTPS.
//
//	cfg := connection.FromEnv()
//	conn, err := connection.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	oem.Connect(conn)
package connection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"cloud.google.com/go/datastore/apiv1/datastorepb"
	"github.com/cenkalti/backoff/v4"
	"google.golang.org/protobuf/proto"

	"github.com/kapiche/gcloudoem/oem"
)

// RPC method names, as they appear in request URLs.
const (
	MethodLookup           = "lookup"
	MethodRunQuery         = "runQuery"
	MethodBeginTransaction = "beginTransaction"
	MethodCommit           = "commit"
	MethodRollback         = "rollback"
)

const contentType = "application/x-protobuf"

// Option configures a Conn.
type Option func(*Conn)

// WithHTTPClient replaces the credentialed client New would build.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Conn) { c.client = client }
}

// WithLogger sets the connection's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conn) { c.logger = logger }
}

// WithMetrics sets the collectors updated per attempt.
func WithMetrics(m *Metrics) Option {
	return func(c *Conn) { c.metrics = m }
}

// Conn is a Datastore connection. It is safe for concurrent use.
type Conn struct {
	cfg     Config
	client  *http.Client
	logger  *slog.Logger
	metrics *Metrics
}

var _ oem.Connection = (*Conn)(nil)

// New creates a connection from cfg. Without an explicit dataset the project
// id of the credentials is used; if neither is available New fails with
// oem.ErrNoDataset.
func New(ctx context.Context, cfg Config, opts ...Option) (*Conn, error) {
	cfg.validate()
	c := &Conn{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		client, project, err := authorizedClient(ctx, c.cfg)
		if err != nil {
			return nil, err
		}
		c.client = client
		if c.cfg.Dataset == "" {
			c.cfg.Dataset = project
		}
	}
	if c.cfg.Dataset == "" {
		return nil, fmt.Errorf("%w: connection has no dataset", oem.ErrNoDataset)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	c.logger = c.logger.With("dataset", c.cfg.Dataset)
	return c, nil
}

// Dataset returns the project id requests are addressed to.
func (c *Conn) Dataset() string { return c.cfg.Dataset }

// Namespace returns the configured namespace.
func (c *Conn) Namespace() string { return c.cfg.Namespace }

// Config returns the validated configuration.
func (c *Conn) Config() Config { return c.cfg }

func (c *Conn) partition(namespace string) *datastorepb.PartitionId {
	return &datastorepb.PartitionId{ProjectId: c.cfg.Dataset, NamespaceId: namespace}
}

func readOptions(txn []byte) *datastorepb.ReadOptions {
	if len(txn) == 0 {
		return nil
	}
	return &datastorepb.ReadOptions{
		ConsistencyType: &datastorepb.ReadOptions_Transaction{Transaction: txn},
	}
}

// RunQuery runs q in namespace, inside txn when it is non-empty.
func (c *Conn) RunQuery(ctx context.Context, q *datastorepb.Query, namespace string, txn []byte) (*datastorepb.QueryResultBatch, error) {
	req := &datastorepb.RunQueryRequest{
		ProjectId:   c.cfg.Dataset,
		PartitionId: c.partition(namespace),
		ReadOptions: readOptions(txn),
		QueryType:   &datastorepb.RunQueryRequest_Query{Query: q},
	}
	var resp datastorepb.RunQueryResponse
	if err := c.call(ctx, MethodRunQuery, req, &resp, true); err != nil {
		return nil, err
	}
	if resp.GetBatch() == nil {
		return nil, fmt.Errorf("%w: runQuery response has no batch", oem.ErrProtocol)
	}
	return resp.GetBatch(), nil
}

// Lookup fetches entities by key.
func (c *Conn) Lookup(ctx context.Context, keys []*datastorepb.Key, txn []byte) (*datastorepb.LookupResponse, error) {
	req := &datastorepb.LookupRequest{
		ProjectId:   c.cfg.Dataset,
		ReadOptions: readOptions(txn),
		Keys:        keys,
	}
	var resp datastorepb.LookupResponse
	if err := c.call(ctx, MethodLookup, req, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BeginTransaction starts a read-write transaction and returns its token.
func (c *Conn) BeginTransaction(ctx context.Context) ([]byte, error) {
	req := &datastorepb.BeginTransactionRequest{
		ProjectId: c.cfg.Dataset,
		TransactionOptions: &datastorepb.TransactionOptions{
			Mode: &datastorepb.TransactionOptions_ReadWrite_{ReadWrite: &datastorepb.TransactionOptions_ReadWrite{}},
		},
	}
	var resp datastorepb.BeginTransactionResponse
	if err := c.call(ctx, MethodBeginTransaction, req, &resp, true); err != nil {
		return nil, err
	}
	if len(resp.GetTransaction()) == 0 {
		return nil, fmt.Errorf("%w: beginTransaction returned no transaction", oem.ErrProtocol)
	}
	return resp.GetTransaction(), nil
}

// Commit applies mutations, transactionally when txn is non-empty.
func (c *Conn) Commit(ctx context.Context, mutations []*datastorepb.Mutation, txn []byte) (*datastorepb.CommitResponse, error) {
	req := &datastorepb.CommitRequest{
		ProjectId: c.cfg.Dataset,
		Mode:      datastorepb.CommitRequest_NON_TRANSACTIONAL,
		Mutations: mutations,
	}
	if len(txn) > 0 {
		req.Mode = datastorepb.CommitRequest_TRANSACTIONAL
		req.TransactionSelector = &datastorepb.CommitRequest_Transaction{Transaction: txn}
	}
	var resp datastorepb.CommitResponse
	if err := c.call(ctx, MethodCommit, req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Rollback abandons txn.
func (c *Conn) Rollback(ctx context.Context, txn []byte) error {
	req := &datastorepb.RollbackRequest{ProjectId: c.cfg.Dataset, Transaction: txn}
	var resp datastorepb.RollbackResponse
	return c.call(ctx, MethodRollback, req, &resp, true)
}

// call sends req and decodes the response into resp. Idempotent methods are
// retried on throttling, server and transport errors.
func (c *Conn) call(ctx context.Context, method string, req, resp proto.Message, idempotent bool) error {
	body, err := proto.Marshal(req)
	if err != nil {
		return fmt.Errorf("connection: marshal %s: %w", method, err)
	}

	if !idempotent || c.cfg.MaxRetries == 0 {
		return unwrapPermanent(c.attempt(ctx, method, body, resp))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxRetries)), ctx)

	op := func() error { return c.attempt(ctx, method, body, resp) }
	notify := func(err error, wait time.Duration) {
		c.metrics.Retries.WithLabelValues(method).Inc()
		c.logger.Warn("retrying datastore call", "method", method, "wait", wait, "error", err)
	}
	return backoff.RetryNotify(op, policy, notify)
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// attempt performs one HTTP round trip. Errors that must not be retried are
// wrapped with backoff.Permanent.
func (c *Conn) attempt(ctx context.Context, method string, body []byte, resp proto.Message) error {
	url := fmt.Sprintf("%s/v1/projects/%s:%s", c.cfg.Endpoint, c.cfg.Dataset, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("connection: %s: %w", method, err))
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentType)

	start := time.Now()
	httpResp, err := c.client.Do(req)
	c.metrics.Latency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.Requests.WithLabelValues(method, "error").Inc()
		err = fmt.Errorf("%w: %s: %w", oem.ErrConnection, method, err)
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	defer httpResp.Body.Close()
	c.metrics.Requests.WithLabelValues(method, strconv.Itoa(httpResp.StatusCode)).Inc()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("%w: %s: read body: %w", oem.ErrConnection, method, err)
	}
	if httpResp.StatusCode/100 != 2 {
		e := responseError(method, httpResp.StatusCode, data)
		if !e.Temporary() {
			return backoff.Permanent(e)
		}
		return e
	}
	if err := proto.Unmarshal(data, resp); err != nil {
		return backoff.Permanent(fmt.Errorf("%w: %s: %w", oem.ErrProtocol, method, err))
	}
	c.logger.Debug("datastore call", "method", method, "status", httpResp.StatusCode, "duration", time.Since(start))
	return nil
}
