package oem

import (
	"context"
	"sync"

	"cloud.google.com/go/datastore/apiv1/datastorepb"
)

// Connection performs the remote calls of the store. The connection package
// provides the HTTP implementation.
type Connection interface {
	// Dataset is the project id entities are stored under.
	Dataset() string

	// Namespace is the partition namespace, "" for the default namespace.
	Namespace() string

	RunQuery(ctx context.Context, q *datastorepb.Query, namespace string, txn []byte) (*datastorepb.QueryResultBatch, error)
	Lookup(ctx context.Context, keys []*datastorepb.Key, txn []byte) (*datastorepb.LookupResponse, error)
	BeginTransaction(ctx context.Context) ([]byte, error)

	// Commit applies mutations. A nil txn commits non-transactionally.
	Commit(ctx context.Context, mutations []*datastorepb.Mutation, txn []byte) (*datastorepb.CommitResponse, error)
	Rollback(ctx context.Context, txn []byte) error
}

var defaults struct {
	mu      sync.RWMutex
	conn    Connection
	dataset string
}

// Connect installs conn as the default connection and its dataset as the
// default dataset.
func Connect(conn Connection) {
	defaults.mu.Lock()
	defer defaults.mu.Unlock()
	defaults.conn = conn
	if conn != nil && conn.Dataset() != "" {
		defaults.dataset = conn.Dataset()
	}
}

// SetDefaultConnection replaces the default connection without touching the
// default dataset. A nil conn clears it.
func SetDefaultConnection(conn Connection) {
	defaults.mu.Lock()
	defer defaults.mu.Unlock()
	defaults.conn = conn
}

// SetDefaultDataset sets the dataset used to serialize keys when no
// connection supplies one.
func SetDefaultDataset(dataset string) {
	defaults.mu.Lock()
	defer defaults.mu.Unlock()
	defaults.dataset = dataset
}

// DefaultConnection returns the default connection or ErrNoConnection.
func DefaultConnection() (Connection, error) {
	defaults.mu.RLock()
	defer defaults.mu.RUnlock()
	if defaults.conn == nil {
		return nil, ErrNoConnection
	}
	return defaults.conn, nil
}

// DefaultDataset returns the default dataset or ErrNoDataset.
func DefaultDataset() (string, error) {
	defaults.mu.RLock()
	defer defaults.mu.RUnlock()
	if defaults.dataset == "" {
		return "", ErrNoDataset
	}
	return defaults.dataset, nil
}

// encoderFor picks the partition for conn, falling back to the default
// dataset. A missing dataset surfaces as ErrNoDataset on the first key encoded.
func encoderFor(conn Connection) *encoder {
	enc := &encoder{}
	if conn != nil {
		enc.dataset = conn.Dataset()
		enc.namespace = conn.Namespace()
	}
	if enc.dataset == "" {
		enc.dataset, _ = DefaultDataset()
	}
	return enc
}

func resolveConnection(conn Connection) (Connection, error) {
	if conn != nil {
		return conn, nil
	}
	return DefaultConnection()
}
