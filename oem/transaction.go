package oem

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/datastore/apiv1/datastorepb"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
)

// Isolation is the isolation mode requested for a transaction.
type Isolation int

const (
	// IsolationNone runs every staged operation immediately, outside any
	// transaction.
	IsolationNone Isolation = iota
	IsolationSnapshot
	IsolationSerializable
)

func (i Isolation) String() string {
	switch i {
	case IsolationNone:
		return "NONE"
	case IsolationSnapshot:
		return "SNAPSHOT"
	case IsolationSerializable:
		return "SERIALIZABLE"
	}
	return fmt.Sprintf("Isolation(%d)", int(i))
}

// Status is a transaction's lifecycle state.
type Status string

const (
	StatusInitial    Status = "initial"
	StatusInProgress Status = "in_progress"
	StatusFinished   Status = "finished"
	StatusAborted    Status = "aborted"
)

const (
	eventBegin    = "begin"
	eventCommit   = "commit"
	eventRollback = "rollback"
)

// TransactionOption configures a Transaction.
type TransactionOption func(*Transaction)

// WithConnection binds the transaction to conn instead of the default connection.
func WithConnection(conn Connection) TransactionOption {
	return func(t *Transaction) { t.conn = conn }
}

// WithTransactionLogger sets the transaction's logger.
func WithTransactionLogger(logger *slog.Logger) TransactionOption {
	return func(t *Transaction) { t.logger = logger }
}

type pendingKey struct {
	index  int
	entity Entity
}

// Transaction stages create, put and delete mutations and commits them in one
// batch. Entities staged with incomplete keys receive their generated keys on
// commit.
//
// A Transaction is single use: once finished or aborted it cannot be begun
// again. It is not safe for concurrent use.
type Transaction struct {
	conn      Connection
	isolation Isolation
	logger    *slog.Logger
	id        string
	machine   *fsm.FSM

	token     []byte
	mutations []*datastorepb.Mutation
	pending   []pendingKey
}

// NewTransaction creates a transaction in the initial state. Without
// WithConnection the default connection is used.
func NewTransaction(isolation Isolation, opts ...TransactionOption) (*Transaction, error) {
	t := &Transaction{isolation: isolation, id: uuid.NewString()}
	for _, opt := range opts {
		opt(t)
	}
	conn, err := resolveConnection(t.conn)
	if err != nil {
		return nil, err
	}
	t.conn = conn
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("txn", t.id, "isolation", isolation.String())

	t.machine = fsm.NewFSM(
		string(StatusInitial),
		fsm.Events{
			{Name: eventBegin, Src: []string{string(StatusInitial)}, Dst: string(StatusInProgress)},
			{Name: eventCommit, Src: []string{string(StatusInProgress)}, Dst: string(StatusFinished)},
			{Name: eventRollback, Src: []string{string(StatusInitial), string(StatusInProgress)}, Dst: string(StatusAborted)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				t.logger.Debug("transaction state changed", "from", e.Src, "to", e.Dst)
			},
		},
	)
	return t, nil
}

// Status returns the current state.
func (t *Transaction) Status() Status { return Status(t.machine.Current()) }

// Isolation returns the requested isolation mode.
func (t *Transaction) Isolation() Isolation { return t.isolation }

// ID returns the store's transaction token, or nil when none is held.
func (t *Transaction) ID() []byte { return bytes.Clone(t.token) }

// CorrelationID identifies the transaction in logs.
func (t *Transaction) CorrelationID() string { return t.id }

func (t *Transaction) can(event string) error {
	if !t.machine.Can(event) {
		return fmt.Errorf("%w: cannot %s a transaction that is %s", ErrTransactionState, event, t.machine.Current())
	}
	return nil
}

func (t *Transaction) fire(ctx context.Context, event string) error {
	if err := t.can(event); err != nil {
		return err
	}
	if err := t.machine.Event(ctx, event); err != nil {
		return fmt.Errorf("%w: %v", ErrTransactionState, err)
	}
	return nil
}

// Begin starts the transaction. SNAPSHOT and SERIALIZABLE both request a
// read-write transaction from the store; NONE issues no call.
func (t *Transaction) Begin(ctx context.Context) error {
	if err := t.can(eventBegin); err != nil {
		return err
	}
	if t.isolation != IsolationNone {
		token, err := t.conn.BeginTransaction(ctx)
		if err != nil {
			return err
		}
		t.token = token
	}
	return t.fire(ctx, eventBegin)
}

// Create stages an insert of e. An entity without a key is given an
// incomplete key of its kind.
func (t *Transaction) Create(ctx context.Context, e Entity) error {
	return t.stageEntity(ctx, e, func(pb *datastorepb.Entity) *datastorepb.Mutation {
		return &datastorepb.Mutation{Operation: &datastorepb.Mutation_Insert{Insert: pb}}
	})
}

// Put stages an upsert of e.
func (t *Transaction) Put(ctx context.Context, e Entity) error {
	return t.stageEntity(ctx, e, func(pb *datastorepb.Entity) *datastorepb.Mutation {
		return &datastorepb.Mutation{Operation: &datastorepb.Mutation_Upsert{Upsert: pb}}
	})
}

// Delete stages a delete of the entity at key, which must be complete.
func (t *Transaction) Delete(ctx context.Context, key *Key) error {
	if err := t.canStage(); err != nil {
		return err
	}
	if key == nil || key.Incomplete() {
		return fmt.Errorf("%w: cannot delete incomplete key %s", ErrInvalidKey, key)
	}
	kpb, err := encoderFor(t.conn).key(key)
	if err != nil {
		return err
	}
	return t.stage(ctx, &datastorepb.Mutation{Operation: &datastorepb.Mutation_Delete{Delete: kpb}}, nil)
}

func (t *Transaction) canStage() error {
	switch st := t.Status(); {
	case st == StatusInProgress:
		return nil
	case st == StatusInitial && t.isolation == IsolationNone:
		return nil
	default:
		return fmt.Errorf("%w: cannot stage on a transaction that is %s", ErrTransactionState, st)
	}
}

func (t *Transaction) stageEntity(ctx context.Context, e Entity, op func(*datastorepb.Entity) *datastorepb.Mutation) error {
	if err := t.canStage(); err != nil {
		return err
	}
	k, err := KindOf(e)
	if err != nil {
		return err
	}
	key, err := ensureKey(k, e)
	if err != nil {
		return err
	}
	if err := k.Validate(e); err != nil {
		return err
	}
	pb, err := encoderFor(t.conn).entity(k, e)
	if err != nil {
		return err
	}
	var auto Entity
	if key.Incomplete() {
		auto = e
	}
	return t.stage(ctx, op(pb), auto)
}

func (t *Transaction) stage(ctx context.Context, m *datastorepb.Mutation, auto Entity) error {
	if auto != nil {
		t.pending = append(t.pending, pendingKey{index: len(t.mutations), entity: auto})
	}
	t.mutations = append(t.mutations, m)
	if t.isolation != IsolationNone {
		return nil
	}
	// NONE applies each mutation as soon as it is staged.
	mutations, pending := t.mutations, t.pending
	t.mutations, t.pending = nil, nil
	resp, err := t.conn.Commit(ctx, mutations, nil)
	if err != nil {
		return err
	}
	return resolveKeys(resp, mutations, pending)
}

// Commit sends the staged mutations in one request and assigns generated keys
// to entities staged with incomplete keys.
func (t *Transaction) Commit(ctx context.Context) error {
	if err := t.can(eventCommit); err != nil {
		return err
	}
	mutations, pending := t.mutations, t.pending
	t.mutations, t.pending = nil, nil

	if t.isolation == IsolationNone || (t.token == nil && len(mutations) == 0) {
		return t.fire(ctx, eventCommit)
	}

	resp, err := t.conn.Commit(ctx, mutations, t.token)
	if err != nil {
		// The store discards a transaction whose commit failed.
		t.token = nil
		_ = t.fire(ctx, eventRollback)
		t.logger.Warn("commit failed", "mutations", len(mutations), "error", err)
		return err
	}
	t.token = nil
	if err := t.fire(ctx, eventCommit); err != nil {
		return err
	}
	t.logger.Info("transaction committed", "mutations", len(mutations), "generatedKeys", len(pending))
	return resolveKeys(resp, mutations, pending)
}

// resolveKeys assigns generated keys by mutation index. Every result is
// checked before any key is assigned.
func resolveKeys(resp *datastorepb.CommitResponse, mutations []*datastorepb.Mutation, pending []pendingKey) error {
	if len(pending) == 0 {
		return nil
	}
	results := resp.GetMutationResults()
	if len(results) != len(mutations) {
		return fmt.Errorf("%w: %d mutation results for %d mutations", ErrProtocol, len(results), len(mutations))
	}
	keys := make([]*Key, len(pending))
	for i, p := range pending {
		kpb := results[p.index].GetKey()
		if kpb == nil {
			return fmt.Errorf("%w: no generated key for mutation %d", ErrProtocol, p.index)
		}
		key, err := keyFromProto(kpb)
		if err != nil {
			return err
		}
		if key.Incomplete() {
			return fmt.Errorf("%w: generated key %s for mutation %d is incomplete", ErrProtocol, key, p.index)
		}
		keys[i] = key
	}
	for i, p := range pending {
		p.entity.SetEntityKey(keys[i])
	}
	return nil
}

// Rollback aborts the transaction, discarding staged mutations. The store is
// only called when a token is held.
func (t *Transaction) Rollback(ctx context.Context) error {
	if err := t.can(eventRollback); err != nil {
		return err
	}
	token := t.token
	t.token, t.mutations, t.pending = nil, nil, nil

	var err error
	if token != nil {
		err = t.conn.Rollback(ctx, token)
	}
	if ferr := t.fire(ctx, eventRollback); ferr != nil {
		return errors.Join(err, ferr)
	}
	t.logger.Info("transaction rolled back", "error", err)
	return err
}

// Do runs fn with t as the current transaction of the context passed to fn.
// It begins t if needed, commits when fn returns nil, and rolls back when fn
// returns an error or panics. The error from fn is returned joined with any
// rollback error; a panic is re-raised after the rollback.
func (t *Transaction) Do(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	switch t.Status() {
	case StatusInitial:
		if err := t.Begin(ctx); err != nil {
			return err
		}
	case StatusInProgress:
	default:
		return t.can(eventBegin)
	}
	inner := WithTransaction(ctx, t)

	defer func() {
		if r := recover(); r != nil {
			if t.machine.Can(eventRollback) {
				if rbErr := t.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
					t.logger.Error("rollback after panic failed", "error", rbErr)
				}
			}
			panic(r)
		}
	}()

	if err := fn(inner); err != nil {
		if t.machine.Can(eventRollback) {
			return errors.Join(err, t.Rollback(context.WithoutCancel(ctx)))
		}
		return err
	}
	if t.Status() != StatusInProgress {
		return nil
	}
	return t.Commit(ctx)
}

// RunInTransaction runs fn inside a new transaction. See Transaction.Do.
func RunInTransaction(ctx context.Context, isolation Isolation, fn func(ctx context.Context) error, opts ...TransactionOption) error {
	t, err := NewTransaction(isolation, opts...)
	if err != nil {
		return err
	}
	return t.Do(ctx, fn)
}

type txnKey struct{}

// WithTransaction returns a context in which t is the current transaction.
// The parent context keeps its own current transaction.
func WithTransaction(ctx context.Context, t *Transaction) context.Context {
	return context.WithValue(ctx, txnKey{}, t)
}

// CurrentTransaction returns the innermost transaction in ctx, or nil.
func CurrentTransaction(ctx context.Context) *Transaction {
	t, _ := ctx.Value(txnKey{}).(*Transaction)
	return t
}
