// Package queryset provides a chainable, typed query API over oem.
//
// Every refinement returns a new QuerySet; the receiver is never modified:
//
//	adults, err := queryset.New[*Person]()
//	...
//	adults, err = adults.Filter("age__gte", 18)
//	...
//	people, err := adults.List(ctx)
//
// A query set is evaluated each time an evaluating method is called; results
// are not cached.
package queryset

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/kapiche/gcloudoem/internal/lookup"
	"github.com/kapiche/gcloudoem/oem"
)

var (
	// ErrSliced is returned when refining a query set after Slice.
	ErrSliced = errors.New("queryset: cannot refine a sliced query set")

	// ErrMultipleResults is returned by Get when more than one entity matches.
	ErrMultipleResults = errors.New("queryset: get returned more than one entity")
)

// pkAlias may be used in place of the key property in filters and orderings.
const pkAlias = "pk"

// Option configures a QuerySet.
type Option func(*config)

type config struct {
	conn   oem.Connection
	logger *slog.Logger
}

// WithConnection evaluates the query set on conn instead of the default connection.
func WithConnection(conn oem.Connection) Option {
	return func(c *config) { c.conn = conn }
}

// WithLogger sets the logger passed to cursors and transactions.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// QuerySet is an immutable, lazily evaluated query over entities of type E.
type QuerySet[E oem.Entity] struct {
	cfg    config
	kind   *oem.Kind
	query  *oem.Query
	sliced *oem.SlicedQuery
}

// New returns a query set over every entity of E's kind. E must be a pointer
// to an entity struct.
func New[E oem.Entity](opts ...Option) (*QuerySet[E], error) {
	var prototype E
	q, err := oem.NewQuery(prototype)
	if err != nil {
		return nil, err
	}
	qs := &QuerySet[E]{kind: q.Kind(), query: q}
	for _, opt := range opts {
		opt(&qs.cfg)
	}
	if qs.cfg.logger == nil {
		qs.cfg.logger = slog.Default()
	}
	return qs, nil
}

// Query returns an open copy of the underlying query.
func (qs *QuerySet[E]) Query() *oem.Query {
	if qs.sliced != nil {
		return qs.sliced.Query()
	}
	return qs.query.Clone()
}

// IsSliced reports whether Slice was applied.
func (qs *QuerySet[E]) IsSliced() bool { return qs.sliced != nil }

// All returns a copy of the query set.
func (qs *QuerySet[E]) All() *QuerySet[E] {
	c := *qs
	c.query = qs.query.Clone()
	if qs.sliced != nil {
		c.sliced = qs.sliced.Clone()
	}
	return &c
}

// refine applies fn to a copy of the open query.
func (qs *QuerySet[E]) refine(fn func(*oem.Query) error) (*QuerySet[E], error) {
	if qs.sliced != nil {
		return nil, ErrSliced
	}
	c := qs.All()
	if err := fn(c.query); err != nil {
		return nil, err
	}
	return c, nil
}

// Filter adds a constraint written as "name" or "name__op", where op is one
// of eq, lt, lte, gt, gte. "pk" names the key; scalar ids and names given for
// it become keys of the set's kind.
func (qs *QuerySet[E]) Filter(expr string, value any) (*QuerySet[E], error) {
	name, op := lookup.Parse(expr)
	if name == pkAlias {
		name = oem.KeyProperty
	}
	if name == oem.KeyProperty || name == "key" {
		k, err := qs.keyFor(value)
		if err != nil {
			return nil, err
		}
		value = k
	}
	return qs.refine(func(q *oem.Query) error { return q.AddFilter(name, op, value) })
}

// keyFor converts an id, a name or a key into a key of the set's kind.
func (qs *QuerySet[E]) keyFor(v any) (*oem.Key, error) {
	switch id := v.(type) {
	case *oem.Key:
		return id, nil
	case string:
		return oem.NameKey(qs.kind.Name(), id, nil), nil
	case int:
		return oem.IDKey(qs.kind.Name(), int64(id), nil), nil
	case int64:
		return oem.IDKey(qs.kind.Name(), id, nil), nil
	}
	return nil, fmt.Errorf("%w: %T is not a key, id or name", oem.ErrInvalidQuery, v)
}

func pkName(name string) string {
	switch name {
	case pkAlias:
		return oem.KeyProperty
	case "-" + pkAlias:
		return "-" + oem.KeyProperty
	}
	return name
}

// OrderBy replaces the ordering. Prefix a name with "-" to sort descending.
func (qs *QuerySet[E]) OrderBy(names ...string) (*QuerySet[E], error) {
	mapped := make([]string, len(names))
	for i, n := range names {
		mapped[i] = pkName(n)
	}
	return qs.refine(func(q *oem.Query) error { return q.OrderBy(mapped...) })
}

// Project restricts results to the named properties.
func (qs *QuerySet[E]) Project(names ...string) (*QuerySet[E], error) {
	return qs.refine(func(q *oem.Query) error { return q.Project(names...) })
}

// KeysOnly restricts results to keys.
func (qs *QuerySet[E]) KeysOnly() (*QuerySet[E], error) {
	return qs.refine(func(q *oem.Query) error { return q.KeysOnly() })
}

// GroupBy returns one result per distinct combination of the named properties.
func (qs *QuerySet[E]) GroupBy(names ...string) (*QuerySet[E], error) {
	return qs.refine(func(q *oem.Query) error { return q.GroupBy(names...) })
}

// Ancestor restricts results to descendants of key.
func (qs *QuerySet[E]) Ancestor(key *oem.Key) (*QuerySet[E], error) {
	return qs.refine(func(q *oem.Query) error { return q.SetAncestor(key) })
}

// Slice seals the query set with an offset and limit. Use oem.NoLimit to
// leave either unset.
func (qs *QuerySet[E]) Slice(offset, limit int) (*QuerySet[E], error) {
	if qs.sliced != nil {
		return nil, ErrSliced
	}
	s, err := qs.query.Slice(offset, limit)
	if err != nil {
		return nil, err
	}
	c := qs.All()
	c.sliced = s
	return c, nil
}

// derive applies fn to an open copy of the query and re-seals it with the
// current slice, if any.
func (qs *QuerySet[E]) derive(fn func(*oem.Query) error) (any, error) {
	q := qs.Query()
	if err := fn(q); err != nil {
		return nil, err
	}
	if qs.sliced == nil {
		return q, nil
	}
	return q.Slice(qs.sliced.Offset(), qs.sliced.Limit())
}

func (qs *QuerySet[E]) source() any {
	if qs.sliced != nil {
		return qs.sliced
	}
	return qs.query
}

func (qs *QuerySet[E]) connection() (oem.Connection, error) {
	if qs.cfg.conn != nil {
		return qs.cfg.conn, nil
	}
	return oem.DefaultConnection()
}

func (qs *QuerySet[E]) cursor(src any, opts ...oem.CursorOption) (*oem.Cursor, error) {
	conn, err := qs.connection()
	if err != nil {
		return nil, err
	}
	opts = append(opts, oem.WithCursorLogger(qs.cfg.logger))
	return oem.NewCursor(src, conn, opts...)
}

func iterate[E oem.Entity](ctx context.Context, cur *oem.Cursor) iter.Seq2[E, error] {
	return func(yield func(E, error) bool) {
		var zero E
		for e, err := range cur.All(ctx) {
			if err != nil {
				yield(zero, err)
				return
			}
			typed, ok := e.(E)
			if !ok {
				yield(zero, fmt.Errorf("%w: got %T, want %T", oem.ErrProtocol, e, zero))
				return
			}
			if !yield(typed, nil) {
				return
			}
		}
	}
}

// Iter evaluates the query set lazily.
func (qs *QuerySet[E]) Iter(ctx context.Context) iter.Seq2[E, error] {
	cur, err := qs.cursor(qs.source())
	if err != nil {
		return func(yield func(E, error) bool) {
			var zero E
			yield(zero, err)
		}
	}
	return iterate[E](ctx, cur)
}

func collect[E oem.Entity](seq iter.Seq2[E, error]) ([]E, error) {
	var out []E
	for e, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// List evaluates the query set and returns every result.
func (qs *QuerySet[E]) List(ctx context.Context) ([]E, error) {
	return collect(qs.Iter(ctx))
}

// Count returns the number of results. Plain queries are counted with a
// keys-only scan.
func (qs *QuerySet[E]) Count(ctx context.Context) (int, error) {
	src := qs.source()
	if q := qs.Query(); len(q.Projection()) == 0 && len(q.GroupByProperties()) == 0 {
		var err error
		if src, err = qs.derive(func(q *oem.Query) error { return q.KeysOnly() }); err != nil {
			return 0, err
		}
	}
	cur, err := qs.cursor(src)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, err := range cur.All(ctx) {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

// Exists reports whether at least one entity matches.
func (qs *QuerySet[E]) Exists(ctx context.Context) (bool, error) {
	src := qs.source()
	if q := qs.Query(); len(q.Projection()) == 0 {
		var err error
		if src, err = qs.derive(func(q *oem.Query) error { return q.KeysOnly() }); err != nil {
			return false, err
		}
	}
	cur, err := qs.cursor(src, oem.WithLimit(1))
	if err != nil {
		return false, err
	}
	_, err = cur.Next(ctx)
	switch {
	case errors.Is(err, oem.Done):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// Get returns the single matching entity. It returns oem.ErrNotFound when
// nothing matches and ErrMultipleResults when more than one entity does.
func (qs *QuerySet[E]) Get(ctx context.Context) (E, error) {
	var zero E
	cur, err := qs.cursor(qs.source())
	if err != nil {
		return zero, err
	}
	var (
		found E
		n     int
	)
	for e, err := range iterate[E](ctx, cur) {
		if err != nil {
			return zero, err
		}
		if n++; n > 1 {
			return zero, fmt.Errorf("%w: %s", ErrMultipleResults, qs.kind.Name())
		}
		found = e
	}
	if n == 0 {
		return zero, fmt.Errorf("%w: no %s matches the query", oem.ErrNotFound, qs.kind.Name())
	}
	return found, nil
}

// First returns the first result in the current order, or by key when the set
// is unordered. ok is false when nothing matches.
func (qs *QuerySet[E]) First(ctx context.Context) (e E, ok bool, err error) {
	set := qs
	if len(qs.query.Order()) == 0 {
		if set, err = qs.OrderBy(oem.KeyProperty); err != nil {
			return e, false, err
		}
	}
	return set.one(ctx)
}

// Last returns the last result: the current order reversed, or descending
// by key when the set is unordered.
func (qs *QuerySet[E]) Last(ctx context.Context) (e E, ok bool, err error) {
	order := qs.query.Order()
	names := []string{"-" + oem.KeyProperty}
	if len(order) > 0 {
		names = names[:0]
		for _, o := range order {
			o.Descending = !o.Descending
			names = append(names, o.String())
		}
	}
	set, err := qs.OrderBy(names...)
	if err != nil {
		return e, false, err
	}
	return set.one(ctx)
}

func (qs *QuerySet[E]) one(ctx context.Context) (E, bool, error) {
	var zero E
	s, err := qs.Slice(oem.NoLimit, 1)
	if err != nil {
		return zero, false, err
	}
	cur, err := s.cursor(s.source())
	if err != nil {
		return zero, false, err
	}
	for e, err := range iterate[E](ctx, cur) {
		if err != nil {
			return zero, false, err
		}
		return e, true, nil
	}
	return zero, false, nil
}

// InBulk looks up entities by id or name and returns them keyed by the given
// value. Missing entities are left out. The set's filters do not apply.
func (qs *QuerySet[E]) InBulk(ctx context.Context, ids []any) (map[any]E, error) {
	if qs.sliced != nil {
		return nil, ErrSliced
	}
	out := make(map[any]E, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]*oem.Key, len(ids))
	for i, id := range ids {
		k, err := qs.keyFor(id)
		if err != nil {
			return nil, err
		}
		keys[i] = k
	}
	conn, err := qs.connection()
	if err != nil {
		return nil, err
	}
	found, err := oem.GetMulti(ctx, conn, keys)
	if err != nil {
		return nil, err
	}
	for i, e := range found {
		if e == nil {
			continue
		}
		typed, ok := e.(E)
		if !ok {
			return nil, fmt.Errorf("%w: got %T for %s", oem.ErrProtocol, e, keys[i])
		}
		out[ids[i]] = typed
	}
	return out, nil
}

func (qs *QuerySet[E]) txnOptions() []oem.TransactionOption {
	opts := []oem.TransactionOption{oem.WithTransactionLogger(qs.cfg.logger)}
	if qs.cfg.conn != nil {
		opts = append(opts, oem.WithConnection(qs.cfg.conn))
	}
	return opts
}

// inTransaction runs fn on the current transaction when one is active, or in
// a new SNAPSHOT transaction.
func (qs *QuerySet[E]) inTransaction(ctx context.Context, fn func(ctx context.Context, txn *oem.Transaction) error) error {
	if txn := oem.CurrentTransaction(ctx); txn != nil && txn.Status() == oem.StatusInProgress {
		return fn(ctx, txn)
	}
	return oem.RunInTransaction(ctx, oem.IsolationSnapshot, func(ctx context.Context) error {
		return fn(ctx, oem.CurrentTransaction(ctx))
	}, qs.txnOptions()...)
}

// Create inserts e. It fails if an entity with the same complete key exists.
func (qs *QuerySet[E]) Create(ctx context.Context, e E) error {
	return qs.BulkCreate(ctx, []E{e})
}

// BulkCreate inserts entities in one transaction.
func (qs *QuerySet[E]) BulkCreate(ctx context.Context, entities []E) error {
	return qs.inTransaction(ctx, func(ctx context.Context, txn *oem.Transaction) error {
		for _, e := range entities {
			if err := txn.Create(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// Update applies fn to every result and writes them back in one transaction.
// Projected and keys-only sets are rejected: writing them back would drop the
// properties they did not load.
func (qs *QuerySet[E]) Update(ctx context.Context, fn func(E) error) ([]E, error) {
	if qs.sliced != nil {
		return nil, ErrSliced
	}
	if len(qs.query.Projection()) > 0 {
		return nil, fmt.Errorf("%w: cannot update a projection", oem.ErrInvalidQuery)
	}
	entities, err := qs.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range entities {
		if err := fn(e); err != nil {
			return nil, err
		}
	}
	err = qs.inTransaction(ctx, func(ctx context.Context, txn *oem.Transaction) error {
		for _, e := range entities {
			if err := txn.Put(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entities, nil
}

// Delete removes every matching entity in one transaction and returns how
// many were deleted.
func (qs *QuerySet[E]) Delete(ctx context.Context) (int, error) {
	if qs.sliced != nil {
		return 0, ErrSliced
	}
	if len(qs.query.Projection()) > 0 && !qs.query.IsKeysOnly() {
		return 0, fmt.Errorf("%w: cannot delete a projection", oem.ErrInvalidQuery)
	}
	keysOnly := qs.query.Clone()
	if err := keysOnly.KeysOnly(); err != nil {
		return 0, err
	}
	cur, err := qs.cursor(keysOnly)
	if err != nil {
		return 0, err
	}
	var keys []*oem.Key
	for e, err := range cur.All(ctx) {
		if err != nil {
			return 0, err
		}
		keys = append(keys, e.EntityKey())
	}
	if len(keys) == 0 {
		return 0, nil
	}
	err = qs.inTransaction(ctx, func(ctx context.Context, txn *oem.Transaction) error {
		for _, k := range keys {
			if err := txn.Delete(ctx, k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	qs.cfg.logger.Debug("deleted entities", "kind", qs.kind.Name(), "count", len(keys))
	return len(keys), nil
}

// GetOrCreate returns the single matching entity, or inserts the one built
// by create when nothing matches. created reports which happened. If the
// insert fails the lookup is retried once, so a concurrent creator wins.
func (qs *QuerySet[E]) GetOrCreate(ctx context.Context, create func() E) (e E, created bool, err error) {
	e, err = qs.Get(ctx)
	if err == nil || !errors.Is(err, oem.ErrNotFound) {
		return e, false, err
	}
	e = create()
	if createErr := qs.Create(ctx, e); createErr != nil {
		if found, err := qs.Get(ctx); err == nil {
			return found, false, nil
		}
		var zero E
		return zero, false, createErr
	}
	return e, true, nil
}

// UpdateOrCreate applies apply to the single matching entity and saves it,
// or applies it to the entity built by create and inserts that. Both writes
// use the current transaction when one is active, or a new SNAPSHOT one.
func (qs *QuerySet[E]) UpdateOrCreate(ctx context.Context, apply func(E) error, create func() E) (e E, created bool, err error) {
	var zero E
	e, err = qs.Get(ctx)
	switch {
	case err == nil:
	case errors.Is(err, oem.ErrNotFound):
		e, created = create(), true
	default:
		return zero, false, err
	}
	if err := apply(e); err != nil {
		return zero, false, err
	}
	err = qs.inTransaction(ctx, func(ctx context.Context, txn *oem.Transaction) error {
		if created {
			return txn.Create(ctx, e)
		}
		return txn.Put(ctx, e)
	})
	if err != nil {
		return zero, false, err
	}
	return e, created, nil
}
