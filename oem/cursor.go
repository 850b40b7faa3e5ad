package oem

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"cloud.google.com/go/datastore/apiv1/datastorepb"
)

// CursorOption configures a Cursor.
type CursorOption func(*Cursor)

// WithLimit overrides the query's limit.
func WithLimit(n int) CursorOption {
	return func(c *Cursor) { c.limit = n }
}

// WithOffset overrides the query's offset.
func WithOffset(n int) CursorOption {
	return func(c *Cursor) { c.offset = n }
}

// WithStartCursor resumes from a position returned by Position.
func WithStartCursor(pos []byte) CursorOption {
	return func(c *Cursor) { c.startCursor = bytes.Clone(pos) }
}

// WithEndCursor stops the first page at pos.
func WithEndCursor(pos []byte) CursorOption {
	return func(c *Cursor) { c.endCursor = bytes.Clone(pos) }
}

// WithCursorLogger sets the logger for page fetches.
func WithCursorLogger(logger *slog.Logger) CursorOption {
	return func(c *Cursor) { c.logger = logger }
}

// Cursor fetches the results of one query page by page. Pages are requested
// strictly in sequence. Once the store reports no more results the cursor is
// exhausted; iterating again yields nothing.
//
// A Cursor is not safe for concurrent use.
type Cursor struct {
	query  *Query
	conn   Connection
	logger *slog.Logger

	offset      int
	limit       int
	startCursor []byte
	endCursor   []byte

	fetched     bool
	moreResults bool
	pages       int
	buf         []Entity
}

// NewCursor binds src, a *Query or *SlicedQuery, to conn.
func NewCursor(src any, conn Connection, opts ...CursorOption) (*Cursor, error) {
	if conn == nil {
		return nil, ErrNoConnection
	}
	c := &Cursor{conn: conn, offset: NoLimit, limit: NoLimit}
	switch q := src.(type) {
	case *Query:
		c.query = q.Clone()
	case *SlicedQuery:
		c.query = q.q.Clone()
		c.offset, c.limit = q.offset, q.limit
	default:
		return nil, fmt.Errorf("%w: cannot run %T", ErrInvalidQuery, src)
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// NextPage issues one request and returns its entities, whether the store
// has more results, and the position after the page. It returns no entities
// and no error once the cursor is exhausted.
func (c *Cursor) NextPage(ctx context.Context) ([]Entity, bool, []byte, error) {
	if c.fetched && !c.moreResults {
		return nil, false, c.startCursor, nil
	}

	pb, err := c.query.toProto(encoderFor(c.conn))
	if err != nil {
		return nil, false, nil, err
	}
	applyLimits(pb, c.offset, c.limit)
	pb.StartCursor = c.startCursor
	pb.EndCursor = c.endCursor

	var token []byte
	if txn := CurrentTransaction(ctx); txn != nil {
		token = txn.ID()
	}

	batch, err := c.conn.RunQuery(ctx, pb, c.conn.Namespace(), token)
	if err != nil {
		return nil, false, nil, err
	}

	more, err := moreResults(batch.GetMoreResults())
	if err != nil {
		return nil, false, nil, err
	}

	entities := make([]Entity, 0, len(batch.GetEntityResults()))
	for _, r := range batch.GetEntityResults() {
		e, err := c.query.kind.decode(r.GetEntity())
		if err != nil {
			return nil, false, nil, err
		}
		entities = append(entities, e)
	}

	c.fetched = true
	c.pages++
	c.moreResults = more
	c.offset = 0
	c.endCursor = nil
	if pos := batch.GetEndCursor(); len(pos) > 0 {
		c.startCursor = bytes.Clone(pos)
	}

	c.logger.Debug("fetched page",
		"kind", c.query.kind.name,
		"page", c.pages,
		"entities", len(entities),
		"moreResults", batch.GetMoreResults().String(),
	)
	return entities, more, c.startCursor, nil
}

// moreResults interprets the continuation state. Values outside the known
// enumeration, including UNSPECIFIED, indicate a codec mismatch.
func moreResults(state datastorepb.QueryResultBatch_MoreResultsType) (bool, error) {
	switch state {
	case datastorepb.QueryResultBatch_NOT_FINISHED:
		return true, nil
	case datastorepb.QueryResultBatch_MORE_RESULTS_AFTER_LIMIT,
		datastorepb.QueryResultBatch_MORE_RESULTS_AFTER_CURSOR,
		datastorepb.QueryResultBatch_NO_MORE_RESULTS:
		return false, nil
	}
	return false, fmt.Errorf("%w: unexpected more_results value %d", ErrProtocol, int32(state))
}

// Next returns the next entity, fetching a page when the buffer is empty. It
// returns Done when the results are exhausted.
func (c *Cursor) Next(ctx context.Context) (Entity, error) {
	for len(c.buf) == 0 {
		if c.fetched && !c.moreResults {
			return nil, Done
		}
		page, _, _, err := c.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		c.buf = page
	}
	e := c.buf[0]
	c.buf = c.buf[1:]
	return e, nil
}

// All yields the remaining entities. Iteration stops at the first error,
// which is yielded with a nil entity.
func (c *Cursor) All(ctx context.Context) iter.Seq2[Entity, error] {
	return func(yield func(Entity, error) bool) {
		for {
			e, err := c.Next(ctx)
			if errors.Is(err, Done) {
				return
			}
			if !yield(e, err) || err != nil {
				return
			}
		}
	}
}

// MoreResults reports whether the last page said more results follow.
func (c *Cursor) MoreResults() bool { return c.moreResults }

// Position returns the opaque position after the last fetched page.
func (c *Cursor) Position() []byte { return bytes.Clone(c.startCursor) }

// EncodedPosition returns Position as URL-safe base64.
func (c *Cursor) EncodedPosition() string {
	return base64.URLEncoding.EncodeToString(c.startCursor)
}

// DecodeCursor parses a position produced by EncodedPosition.
func DecodeCursor(s string) ([]byte, error) {
	pos, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: bad cursor: %v", ErrInvalidQuery, err)
	}
	return pos, nil
}
