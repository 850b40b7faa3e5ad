// Package fakeconn provides an in-memory oem.Connection for tests.
//
// Committed entities are kept in memory and served by Lookup. RunQuery returns
// scripted batches in order; once they run out it evaluates the query against
// the stored entities, supporting kind, equality filters, ancestor, keys-only,
// offset and limit.
package fakeconn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"cloud.google.com/go/datastore/apiv1/datastorepb"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// QueryCall records one RunQuery request.
type QueryCall struct {
	Query     *datastorepb.Query
	Namespace string
	Txn       []byte
}

// CommitCall records one Commit request.
type CommitCall struct {
	Mutations []*datastorepb.Mutation
	Txn       []byte
}

// LookupCall records one Lookup request.
type LookupCall struct {
	Keys []*datastorepb.Key
	Txn  []byte
}

// Conn is a scripted, recording connection. The zero value is not usable;
// call New.
type Conn struct {
	mu sync.Mutex

	dataset   string
	namespace string

	// Batches are returned by RunQuery in order before falling back to the
	// in-memory evaluation.
	Batches []*datastorepb.QueryResultBatch

	// CommitResponses, when set, replace the generated commit responses in order.
	CommitResponses []*datastorepb.CommitResponse

	// Err* make the matching call fail.
	QueryErr    error
	BeginErr    error
	CommitErr   error
	RollbackErr error
	LookupErr   error

	Queries   []QueryCall
	Commits   []CommitCall
	Lookups   []LookupCall
	Begins    int
	Rollbacks [][]byte

	nextID   int64
	nextTxn  int
	entities map[string]*datastorepb.Entity
	order    []string
}

// New returns an empty connection for dataset.
func New(dataset, namespace string) *Conn {
	return &Conn{
		dataset:   dataset,
		namespace: namespace,
		nextID:    1000,
		entities:  make(map[string]*datastorepb.Entity),
	}
}

func (c *Conn) Dataset() string   { return c.dataset }
func (c *Conn) Namespace() string { return c.namespace }

// Put stores an entity directly, bypassing Commit.
func (c *Conn) Put(e *datastorepb.Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(proto.Clone(e).(*datastorepb.Entity))
}

// Stored returns the entity at key, or nil.
func (c *Conn) Stored(key *datastorepb.Key) *datastorepb.Entity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entities[KeyString(key)]
}

// Len returns the number of stored entities.
func (c *Conn) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entities)
}

func (c *Conn) store(e *datastorepb.Entity) {
	ks := KeyString(e.GetKey())
	if _, ok := c.entities[ks]; !ok {
		c.order = append(c.order, ks)
	}
	c.entities[ks] = e
}

func (c *Conn) remove(key *datastorepb.Key) {
	ks := KeyString(key)
	if _, ok := c.entities[ks]; !ok {
		return
	}
	delete(c.entities, ks)
	for i, o := range c.order {
		if o == ks {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Conn) RunQuery(_ context.Context, q *datastorepb.Query, namespace string, txn []byte) (*datastorepb.QueryResultBatch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Queries = append(c.Queries, QueryCall{
		Query:     proto.Clone(q).(*datastorepb.Query),
		Namespace: namespace,
		Txn:       bytes.Clone(txn),
	})
	if c.QueryErr != nil {
		return nil, c.QueryErr
	}
	if len(c.Batches) > 0 {
		b := c.Batches[0]
		c.Batches = c.Batches[1:]
		return b, nil
	}
	return c.evaluate(q), nil
}

func (c *Conn) BeginTransaction(context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Begins++
	if c.BeginErr != nil {
		return nil, c.BeginErr
	}
	c.nextTxn++
	return []byte(fmt.Sprintf("txn-%d", c.nextTxn)), nil
}

func (c *Conn) Commit(_ context.Context, mutations []*datastorepb.Mutation, txn []byte) (*datastorepb.CommitResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call := CommitCall{Txn: bytes.Clone(txn)}
	for _, m := range mutations {
		call.Mutations = append(call.Mutations, proto.Clone(m).(*datastorepb.Mutation))
	}
	c.Commits = append(c.Commits, call)
	if c.CommitErr != nil {
		return nil, c.CommitErr
	}

	// Keys are allocated and conflicts checked before anything is applied,
	// so a failed commit leaves the store untouched.
	resp := &datastorepb.CommitResponse{}
	writes := make([]*datastorepb.Entity, len(call.Mutations))
	batch := make(map[string]bool)
	for i, m := range call.Mutations {
		var result datastorepb.MutationResult
		switch op := m.GetOperation().(type) {
		case *datastorepb.Mutation_Insert:
			e := proto.Clone(op.Insert).(*datastorepb.Entity)
			result.Key = c.allocate(e)
			ks := KeyString(e.GetKey())
			if _, exists := c.entities[ks]; exists || batch[ks] {
				return nil, errors.New("fakeconn: entity already exists")
			}
			batch[ks] = true
			writes[i] = e
		case *datastorepb.Mutation_Upsert:
			e := proto.Clone(op.Upsert).(*datastorepb.Entity)
			result.Key = c.allocate(e)
			batch[KeyString(e.GetKey())] = true
			writes[i] = e
		}
		resp.MutationResults = append(resp.MutationResults, &result)
	}
	for i, m := range call.Mutations {
		if del, ok := m.GetOperation().(*datastorepb.Mutation_Delete); ok {
			c.remove(del.Delete)
			continue
		}
		if writes[i] != nil {
			c.store(writes[i])
		}
	}
	if len(c.CommitResponses) > 0 {
		resp = c.CommitResponses[0]
		c.CommitResponses = c.CommitResponses[1:]
	}
	return resp, nil
}

// allocate completes an incomplete key in place and returns it.
func (c *Conn) allocate(e *datastorepb.Entity) *datastorepb.Key {
	path := e.GetKey().GetPath()
	if len(path) == 0 {
		return nil
	}
	leaf := path[len(path)-1]
	if leaf.GetIdType() != nil {
		return nil
	}
	c.nextID++
	leaf.IdType = &datastorepb.Key_PathElement_Id{Id: c.nextID}
	return proto.Clone(e.GetKey()).(*datastorepb.Key)
}

func (c *Conn) Rollback(_ context.Context, txn []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Rollbacks = append(c.Rollbacks, bytes.Clone(txn))
	return c.RollbackErr
}

func (c *Conn) Lookup(_ context.Context, keys []*datastorepb.Key, txn []byte) (*datastorepb.LookupResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call := LookupCall{Txn: bytes.Clone(txn)}
	for _, k := range keys {
		call.Keys = append(call.Keys, proto.Clone(k).(*datastorepb.Key))
	}
	c.Lookups = append(c.Lookups, call)
	if c.LookupErr != nil {
		return nil, c.LookupErr
	}
	resp := &datastorepb.LookupResponse{}
	for _, k := range keys {
		if e, ok := c.entities[KeyString(k)]; ok {
			resp.Found = append(resp.Found, &datastorepb.EntityResult{Entity: proto.Clone(e).(*datastorepb.Entity)})
		} else {
			resp.Missing = append(resp.Missing, &datastorepb.EntityResult{
				Entity: &datastorepb.Entity{Key: proto.Clone(k).(*datastorepb.Key)},
			})
		}
	}
	return resp, nil
}

func (c *Conn) evaluate(q *datastorepb.Query) *datastorepb.QueryResultBatch {
	kind := ""
	if len(q.GetKind()) > 0 {
		kind = q.GetKind()[0].GetName()
	}
	keysOnly := len(q.GetProjection()) == 1 && q.GetProjection()[0].GetProperty().GetName() == "__key__"

	var matched []*datastorepb.Entity
	for _, ks := range c.order {
		e := c.entities[ks]
		path := e.GetKey().GetPath()
		if path[len(path)-1].GetKind() != kind || !matches(e, q.GetFilter()) {
			continue
		}
		matched = append(matched, e)
	}

	offset := int(q.GetOffset())
	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]
	more := datastorepb.QueryResultBatch_NO_MORE_RESULTS
	if q.GetLimit() != nil && int(q.GetLimit().GetValue()) < len(matched) {
		matched = matched[:q.GetLimit().GetValue()]
		more = datastorepb.QueryResultBatch_MORE_RESULTS_AFTER_LIMIT
	}

	batch := &datastorepb.QueryResultBatch{MoreResults: more, EndCursor: []byte("end")}
	for _, e := range matched {
		out := proto.Clone(e).(*datastorepb.Entity)
		if keysOnly {
			out.Properties = nil
		}
		batch.EntityResults = append(batch.EntityResults, &datastorepb.EntityResult{Entity: out})
	}
	return batch
}

func matches(e *datastorepb.Entity, f *datastorepb.Filter) bool {
	if f == nil {
		return true
	}
	if cf := f.GetCompositeFilter(); cf != nil {
		for _, sub := range cf.GetFilters() {
			if !matches(e, sub) {
				return false
			}
		}
		return true
	}
	pf := f.GetPropertyFilter()
	name := pf.GetProperty().GetName()
	switch {
	case name == "__key__" && pf.GetOp() == datastorepb.PropertyFilter_HAS_ANCESTOR:
		ks, anc := KeyString(e.GetKey()), KeyString(pf.GetValue().GetKeyValue())
		return ks == anc || strings.HasPrefix(ks, anc+"/")
	case name == "__key__":
		return KeyString(e.GetKey()) == KeyString(pf.GetValue().GetKeyValue())
	case pf.GetOp() != datastorepb.PropertyFilter_EQUAL:
		// Only equality is evaluated.
		return true
	}
	v, ok := e.GetProperties()[name]
	if !ok {
		return false
	}
	if arr := v.GetArrayValue(); arr != nil {
		for _, ev := range arr.GetValues() {
			if sameValue(ev, pf.GetValue()) {
				return true
			}
		}
		return false
	}
	return sameValue(v, pf.GetValue())
}

func sameValue(a, b *datastorepb.Value) bool {
	a = proto.Clone(a).(*datastorepb.Value)
	b = proto.Clone(b).(*datastorepb.Value)
	a.ExcludeFromIndexes, b.ExcludeFromIndexes = false, false
	if a.GetKeyValue() != nil && b.GetKeyValue() != nil {
		return KeyString(a.GetKeyValue()) == KeyString(b.GetKeyValue())
	}
	return proto.Equal(a, b)
}

// KeyString renders a key path, ignoring the partition.
func KeyString(k *datastorepb.Key) string {
	var b strings.Builder
	for _, el := range k.GetPath() {
		b.WriteString("/")
		b.WriteString(el.GetKind())
		switch id := el.GetIdType().(type) {
		case *datastorepb.Key_PathElement_Id:
			fmt.Fprintf(&b, ",%d", id.Id)
		case *datastorepb.Key_PathElement_Name:
			fmt.Fprintf(&b, ",%q", id.Name)
		}
	}
	return b.String()
}

// --- Builders ---

// Key builds a key from alternating kind and id-or-name pairs, for example
// Key("ds", "Person", int64(1), "Pet", "rex"). A trailing kind without an id
// yields an incomplete key.
func Key(dataset string, pairs ...any) *datastorepb.Key {
	k := &datastorepb.Key{PartitionId: &datastorepb.PartitionId{ProjectId: dataset}}
	for i := 0; i < len(pairs); i += 2 {
		el := &datastorepb.Key_PathElement{Kind: pairs[i].(string)}
		if i+1 < len(pairs) {
			switch v := pairs[i+1].(type) {
			case int64:
				el.IdType = &datastorepb.Key_PathElement_Id{Id: v}
			case int:
				el.IdType = &datastorepb.Key_PathElement_Id{Id: int64(v)}
			case string:
				el.IdType = &datastorepb.Key_PathElement_Name{Name: v}
			}
		}
		k.Path = append(k.Path, el)
	}
	return k
}

// Entity builds an entity proto.
func Entity(key *datastorepb.Key, props map[string]*datastorepb.Value) *datastorepb.Entity {
	return &datastorepb.Entity{Key: key, Properties: props}
}

// Batch builds a result batch.
func Batch(more datastorepb.QueryResultBatch_MoreResultsType, endCursor string, entities ...*datastorepb.Entity) *datastorepb.QueryResultBatch {
	b := &datastorepb.QueryResultBatch{MoreResults: more, EndCursor: []byte(endCursor)}
	for _, e := range entities {
		b.EntityResults = append(b.EntityResults, &datastorepb.EntityResult{Entity: e})
	}
	return b
}

func String(s string) *datastorepb.Value {
	return &datastorepb.Value{ValueType: &datastorepb.Value_StringValue{StringValue: s}}
}

func Int(n int64) *datastorepb.Value {
	return &datastorepb.Value{ValueType: &datastorepb.Value_IntegerValue{IntegerValue: n}}
}

func Null() *datastorepb.Value {
	return &datastorepb.Value{ValueType: &datastorepb.Value_NullValue{NullValue: structpb.NullValue_NULL_VALUE}}
}
