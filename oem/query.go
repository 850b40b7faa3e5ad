package oem

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/datastore/apiv1/datastorepb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// NoLimit marks an unset offset or limit.
const NoLimit = -1

// Operator is a filter comparison.
type Operator string

// Filter operators.
const (
	Equal          Operator = "="
	LessThan       Operator = "<"
	LessOrEqual    Operator = "<="
	GreaterThan    Operator = ">"
	GreaterOrEqual Operator = ">="
)

var operators = map[string]Operator{
	"=": Equal, "<": LessThan, "<=": LessOrEqual, ">": GreaterThan, ">=": GreaterOrEqual,
	"eq": Equal, "lt": LessThan, "lte": LessOrEqual, "gt": GreaterThan, "gte": GreaterOrEqual,
}

// ParseOperator maps a symbol (=, <, <=, >, >=) or term (eq, lt, lte, gt, gte)
// to an Operator.
func ParseOperator(s string) (Operator, error) {
	op, ok := operators[s]
	if !ok {
		return "", fmt.Errorf("%w: unknown operator %q", ErrInvalidQuery, s)
	}
	return op, nil
}

var wireOperators = map[Operator]datastorepb.PropertyFilter_Operator{
	Equal:          datastorepb.PropertyFilter_EQUAL,
	LessThan:       datastorepb.PropertyFilter_LESS_THAN,
	LessOrEqual:    datastorepb.PropertyFilter_LESS_THAN_OR_EQUAL,
	GreaterThan:    datastorepb.PropertyFilter_GREATER_THAN,
	GreaterOrEqual: datastorepb.PropertyFilter_GREATER_THAN_OR_EQUAL,
}

// Filter is one (property, operator, value) constraint.
type Filter struct {
	Property string
	Op       Operator
	Value    any
}

// Order is one sort key.
type Order struct {
	Property   string
	Descending bool
}

func (o Order) String() string {
	if o.Descending {
		return "-" + o.Property
	}
	return o.Property
}

// Query is an open, mutable query over one kind. Every mutator validates
// its arguments against the kind before changing anything.
//
// Slice seals a Query into a SlicedQuery, which cannot be refined further.
type Query struct {
	kind       *Kind
	filters    []Filter
	projection []string
	keysOnly   bool
	order      []Order
	groupBy    []string
	ancestor   *Key
}

// NewQuery returns an empty query over the kind of prototype, which may be a
// typed nil pointer.
func NewQuery(prototype Entity) (*Query, error) {
	k, err := KindOf(prototype)
	if err != nil {
		return nil, err
	}
	return &Query{kind: k}, nil
}

// Kind returns the queried kind.
func (q *Query) Kind() *Kind { return q.kind }

func (q *Query) property(name string) (Property, error) {
	p, ok := q.kind.Property(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no property %q", ErrInvalidQuery, q.kind.name, name)
	}
	return p, nil
}

func (q *Query) checkNames(names []string) error {
	for _, name := range names {
		if isKeyProperty(name) {
			continue
		}
		if _, err := q.property(name); err != nil {
			return err
		}
	}
	return nil
}

func canonical(name string) string {
	if isKeyProperty(name) {
		return KeyProperty
	}
	return name
}

// AddFilter appends a filter. op is a symbol or a term name. The identifier
// pseudo-property only accepts equality with a non-nil *Key.
func (q *Query) AddFilter(name, op string, value any) error {
	o, err := ParseOperator(op)
	if err != nil {
		return err
	}
	if isKeyProperty(name) {
		k, ok := value.(*Key)
		if o != Equal || !ok || k == nil {
			return fmt.Errorf("%w: %s only supports = with a *Key", ErrInvalidQuery, KeyProperty)
		}
		q.filters = append(q.filters, Filter{Property: KeyProperty, Op: o, Value: k})
		return nil
	}
	p, err := q.property(name)
	if err != nil {
		return err
	}
	if err := checkOperand(p, value); err != nil {
		return err
	}
	q.filters = append(q.filters, Filter{Property: name, Op: o, Value: value})
	return nil
}

// Project replaces the projection.
func (q *Query) Project(names ...string) error {
	if q.keysOnly {
		return fmt.Errorf("%w: projection after keys only", ErrInvalidQuery)
	}
	if err := q.checkNames(names); err != nil {
		return err
	}
	q.projection = make([]string, len(names))
	for i, n := range names {
		q.projection[i] = canonical(n)
	}
	return nil
}

// KeysOnly restricts results to keys. Calling it again is a no-op.
func (q *Query) KeysOnly() error {
	if len(q.projection) > 0 && !q.keysOnly {
		return fmt.Errorf("%w: keys only after projection", ErrInvalidQuery)
	}
	q.keysOnly = true
	q.projection = []string{KeyProperty}
	return nil
}

// OrderBy replaces the sort order. A leading "-" sorts descending.
func (q *Query) OrderBy(names ...string) error {
	order := make([]Order, 0, len(names))
	for _, n := range names {
		o := Order{Property: n}
		if rest, ok := strings.CutPrefix(n, "-"); ok {
			o = Order{Property: rest, Descending: true}
		}
		if err := q.checkNames([]string{o.Property}); err != nil {
			return err
		}
		o.Property = canonical(o.Property)
		order = append(order, o)
	}
	q.order = order
	return nil
}

// GroupBy replaces the distinct-on properties.
func (q *Query) GroupBy(names ...string) error {
	if err := q.checkNames(names); err != nil {
		return err
	}
	q.groupBy = make([]string, len(names))
	for i, n := range names {
		q.groupBy[i] = canonical(n)
	}
	return nil
}

// SetAncestor restricts results to descendants of a complete key. A nil key
// clears the restriction.
func (q *Query) SetAncestor(k *Key) error {
	if k != nil {
		if k.Incomplete() {
			return fmt.Errorf("%w: ancestor %s is incomplete", ErrInvalidQuery, k)
		}
		if err := k.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidQuery, err)
		}
	}
	q.ancestor = k
	return nil
}

// Filters returns a copy of the filters in insertion order.
func (q *Query) Filters() []Filter { return append([]Filter(nil), q.filters...) }

// Projection returns a copy of the projected property names.
func (q *Query) Projection() []string { return append([]string(nil), q.projection...) }

// Order returns a copy of the sort order.
func (q *Query) Order() []Order { return append([]Order(nil), q.order...) }

// GroupByProperties returns a copy of the distinct-on properties.
func (q *Query) GroupByProperties() []string { return append([]string(nil), q.groupBy...) }

// Ancestor returns the ancestor restriction, or nil.
func (q *Query) Ancestor() *Key { return q.ancestor }

// IsKeysOnly reports whether KeysOnly was called.
func (q *Query) IsKeysOnly() bool { return q.keysOnly }

// Clone returns an independent copy. Keys are immutable and shared.
func (q *Query) Clone() *Query {
	c := *q
	c.filters = q.Filters()
	c.projection = q.Projection()
	c.order = q.Order()
	c.groupBy = q.GroupByProperties()
	return &c
}

// Slice seals a copy of the query with an offset and limit. Pass NoLimit to
// leave either unset.
func (q *Query) Slice(offset, limit int) (*SlicedQuery, error) {
	if offset < NoLimit || limit < NoLimit {
		return nil, fmt.Errorf("%w: negative offset or limit", ErrInvalidQuery)
	}
	return &SlicedQuery{q: q.Clone(), offset: offset, limit: limit}, nil
}

// ToProto serializes the query. Key operands are encoded in the default
// dataset; without one they fail with ErrNoDataset.
func (q *Query) ToProto() (*datastorepb.Query, error) {
	return q.toProto(encoderFor(nil))
}

// Run executes the query on the default connection.
func (q *Query) Run(ctx context.Context, opts ...CursorOption) (*Cursor, error) {
	conn, err := DefaultConnection()
	if err != nil {
		return nil, err
	}
	return NewCursor(q, conn, opts...)
}

func (q *Query) toProto(enc *encoder) (*datastorepb.Query, error) {
	pb := &datastorepb.Query{
		Kind: []*datastorepb.KindExpression{{Name: q.kind.name}},
	}
	if q.ancestor != nil || len(q.filters) > 0 {
		var leaves []*datastorepb.Filter
		for _, f := range q.filters {
			var (
				pv  *datastorepb.Value
				err error
			)
			if f.Property == KeyProperty {
				var kpb *datastorepb.Key
				if kpb, err = enc.key(f.Value.(*Key)); err == nil {
					pv = &datastorepb.Value{ValueType: &datastorepb.Value_KeyValue{KeyValue: kpb}}
				}
			} else {
				p, _ := q.kind.Property(f.Property)
				pv, err = enc.filterValue(p, f.Value)
			}
			if err != nil {
				return nil, err
			}
			leaves = append(leaves, propertyFilter(f.Property, wireOperators[f.Op], pv))
		}
		if q.ancestor != nil {
			kpb, err := enc.key(q.ancestor)
			if err != nil {
				return nil, err
			}
			leaves = append(leaves, propertyFilter(KeyProperty, datastorepb.PropertyFilter_HAS_ANCESTOR,
				&datastorepb.Value{ValueType: &datastorepb.Value_KeyValue{KeyValue: kpb}}))
		}
		pb.Filter = &datastorepb.Filter{FilterType: &datastorepb.Filter_CompositeFilter{
			CompositeFilter: &datastorepb.CompositeFilter{
				Op:      datastorepb.CompositeFilter_AND,
				Filters: leaves,
			},
		}}
	}
	for _, name := range q.projection {
		pb.Projection = append(pb.Projection, &datastorepb.Projection{
			Property: &datastorepb.PropertyReference{Name: name},
		})
	}
	for _, o := range q.order {
		dir := datastorepb.PropertyOrder_ASCENDING
		if o.Descending {
			dir = datastorepb.PropertyOrder_DESCENDING
		}
		pb.Order = append(pb.Order, &datastorepb.PropertyOrder{
			Property:  &datastorepb.PropertyReference{Name: o.Property},
			Direction: dir,
		})
	}
	for _, name := range q.groupBy {
		pb.DistinctOn = append(pb.DistinctOn, &datastorepb.PropertyReference{Name: name})
	}
	return pb, nil
}

func propertyFilter(name string, op datastorepb.PropertyFilter_Operator, v *datastorepb.Value) *datastorepb.Filter {
	return &datastorepb.Filter{FilterType: &datastorepb.Filter_PropertyFilter{
		PropertyFilter: &datastorepb.PropertyFilter{
			Property: &datastorepb.PropertyReference{Name: name},
			Op:       op,
			Value:    v,
		},
	}}
}

// SlicedQuery is a sealed query with a fixed offset and limit. It offers no
// mutators; refine the Query before slicing.
type SlicedQuery struct {
	q      *Query
	offset int
	limit  int
}

// Offset returns the offset, or NoLimit.
func (s *SlicedQuery) Offset() int { return s.offset }

// Limit returns the limit, or NoLimit.
func (s *SlicedQuery) Limit() int { return s.limit }

// Query returns an open copy of the underlying query.
func (s *SlicedQuery) Query() *Query { return s.q.Clone() }

// Clone returns an independent copy.
func (s *SlicedQuery) Clone() *SlicedQuery {
	return &SlicedQuery{q: s.q.Clone(), offset: s.offset, limit: s.limit}
}

// ToProto serializes the query with its offset and limit.
func (s *SlicedQuery) ToProto() (*datastorepb.Query, error) {
	return s.toProto(encoderFor(nil))
}

// Run executes the query on the default connection.
func (s *SlicedQuery) Run(ctx context.Context, opts ...CursorOption) (*Cursor, error) {
	conn, err := DefaultConnection()
	if err != nil {
		return nil, err
	}
	return NewCursor(s, conn, opts...)
}

func (s *SlicedQuery) toProto(enc *encoder) (*datastorepb.Query, error) {
	pb, err := s.q.toProto(enc)
	if err != nil {
		return nil, err
	}
	applyLimits(pb, s.offset, s.limit)
	return pb, nil
}

func applyLimits(pb *datastorepb.Query, offset, limit int) {
	if offset > 0 {
		pb.Offset = int32(offset)
	}
	if limit >= 0 {
		pb.Limit = wrapperspb.Int32(int32(limit))
	}
}
