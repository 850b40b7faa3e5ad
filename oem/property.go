package oem

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"reflect"
	"time"

	"cloud.google.com/go/datastore/apiv1/datastorepb"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zlib"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

var (
	timeType   = reflect.TypeOf(time.Time{})
	keyPtrType = reflect.TypeOf((*Key)(nil))
	modelType  = reflect.TypeOf(Model{})
)

// Property describes one declared field of an entity and converts its values
// to and from exactly one wire value slot.
//
// The set of implementations is closed: boolean, integer, float, text, blob,
// timestamp, JSON, list and reference.
type Property interface {
	// Name is the property name used in queries and on the wire.
	Name() string

	// Required reports whether the property must hold a non-zero value.
	Required() bool

	// Indexed reports whether the store should index the property.
	Indexed() bool

	fieldIndex() []int
	check(v reflect.Value) error
	encode(enc *encoder, v reflect.Value) (*datastorepb.Value, error)
	decode(pv *datastorepb.Value, dst reflect.Value) error
}

type propertyBase struct {
	name     string
	index    []int
	required bool
	noindex  bool
}

func (p *propertyBase) Name() string      { return p.name }
func (p *propertyBase) Required() bool    { return p.required }
func (p *propertyBase) Indexed() bool     { return !p.noindex }
func (p *propertyBase) fieldIndex() []int { return p.index }

func (p *propertyBase) invalid(want string, v reflect.Value) error {
	got := "nil"
	if v.IsValid() {
		got = v.Type().String()
	}
	return fmt.Errorf("%w: property %q: value must be %s, got %s", ErrValidation, p.name, want, got)
}

func (p *propertyBase) mismatch(pv *datastorepb.Value, dst reflect.Value) error {
	return fmt.Errorf("%w: property %q: cannot load %T into %s", ErrFieldMismatch, p.name, pv.GetValueType(), dst.Type())
}

func (p *propertyBase) value(v *datastorepb.Value) *datastorepb.Value {
	v.ExcludeFromIndexes = p.noindex
	return v
}

func isNull(pv *datastorepb.Value) bool {
	_, ok := pv.GetValueType().(*datastorepb.Value_NullValue)
	return ok || pv.GetValueType() == nil
}

func nullValue() *datastorepb.Value {
	return &datastorepb.Value{ValueType: &datastorepb.Value_NullValue{NullValue: structpb.NullValue_NULL_VALUE}}
}

func isInt(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Int64
}

func isUint(k reflect.Kind) bool {
	return k >= reflect.Uint && k <= reflect.Uint64
}

type boolProperty struct{ propertyBase }

func (p *boolProperty) check(v reflect.Value) error {
	if !v.IsValid() || v.Kind() != reflect.Bool {
		return p.invalid("a bool", v)
	}
	return nil
}

func (p *boolProperty) encode(_ *encoder, v reflect.Value) (*datastorepb.Value, error) {
	return p.value(&datastorepb.Value{ValueType: &datastorepb.Value_BooleanValue{BooleanValue: v.Bool()}}), nil
}

func (p *boolProperty) decode(pv *datastorepb.Value, dst reflect.Value) error {
	switch x := pv.GetValueType().(type) {
	case *datastorepb.Value_BooleanValue:
		dst.SetBool(x.BooleanValue)
		return nil
	}
	if isNull(pv) {
		dst.SetZero()
		return nil
	}
	return p.mismatch(pv, dst)
}

type intProperty struct{ propertyBase }

func (p *intProperty) check(v reflect.Value) error {
	switch {
	case !v.IsValid():
	case isInt(v.Kind()):
		return nil
	case isUint(v.Kind()):
		if v.Uint() > math.MaxInt64 {
			return fmt.Errorf("%w: property %q: %d is out of int64 range", ErrValidation, p.name, v.Uint())
		}
		return nil
	}
	return p.invalid("an integer", v)
}

func (p *intProperty) encode(_ *encoder, v reflect.Value) (*datastorepb.Value, error) {
	if err := p.check(v); err != nil {
		return nil, err
	}
	n := int64(0)
	if isUint(v.Kind()) {
		n = int64(v.Uint())
	} else {
		n = v.Int()
	}
	return p.value(&datastorepb.Value{ValueType: &datastorepb.Value_IntegerValue{IntegerValue: n}}), nil
}

func (p *intProperty) decode(pv *datastorepb.Value, dst reflect.Value) error {
	x, ok := pv.GetValueType().(*datastorepb.Value_IntegerValue)
	if !ok {
		if isNull(pv) {
			dst.SetZero()
			return nil
		}
		return p.mismatch(pv, dst)
	}
	n := x.IntegerValue
	switch {
	case isInt(dst.Kind()):
		if dst.OverflowInt(n) {
			return fmt.Errorf("%w: property %q: %d overflows %s", ErrFieldMismatch, p.name, n, dst.Type())
		}
		dst.SetInt(n)
	case isUint(dst.Kind()):
		if n < 0 || dst.OverflowUint(uint64(n)) {
			return fmt.Errorf("%w: property %q: %d overflows %s", ErrFieldMismatch, p.name, n, dst.Type())
		}
		dst.SetUint(uint64(n))
	default:
		return p.mismatch(pv, dst)
	}
	return nil
}

type floatProperty struct{ propertyBase }

func (p *floatProperty) check(v reflect.Value) error {
	if v.IsValid() {
		k := v.Kind()
		if k == reflect.Float32 || k == reflect.Float64 || isInt(k) || isUint(k) {
			return nil
		}
	}
	return p.invalid("a float", v)
}

func (p *floatProperty) encode(_ *encoder, v reflect.Value) (*datastorepb.Value, error) {
	var f float64
	switch {
	case isInt(v.Kind()):
		f = float64(v.Int())
	case isUint(v.Kind()):
		f = float64(v.Uint())
	default:
		f = v.Float()
	}
	return p.value(&datastorepb.Value{ValueType: &datastorepb.Value_DoubleValue{DoubleValue: f}}), nil
}

func (p *floatProperty) decode(pv *datastorepb.Value, dst reflect.Value) error {
	var f float64
	switch x := pv.GetValueType().(type) {
	case *datastorepb.Value_DoubleValue:
		f = x.DoubleValue
	case *datastorepb.Value_IntegerValue:
		f = float64(x.IntegerValue)
	default:
		if isNull(pv) {
			dst.SetZero()
			return nil
		}
		return p.mismatch(pv, dst)
	}
	if dst.OverflowFloat(f) {
		return fmt.Errorf("%w: property %q: %v overflows %s", ErrFieldMismatch, p.name, f, dst.Type())
	}
	dst.SetFloat(f)
	return nil
}

type textProperty struct{ propertyBase }

func (p *textProperty) check(v reflect.Value) error {
	if !v.IsValid() || v.Kind() != reflect.String {
		return p.invalid("a string", v)
	}
	return nil
}

func (p *textProperty) encode(_ *encoder, v reflect.Value) (*datastorepb.Value, error) {
	return p.value(&datastorepb.Value{ValueType: &datastorepb.Value_StringValue{StringValue: v.String()}}), nil
}

func (p *textProperty) decode(pv *datastorepb.Value, dst reflect.Value) error {
	switch x := pv.GetValueType().(type) {
	case *datastorepb.Value_StringValue:
		dst.SetString(x.StringValue)
		return nil
	}
	if isNull(pv) {
		dst.SetZero()
		return nil
	}
	return p.mismatch(pv, dst)
}

// blobProperty stores bytes, optionally zlib compressed. Compressed blobs are
// never indexed.
type blobProperty struct {
	propertyBase
	compressed bool
}

func isBytes(t reflect.Type) bool {
	return t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8
}

func (p *blobProperty) check(v reflect.Value) error {
	if !v.IsValid() || !isBytes(v.Type()) {
		return p.invalid("bytes", v)
	}
	return nil
}

func (p *blobProperty) encode(_ *encoder, v reflect.Value) (*datastorepb.Value, error) {
	data := v.Bytes()
	if p.compressed {
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("compress %q: %w", p.name, err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("compress %q: %w", p.name, err)
		}
		data = buf.Bytes()
	}
	return p.value(&datastorepb.Value{ValueType: &datastorepb.Value_BlobValue{BlobValue: data}}), nil
}

func (p *blobProperty) decode(pv *datastorepb.Value, dst reflect.Value) error {
	x, ok := pv.GetValueType().(*datastorepb.Value_BlobValue)
	if !ok {
		if isNull(pv) {
			dst.SetZero()
			return nil
		}
		return p.mismatch(pv, dst)
	}
	data := x.BlobValue
	if p.compressed {
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("%w: property %q: %v", ErrFieldMismatch, p.name, err)
		}
		defer r.Close()
		if data, err = io.ReadAll(r); err != nil {
			return fmt.Errorf("%w: property %q: %v", ErrFieldMismatch, p.name, err)
		}
	} else {
		data = bytes.Clone(data)
	}
	dst.SetBytes(data)
	return nil
}

// timeProperty stores a time as a UTC timestamp with microsecond precision.
type timeProperty struct{ propertyBase }

func (p *timeProperty) check(v reflect.Value) error {
	if !v.IsValid() || !v.Type().ConvertibleTo(timeType) || v.Kind() != reflect.Struct {
		return p.invalid("a time.Time", v)
	}
	return nil
}

func (p *timeProperty) encode(_ *encoder, v reflect.Value) (*datastorepb.Value, error) {
	t := v.Convert(timeType).Interface().(time.Time)
	ts := timestamppb.New(t.UTC().Truncate(time.Microsecond))
	return p.value(&datastorepb.Value{ValueType: &datastorepb.Value_TimestampValue{TimestampValue: ts}}), nil
}

func (p *timeProperty) decode(pv *datastorepb.Value, dst reflect.Value) error {
	x, ok := pv.GetValueType().(*datastorepb.Value_TimestampValue)
	if !ok {
		if isNull(pv) {
			dst.SetZero()
			return nil
		}
		return p.mismatch(pv, dst)
	}
	dst.Set(reflect.ValueOf(x.TimestampValue.AsTime()).Convert(dst.Type()))
	return nil
}

// jsonProperty stores any value as an unindexed JSON blob.
type jsonProperty struct{ propertyBase }

func (p *jsonProperty) check(v reflect.Value) error {
	if !v.IsValid() {
		return p.invalid("a JSON encodable value", v)
	}
	return nil
}

func (p *jsonProperty) encode(_ *encoder, v reflect.Value) (*datastorepb.Value, error) {
	data, err := json.Marshal(v.Interface())
	if err != nil {
		return nil, fmt.Errorf("%w: property %q: %v", ErrValidation, p.name, err)
	}
	return p.value(&datastorepb.Value{ValueType: &datastorepb.Value_BlobValue{BlobValue: data}}), nil
}

func (p *jsonProperty) decode(pv *datastorepb.Value, dst reflect.Value) error {
	var data []byte
	switch x := pv.GetValueType().(type) {
	case *datastorepb.Value_BlobValue:
		data = x.BlobValue
	case *datastorepb.Value_StringValue:
		data = []byte(x.StringValue)
	default:
		if isNull(pv) {
			dst.SetZero()
			return nil
		}
		return p.mismatch(pv, dst)
	}
	ptr := reflect.New(dst.Type())
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return fmt.Errorf("%w: property %q: %v", ErrFieldMismatch, p.name, err)
	}
	dst.Set(ptr.Elem())
	return nil
}

// referenceProperty stores a *Key pointing at another entity.
type referenceProperty struct{ propertyBase }

func (p *referenceProperty) check(v reflect.Value) error {
	if !v.IsValid() || v.Type() != keyPtrType {
		return p.invalid("a *oem.Key", v)
	}
	return nil
}

func (p *referenceProperty) encode(enc *encoder, v reflect.Value) (*datastorepb.Value, error) {
	if v.IsNil() {
		return p.value(nullValue()), nil
	}
	kpb, err := enc.key(v.Interface().(*Key))
	if err != nil {
		return nil, fmt.Errorf("property %q: %w", p.name, err)
	}
	return p.value(&datastorepb.Value{ValueType: &datastorepb.Value_KeyValue{KeyValue: kpb}}), nil
}

func (p *referenceProperty) decode(pv *datastorepb.Value, dst reflect.Value) error {
	x, ok := pv.GetValueType().(*datastorepb.Value_KeyValue)
	if !ok {
		if isNull(pv) {
			dst.SetZero()
			return nil
		}
		return p.mismatch(pv, dst)
	}
	k, err := keyFromProto(x.KeyValue)
	if err != nil {
		return err
	}
	dst.Set(reflect.ValueOf(k))
	return nil
}

// listProperty stores a slice of scalars, delegating to its element property.
type listProperty struct {
	propertyBase
	elem Property
}

func (p *listProperty) check(v reflect.Value) error {
	if !v.IsValid() || v.Kind() != reflect.Slice || isBytes(v.Type()) {
		return p.invalid("a slice", v)
	}
	for i := 0; i < v.Len(); i++ {
		if err := p.elem.check(v.Index(i)); err != nil {
			return err
		}
	}
	return nil
}

func (p *listProperty) encode(enc *encoder, v reflect.Value) (*datastorepb.Value, error) {
	values := make([]*datastorepb.Value, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		ev, err := p.elem.encode(enc, v.Index(i))
		if err != nil {
			return nil, err
		}
		values = append(values, ev)
	}
	// exclude_from_indexes is carried by each element, never by the array.
	return &datastorepb.Value{ValueType: &datastorepb.Value_ArrayValue{
		ArrayValue: &datastorepb.ArrayValue{Values: values},
	}}, nil
}

func (p *listProperty) decode(pv *datastorepb.Value, dst reflect.Value) error {
	var values []*datastorepb.Value
	switch x := pv.GetValueType().(type) {
	case *datastorepb.Value_ArrayValue:
		values = x.ArrayValue.GetValues()
	default:
		if isNull(pv) {
			dst.SetZero()
			return nil
		}
		values = []*datastorepb.Value{pv}
	}
	out := reflect.MakeSlice(dst.Type(), len(values), len(values))
	for i, ev := range values {
		if err := p.elem.decode(ev, out.Index(i)); err != nil {
			return err
		}
	}
	dst.Set(out)
	return nil
}

type tagOptions struct {
	required   bool
	noindex    bool
	compressed bool
	json       bool
}

// newProperty picks the property implementation for a field type.
func newProperty(name string, t reflect.Type, opts tagOptions, index []int) (Property, error) {
	base := propertyBase{name: name, index: index, required: opts.required, noindex: opts.noindex}
	if opts.compressed && !isBytes(t) {
		return nil, fmt.Errorf("%w: property %q: compressed requires []byte, got %s", ErrInvalidEntity, name, t)
	}
	switch {
	case opts.json:
		base.noindex = true
		return &jsonProperty{base}, nil
	case t == keyPtrType:
		return &referenceProperty{base}, nil
	case t.Kind() == reflect.Struct && t.ConvertibleTo(timeType):
		return &timeProperty{base}, nil
	case isBytes(t):
		if opts.compressed {
			base.noindex = true
		}
		return &blobProperty{propertyBase: base, compressed: opts.compressed}, nil
	}
	switch k := t.Kind(); {
	case k == reflect.Bool:
		return &boolProperty{base}, nil
	case isInt(k) || isUint(k):
		return &intProperty{base}, nil
	case k == reflect.Float32 || k == reflect.Float64:
		return &floatProperty{base}, nil
	case k == reflect.String:
		return &textProperty{base}, nil
	case k == reflect.Slice:
		et := t.Elem()
		if et == keyPtrType {
			return nil, fmt.Errorf("%w: property %q: lists of keys are not supported", ErrInvalidEntity, name)
		}
		if et.Kind() == reflect.Slice && !isBytes(et) {
			return nil, fmt.Errorf("%w: property %q: nested lists are not supported", ErrInvalidEntity, name)
		}
		elem, err := newProperty(name, et, tagOptions{noindex: opts.noindex}, nil)
		if err != nil {
			return nil, err
		}
		return &listProperty{propertyBase: base, elem: elem}, nil
	}
	return nil, fmt.Errorf("%w: property %q: unsupported type %s", ErrInvalidEntity, name, t)
}
