package oem

import (
	"fmt"
	"reflect"

	"cloud.google.com/go/datastore/apiv1/datastorepb"
)

// encoder serializes entities and values into one partition.
type encoder struct {
	dataset   string
	namespace string
}

func (enc *encoder) key(k *Key) (*datastorepb.Key, error) {
	return keyToProto(k, enc.dataset, enc.namespace)
}

// entity encodes e. The key is taken as is; callers ensure it is set.
func (enc *encoder) entity(k *Kind, e Entity) (*datastorepb.Entity, error) {
	v, err := k.structValue(e)
	if err != nil {
		return nil, err
	}
	kpb, err := enc.key(e.EntityKey())
	if err != nil {
		return nil, err
	}
	out := &datastorepb.Entity{
		Key:        kpb,
		Properties: make(map[string]*datastorepb.Value, len(k.props)),
	}
	for _, p := range k.props {
		pv, err := p.encode(enc, v.FieldByIndex(p.fieldIndex()))
		if err != nil {
			return nil, err
		}
		out.Properties[p.Name()] = pv
	}
	return out, nil
}

// filterValue encodes a query operand for p. List properties are filtered by
// element, so the operand has the element's type.
func (enc *encoder) filterValue(p Property, value any) (*datastorepb.Value, error) {
	if err := checkOperand(p, value); err != nil {
		return nil, err
	}
	if lp, ok := p.(*listProperty); ok {
		p = lp.elem
	}
	pv, err := p.encode(enc, reflect.ValueOf(value))
	if err != nil {
		return nil, err
	}
	pv.ExcludeFromIndexes = false
	return pv, nil
}

func checkOperand(p Property, value any) error {
	if lp, ok := p.(*listProperty); ok {
		p = lp.elem
	}
	if err := p.check(reflect.ValueOf(value)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}
	return nil
}

// ensureKey gives e a partial key of kind k when it has none yet.
func ensureKey(k *Kind, e Entity) (*Key, error) {
	key := e.EntityKey()
	if key == nil {
		key = NewKey(k.name, nil)
		e.SetEntityKey(key)
		return key, nil
	}
	if key.Kind() != k.name {
		return nil, fmt.Errorf("%w: key %s on entity of kind %s", ErrInvalidKey, key, k.name)
	}
	return key, key.Validate()
}

// decode builds a new entity of kind k from its wire form. Properties the
// kind does not declare are ignored.
func (k *Kind) decode(pb *datastorepb.Entity) (Entity, error) {
	if pb.GetKey() == nil {
		return nil, fmt.Errorf("%w: %s entity without key", ErrProtocol, k.name)
	}
	key, err := keyFromProto(pb.GetKey())
	if err != nil {
		return nil, err
	}
	e := k.New()
	e.SetEntityKey(key)
	if err := k.load(pb, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (k *Kind) load(pb *datastorepb.Entity, e Entity) error {
	v, err := k.structValue(e)
	if err != nil {
		return err
	}
	for name, pv := range pb.GetProperties() {
		p, ok := k.byName[name]
		if !ok {
			continue
		}
		if err := p.decode(pv, v.FieldByIndex(p.fieldIndex())); err != nil {
			return err
		}
	}
	return nil
}

// decodeEntity resolves the kind of pb through reg by its leaf kind name.
func decodeEntity(reg *Registry, pb *datastorepb.Entity) (Entity, error) {
	path := pb.GetKey().GetPath()
	if len(path) == 0 {
		return nil, fmt.Errorf("%w: entity without key", ErrProtocol)
	}
	name := path[len(path)-1].GetKind()
	k, ok := reg.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: unregistered kind %q", ErrProtocol, name)
	}
	return k.decode(pb)
}
