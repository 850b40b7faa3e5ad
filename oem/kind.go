package oem

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// Kind is the declared schema of one entity type: its kind name, its Go type
// and its ordered properties.
type Kind struct {
	name   string
	typ    reflect.Type
	props  []Property
	byName map[string]Property
}

// Name returns the kind name used on the wire.
func (k *Kind) Name() string { return k.name }

// Type returns the entity's struct type.
func (k *Kind) Type() reflect.Type { return k.typ }

// Properties returns the declared properties in field order.
func (k *Kind) Properties() []Property {
	return append([]Property(nil), k.props...)
}

// Property returns the named property. The identifier pseudo-property is not
// a declared property.
func (k *Kind) Property(name string) (Property, bool) {
	p, ok := k.byName[name]
	return p, ok
}

// New allocates a zero entity of this kind.
func (k *Kind) New() Entity {
	return reflect.New(k.typ).Interface().(Entity)
}

// Validate checks required properties, per-property value rules and the
// entity's own Validator hook.
func (k *Kind) Validate(e Entity) error {
	v, err := k.structValue(e)
	if err != nil {
		return err
	}
	for _, p := range k.props {
		fv := v.FieldByIndex(p.fieldIndex())
		if p.Required() && fv.IsZero() {
			return fmt.Errorf("%w: %s.%s is required", ErrValidation, k.name, p.Name())
		}
		if err := p.check(fv); err != nil {
			return err
		}
	}
	if vv, ok := e.(Validator); ok {
		if err := vv.Validate(); err != nil {
			if errors.Is(err, ErrValidation) {
				return err
			}
			return fmt.Errorf("%w: %s: %w", ErrValidation, k.name, err)
		}
	}
	return nil
}

func (k *Kind) structValue(e Entity) (reflect.Value, error) {
	if e == nil {
		return reflect.Value{}, ErrNilEntity
	}
	v := reflect.ValueOf(e)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return reflect.Value{}, ErrNilEntity
	}
	if v.Elem().Type() != k.typ {
		return reflect.Value{}, fmt.Errorf("%w: %T is not of kind %s", ErrInvalidEntity, e, k.name)
	}
	return v.Elem(), nil
}

// newKind builds the schema for a struct type.
func newKind(t reflect.Type) (*Kind, error) {
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %s is not a struct", ErrInvalidEntity, t)
	}
	if !reflect.PointerTo(t).Implements(entityType) {
		return nil, fmt.Errorf("%w: *%s does not implement Entity, embed oem.Model", ErrInvalidEntity, t)
	}
	k := &Kind{name: t.Name(), typ: t, byName: make(map[string]Property)}
	if kn, ok := reflect.New(t).Interface().(KindNamer); ok {
		k.name = kn.Kind()
	}
	if k.name == "" {
		return nil, fmt.Errorf("%w: %s has no kind name", ErrInvalidEntity, t)
	}
	if err := k.collect(t, nil); err != nil {
		return nil, err
	}
	return k, nil
}

var entityType = reflect.TypeOf((*Entity)(nil)).Elem()

func (k *Kind) collect(t reflect.Type, prefix []int) error {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		index := append(append([]int(nil), prefix...), i)
		tag, hasTag := f.Tag.Lookup("oem")
		if tag == "-" {
			continue
		}
		if f.Anonymous {
			if f.Type == modelType {
				continue
			}
			if f.Type.Kind() == reflect.Struct && !hasTag && f.Type != timeType {
				if err := k.collect(f.Type, index); err != nil {
					return err
				}
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		name, opts := parseTag(tag)
		if name == "" {
			name = f.Name
		}
		if isKeyProperty(name) {
			return fmt.Errorf("%w: %s.%s: %q is reserved", ErrInvalidEntity, k.name, f.Name, name)
		}
		if _, dup := k.byName[name]; dup {
			return fmt.Errorf("%w: %s: duplicate property %q", ErrInvalidEntity, k.name, name)
		}
		p, err := newProperty(name, f.Type, opts, index)
		if err != nil {
			return fmt.Errorf("%s: %w", k.name, err)
		}
		k.props = append(k.props, p)
		k.byName[name] = p
	}
	return nil
}

func parseTag(tag string) (string, tagOptions) {
	var opts tagOptions
	name, rest, _ := strings.Cut(tag, ",")
	for rest != "" {
		var opt string
		opt, rest, _ = strings.Cut(rest, ",")
		switch opt {
		case "required":
			opts.required = true
		case "noindex":
			opts.noindex = true
		case "compressed":
			opts.compressed = true
		case "json":
			opts.json = true
		}
	}
	return name, opts
}
