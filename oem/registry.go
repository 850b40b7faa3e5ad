package oem

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Registry holds the declared Kinds, indexed by Go type and by kind name.
type Registry struct {
	mu     sync.RWMutex
	byType map[reflect.Type]*Kind
	byName map[string]*Kind
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byType: make(map[reflect.Type]*Kind),
		byName: make(map[string]*Kind),
	}
}

// DefaultRegistry is used by KindOf, Register and result decoding.
var DefaultRegistry = NewRegistry()

// Register declares the kind of prototype, which may be a typed nil pointer
// such as (*Person)(nil). Registering the same type twice returns the cached
// Kind; two types claiming one kind name is an error.
func (r *Registry) Register(prototype Entity) (*Kind, error) {
	t, err := entityStruct(prototype)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	k, ok := r.byType[t]
	r.mu.RUnlock()
	if ok {
		return k, nil
	}

	k, err = newKind(t)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.byType[t]; ok {
		return cached, nil
	}
	if other, ok := r.byName[k.name]; ok {
		return nil, fmt.Errorf("%w: kind %q already declared by %s", ErrInvalidEntity, k.name, other.typ)
	}
	r.byType[t] = k
	r.byName[k.name] = k
	return k, nil
}

// Lookup returns the Kind registered under a kind name.
func (r *Registry) Lookup(name string) (*Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.byName[name]
	return k, ok
}

// Kinds returns all registered kinds sorted by name.
func (r *Registry) Kinds() []*Kind {
	r.mu.RLock()
	kinds := make([]*Kind, 0, len(r.byName))
	for _, k := range r.byName {
		kinds = append(kinds, k)
	}
	r.mu.RUnlock()
	sort.Slice(kinds, func(i, j int) bool { return kinds[i].name < kinds[j].name })
	return kinds
}

// KindOf returns the Kind of prototype from the default registry, declaring it
// on first use.
func KindOf(prototype Entity) (*Kind, error) {
	return DefaultRegistry.Register(prototype)
}

// Register declares entity types in the default registry. It is meant for
// init functions and panics on an invalid declaration.
func Register(prototypes ...Entity) {
	for _, p := range prototypes {
		if _, err := DefaultRegistry.Register(p); err != nil {
			panic(err)
		}
	}
}

func entityStruct(prototype Entity) (reflect.Type, error) {
	if prototype == nil {
		return nil, ErrNilEntity
	}
	t := reflect.TypeOf(prototype)
	if t.Kind() != reflect.Pointer || t.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %s must be a pointer to a struct", ErrInvalidEntity, t)
	}
	return t.Elem(), nil
}
