package oem

// Entity is the base interface for all storable types.
//
// Entities are structs that embed Model, which supplies the key accessors:
//
//	type Person struct {
//	    oem.Model
//	    FirstName string `oem:"first_name,required"`
//	}
type Entity interface {
	// EntityKey returns the entity's key, or nil if none has been assigned yet.
	EntityKey() *Key

	// SetEntityKey replaces the entity's key.
	SetEntityKey(*Key)
}

// KindNamer is implemented by entities whose kind differs from the Go type name.
type KindNamer interface {
	Kind() string
}

// Validator is implemented by entities with validation beyond property rules.
// Validate is called before the entity is staged for writing.
type Validator interface {
	Validate() error
}

// Model carries an entity's key. Embed it in every entity struct.
type Model struct {
	key *Key
}

// EntityKey returns the key, or nil.
func (m *Model) EntityKey() *Key { return m.key }

// SetEntityKey replaces the key.
func (m *Model) SetEntityKey(k *Key) { m.key = k }

// KeyProperty is the reserved name of the identifier pseudo-property.
const KeyProperty = "__key__"

// keyAlias may be used in place of KeyProperty in filters, projections and orderings.
const keyAlias = "key"

// isKeyProperty reports whether name refers to the identifier pseudo-property.
func isKeyProperty(name string) bool {
	return name == KeyProperty || name == keyAlias
}
