package oem

import (
	"fmt"
	"strconv"
	"strings"

	"cloud.google.com/go/datastore/apiv1/datastorepb"
)

// Key is the address of an entity: a kind plus an optional integer id or
// string name, rooted in an optional chain of ancestor keys.
//
// A Key with neither id nor name is incomplete (partial); the store assigns an
// id when an entity with an incomplete key is inserted. Keys are immutable.
type Key struct {
	kind   string
	id     int64
	name   string
	parent *Key
}

// PathElement is one (kind, id-or-name) segment of a key path.
type PathElement struct {
	Kind string
	ID   int64
	Name string
}

// NewKey returns an incomplete key of the given kind.
func NewKey(kind string, parent *Key) *Key {
	return &Key{kind: kind, parent: parent}
}

// IDKey returns a key with an integer id. An id of 0 yields an incomplete key.
func IDKey(kind string, id int64, parent *Key) *Key {
	return &Key{kind: kind, id: id, parent: parent}
}

// NameKey returns a key with a string name. An empty name yields an incomplete key.
func NameKey(kind, name string, parent *Key) *Key {
	return &Key{kind: kind, name: name, parent: parent}
}

// Kind returns the key's kind.
func (k *Key) Kind() string { return k.kind }

// ID returns the key's integer id, or 0.
func (k *Key) ID() int64 { return k.id }

// Name returns the key's string name, or "".
func (k *Key) Name() string { return k.name }

// Parent returns the key's parent, or nil for a root key.
func (k *Key) Parent() *Key { return k.parent }

// Incomplete reports whether neither id nor name is set.
func (k *Key) Incomplete() bool { return k.id == 0 && k.name == "" }

// NameOrID returns the name if set, otherwise the id (int64), or nil for an
// incomplete key.
func (k *Key) NameOrID() any {
	switch {
	case k.name != "":
		return k.name
	case k.id != 0:
		return k.id
	}
	return nil
}

// Path returns the key's path from the root ancestor down to k.
func (k *Key) Path() []PathElement {
	var path []PathElement
	for cur := k; cur != nil; cur = cur.parent {
		path = append(path, PathElement{Kind: cur.kind, ID: cur.id, Name: cur.name})
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// withID returns a copy of k with the id set and any name cleared.
func (k *Key) withID(id int64) *Key {
	return &Key{kind: k.kind, id: id, parent: k.parent}
}

// Validate checks the path invariants: every segment has a kind, no segment
// has both an id and a name, and every ancestor is complete.
func (k *Key) Validate() error {
	if k == nil {
		return fmt.Errorf("%w: nil key", ErrInvalidKey)
	}
	for cur := k; cur != nil; cur = cur.parent {
		if cur.kind == "" {
			return fmt.Errorf("%w: empty kind in %s", ErrInvalidKey, k)
		}
		if cur.id != 0 && cur.name != "" {
			return fmt.Errorf("%w: both id and name set in %s", ErrInvalidKey, k)
		}
		if cur != k && cur.Incomplete() {
			return fmt.Errorf("%w: incomplete ancestor %s", ErrInvalidKey, cur)
		}
	}
	return nil
}

// Equal reports whether two keys have the same path.
func (k *Key) Equal(o *Key) bool {
	for k != nil && o != nil {
		if k.kind != o.kind || k.id != o.id || k.name != o.name {
			return false
		}
		k, o = k.parent, o.parent
	}
	return k == nil && o == nil
}

// String renders the path as /Kind,id/Kind,name.
func (k *Key) String() string {
	if k == nil {
		return "<nil>"
	}
	var b strings.Builder
	for _, el := range k.Path() {
		b.WriteString("/")
		b.WriteString(el.Kind)
		b.WriteString(",")
		switch {
		case el.Name != "":
			b.WriteString(strconv.Quote(el.Name))
		case el.ID != 0:
			b.WriteString(strconv.FormatInt(el.ID, 10))
		default:
			b.WriteString("?")
		}
	}
	return b.String()
}

// keyToProto serializes a key. A dataset is mandatory on the wire.
func keyToProto(k *Key, dataset, namespace string) (*datastorepb.Key, error) {
	if dataset == "" {
		return nil, ErrNoDataset
	}
	if err := k.Validate(); err != nil {
		return nil, err
	}
	pb := &datastorepb.Key{
		PartitionId: &datastorepb.PartitionId{
			ProjectId:   dataset,
			NamespaceId: namespace,
		},
	}
	for _, el := range k.Path() {
		pe := &datastorepb.Key_PathElement{Kind: el.Kind}
		switch {
		case el.ID != 0:
			pe.IdType = &datastorepb.Key_PathElement_Id{Id: el.ID}
		case el.Name != "":
			pe.IdType = &datastorepb.Key_PathElement_Name{Name: el.Name}
		}
		pb.Path = append(pb.Path, pe)
	}
	return pb, nil
}

// keyFromProto rebuilds a key chain from its wire form.
func keyFromProto(pb *datastorepb.Key) (*Key, error) {
	if pb == nil || len(pb.GetPath()) == 0 {
		return nil, fmt.Errorf("%w: key with empty path", ErrProtocol)
	}
	var last *Key
	for _, el := range pb.GetPath() {
		k := &Key{kind: el.GetKind(), parent: last}
		switch v := el.GetIdType().(type) {
		case *datastorepb.Key_PathElement_Id:
			k.id = v.Id
		case *datastorepb.Key_PathElement_Name:
			k.name = v.Name
		}
		last = k
	}
	return last, nil
}
