package oem

import (
	"context"
	"fmt"

	"cloud.google.com/go/datastore/apiv1/datastorepb"
)

// Save upserts e. Inside a transaction's scope it is staged on that
// transaction; otherwise it is written in a new SNAPSHOT transaction and any
// generated key is assigned before Save returns.
func Save(ctx context.Context, e Entity, opts ...TransactionOption) error {
	if e == nil {
		return ErrNilEntity
	}
	if t := CurrentTransaction(ctx); t != nil && t.canStage() == nil {
		return t.Put(ctx, e)
	}
	return RunInTransaction(ctx, IsolationSnapshot, func(ctx context.Context) error {
		return CurrentTransaction(ctx).Put(ctx, e)
	}, opts...)
}

// Delete removes e, staging on the current transaction like Save.
func Delete(ctx context.Context, e Entity, opts ...TransactionOption) error {
	if e == nil {
		return ErrNilEntity
	}
	if t := CurrentTransaction(ctx); t != nil && t.canStage() == nil {
		return t.Delete(ctx, e.EntityKey())
	}
	return RunInTransaction(ctx, IsolationSnapshot, func(ctx context.Context) error {
		return CurrentTransaction(ctx).Delete(ctx, e.EntityKey())
	}, opts...)
}

// Get loads the entity at key into dst. A nil conn means the default
// connection. It returns ErrNotFound when no entity exists.
func Get(ctx context.Context, conn Connection, key *Key, dst Entity) error {
	k, err := KindOf(dst)
	if err != nil {
		return err
	}
	if key == nil || key.Kind() != k.name {
		return fmt.Errorf("%w: key %s for entity of kind %s", ErrInvalidKey, key, k.name)
	}
	found, err := lookup(ctx, conn, []*Key{key})
	if err != nil {
		return err
	}
	pb, ok := found[key.String()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if _, err := k.structValue(dst); err != nil {
		return err
	}
	got, err := keyFromProto(pb.GetKey())
	if err != nil {
		return err
	}
	dst.SetEntityKey(got)
	return k.load(pb, dst)
}

// GetMulti looks up keys and returns the entities in key order, decoded by
// their registered kind. Missing entities are nil.
func GetMulti(ctx context.Context, conn Connection, keys []*Key) ([]Entity, error) {
	found, err := lookup(ctx, conn, keys)
	if err != nil {
		return nil, err
	}
	out := make([]Entity, len(keys))
	for i, key := range keys {
		pb, ok := found[key.String()]
		if !ok {
			continue
		}
		if out[i], err = decodeEntity(DefaultRegistry, pb); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// lookup fetches keys, following deferred keys until the store has answered
// for all of them. Results are indexed by Key.String.
func lookup(ctx context.Context, conn Connection, keys []*Key) (map[string]*datastorepb.Entity, error) {
	conn, err := resolveConnection(conn)
	if err != nil {
		return nil, err
	}
	enc := encoderFor(conn)
	pending := make([]*datastorepb.Key, 0, len(keys))
	for _, k := range keys {
		if k == nil || k.Incomplete() {
			return nil, fmt.Errorf("%w: cannot look up incomplete key %s", ErrInvalidKey, k)
		}
		kpb, err := enc.key(k)
		if err != nil {
			return nil, err
		}
		pending = append(pending, kpb)
	}

	var token []byte
	if t := CurrentTransaction(ctx); t != nil {
		token = t.ID()
	}

	found := make(map[string]*datastorepb.Entity, len(keys))
	for len(pending) > 0 {
		resp, err := conn.Lookup(ctx, pending, token)
		if err != nil {
			return nil, err
		}
		for _, r := range resp.GetFound() {
			key, err := keyFromProto(r.GetEntity().GetKey())
			if err != nil {
				return nil, err
			}
			found[key.String()] = r.GetEntity()
		}
		if len(resp.GetDeferred()) >= len(pending) && len(resp.GetFound())+len(resp.GetMissing()) == 0 {
			return nil, fmt.Errorf("%w: lookup made no progress on %d keys", ErrProtocol, len(pending))
		}
		pending = resp.GetDeferred()
	}
	return found, nil
}
