package core

// The versioned map: a CRDT-flavored persistent mapping that pairs a
// hash-addressed structural index (HAMT) with the changelog that produced
// it. Reads go to the pinned index; writes buffer in memory and take effect
// only at Flush, which seals the changelog and yields the next revision.
//
// Merge semantics across divergent branches are last-writer-wins per key in
// commit order along the branch being replayed; within one branch, later ops
// supersede earlier ops on the same key.

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
)

// VersionedMapIpld is the stored form of one map revision.
type VersionedMapIpld struct {
	Index     Ref `cbor:"index"`
	Changelog Ref `cbor:"changelog"`
}

// VersionedMap is a handle over one revision plus a mutation buffer. The
// buffer is not thread-safe and belongs to the commit in progress.
type VersionedMap[V any] struct {
	store   BlockStore
	author  Did
	id      cid.Cid
	hamt    *Hamt[V]
	pending []MapOperation[V]
}

// NewVersionedMap starts an empty map authored by author.
func NewVersionedMap[V any](store BlockStore, author Did) *VersionedMap[V] {
	return &VersionedMap[V]{store: store, author: author, hamt: NewHamt[V](store)}
}

// LoadVersionedMap pins a map at a persisted revision.
func LoadVersionedMap[V any](ctx context.Context, store BlockStore, id cid.Cid, author Did) (*VersionedMap[V], error) {
	stored, err := LoadBlock[VersionedMapIpld](ctx, store, id)
	if err != nil {
		return nil, err
	}
	hamt, err := LoadHamt[V](ctx, store, stored.Index.Cid)
	if err != nil {
		return nil, err
	}
	return &VersionedMap[V]{store: store, author: author, id: id, hamt: hamt}, nil
}

// Cid returns the pinned revision id; undefined until the first Flush.
func (m *VersionedMap[V]) Cid() cid.Cid { return m.id }

// Get looks a key up at the pinned index. Buffered mutations are not
// visible until Flush.
func (m *VersionedMap[V]) Get(ctx context.Context, key string) (V, bool, error) {
	return m.hamt.Get(ctx, key)
}

// Set buffers an add/replace of key.
func (m *VersionedMap[V]) Set(key string, value V) {
	m.pending = append(m.pending, AddOperation(key, value))
}

// Remove buffers a removal of key.
func (m *VersionedMap[V]) Remove(key string) {
	m.pending = append(m.pending, RemoveOperation[V](key))
}

// HasPendingChanges reports whether any ops are buffered.
func (m *VersionedMap[V]) HasPendingChanges() bool {
	return len(m.pending) > 0
}

// ForEach streams (key, value) pairs in index traversal order.
func (m *VersionedMap[V]) ForEach(ctx context.Context, fn func(key string, value V) error) error {
	return m.hamt.ForEach(ctx, fn)
}

// Changelog loads the pinned revision's changelog.
func (m *VersionedMap[V]) Changelog(ctx context.Context) (*ChangelogIpld[V], error) {
	if !m.id.Defined() {
		return &ChangelogIpld[V]{Author: m.author}, nil
	}
	stored, err := LoadBlock[VersionedMapIpld](ctx, m.store, m.id)
	if err != nil {
		return nil, err
	}
	return LoadBlock[ChangelogIpld[V]](ctx, m.store, stored.Changelog.Cid)
}

// Flush applies the buffered ops, persists the updated index plus the
// sealed changelog, and pins the map at the new revision. Flushing with no
// buffered ops is idempotent.
func (m *VersionedMap[V]) Flush(ctx context.Context) (cid.Cid, error) {
	if len(m.pending) == 0 && m.id.Defined() {
		return m.id, nil
	}

	changes := collapseOperations(m.pending)
	for _, op := range changes {
		switch op.Op {
		case MapOpAdd:
			if op.Value == nil {
				return cid.Undef, fmt.Errorf("%w: add op for %q has no value", ErrInternal, op.Key)
			}
			if err := m.hamt.Set(ctx, op.Key, *op.Value); err != nil {
				return cid.Undef, err
			}
		case MapOpRemove:
			if _, err := m.hamt.Delete(ctx, op.Key); err != nil {
				return cid.Undef, err
			}
		default:
			return cid.Undef, fmt.Errorf("%w: unknown map op %q", ErrDecode, op.Op)
		}
	}

	indexID, err := m.hamt.Flush(ctx)
	if err != nil {
		return cid.Undef, err
	}
	changelogID, err := SaveBlock(ctx, m.store, ChangelogIpld[V]{Author: m.author, Changes: changes})
	if err != nil {
		return cid.Undef, err
	}
	id, err := SaveBlock(ctx, m.store, VersionedMapIpld{
		Index:     NewRef(indexID),
		Changelog: NewRef(changelogID),
	})
	if err != nil {
		return cid.Undef, err
	}
	m.id = id
	m.pending = nil
	return id, nil
}

// ReplayChangelog applies changes over the map revision at parent (or an
// empty map when parent is undefined) and returns the resulting revision
// id. Used to verify the changelog invariant and to merge branches.
func ReplayChangelog[V any](ctx context.Context, store BlockStore, parent cid.Cid, author Did, changes []MapOperation[V]) (cid.Cid, error) {
	var replayed *VersionedMap[V]
	if parent.Defined() {
		loaded, err := LoadVersionedMap[V](ctx, store, parent, author)
		if err != nil {
			return cid.Undef, err
		}
		replayed = loaded
	} else {
		replayed = NewVersionedMap[V](store, author)
	}
	for _, op := range changes {
		switch op.Op {
		case MapOpAdd:
			replayed.Set(op.Key, *op.Value)
		case MapOpRemove:
			replayed.Remove(op.Key)
		}
	}
	return replayed.Flush(ctx)
}
