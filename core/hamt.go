package core

// Hash-array-mapped trie backing the versioned map's index.
//
// Parameters are fixed for canonical structure: 32-bit key hash (SHA-256
// truncated) consumed 5 bits at a time, bitmap width 32, leaf buckets of up
// to 3 sorted entries. The resulting shape depends only on the key set, so
// replaying a changelog over a parent index always reproduces the child
// index byte for byte.

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/bits"
	"sort"

	"github.com/ipfs/go-cid"
)

const (
	hamtBits       = 5
	hamtHashWidth  = 32
	hamtBucketSize = 3
	hamtMaxDepth   = (hamtHashWidth + hamtBits - 1) / hamtBits
)

func hamtHash(key string) uint32 {
	digest := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint32(digest[:4])
}

// hashChunk returns the index bits for the given depth. Beyond the sixth
// level only two bits remain; at hamtMaxDepth the hash is exhausted and
// colliding keys accumulate in one unbounded bucket.
func hashChunk(hash uint32, depth int) uint32 {
	consumed := depth * hamtBits
	take := hamtHashWidth - consumed
	if take > hamtBits {
		take = hamtBits
	}
	shift := hamtHashWidth - consumed - take
	return (hash >> uint(shift)) & ((1 << uint(take)) - 1)
}

//---------------------------------------------------------------------
// Stored form
//---------------------------------------------------------------------

type hamtEntry[V any] struct {
	Key   string `cbor:"key"`
	Value V      `cbor:"value"`
}

type hamtPointerIpld[V any] struct {
	Child  *Ref           `cbor:"child,omitempty"`
	Bucket []hamtEntry[V] `cbor:"bucket,omitempty"`
}

type hamtNodeIpld[V any] struct {
	Bitmap   uint32               `cbor:"bitmap"`
	Pointers []hamtPointerIpld[V] `cbor:"pointers"`
}

//---------------------------------------------------------------------
// Working form
//---------------------------------------------------------------------

type hamtPointer[V any] struct {
	childID cid.Cid
	child   *hamtNode[V]
	bucket  []hamtEntry[V]
}

type hamtNode[V any] struct {
	bitmap   uint32
	pointers []*hamtPointer[V]
	dirty    bool
}

// Hamt is a handle over one revision of the trie, loading nodes lazily and
// buffering mutations in memory until Flush.
type Hamt[V any] struct {
	store BlockStore
	root  *hamtNode[V]
}

// NewHamt starts an empty trie.
func NewHamt[V any](store BlockStore) *Hamt[V] {
	return &Hamt[V]{store: store, root: &hamtNode[V]{dirty: true}}
}

// LoadHamt pins a trie at a persisted root.
func LoadHamt[V any](ctx context.Context, store BlockStore, id cid.Cid) (*Hamt[V], error) {
	root, err := loadHamtNode[V](ctx, store, id)
	if err != nil {
		return nil, err
	}
	return &Hamt[V]{store: store, root: root}, nil
}

func loadHamtNode[V any](ctx context.Context, store BlockStore, id cid.Cid) (*hamtNode[V], error) {
	stored, err := LoadBlock[hamtNodeIpld[V]](ctx, store, id)
	if err != nil {
		return nil, err
	}
	node := &hamtNode[V]{bitmap: stored.Bitmap}
	for _, p := range stored.Pointers {
		pointer := &hamtPointer[V]{bucket: p.Bucket}
		if p.Child != nil {
			pointer.childID = p.Child.Cid
		}
		node.pointers = append(node.pointers, pointer)
	}
	return node, nil
}

func (h *Hamt[V]) ensureChild(ctx context.Context, pointer *hamtPointer[V]) (*hamtNode[V], error) {
	if pointer.child != nil {
		return pointer.child, nil
	}
	if !pointer.childID.Defined() {
		return nil, fmt.Errorf("%w: hamt pointer has neither child nor bucket", ErrInternal)
	}
	child, err := loadHamtNode[V](ctx, h.store, pointer.childID)
	if err != nil {
		return nil, err
	}
	pointer.child = child
	return child, nil
}

// pointerSlot maps an index chunk to the compressed pointer position.
func (n *hamtNode[V]) pointerSlot(index uint32) int {
	return bits.OnesCount32(n.bitmap & ((1 << index) - 1))
}

func (n *hamtNode[V]) hasBit(index uint32) bool {
	return n.bitmap&(1<<index) != 0
}

//---------------------------------------------------------------------
// Operations
//---------------------------------------------------------------------

// Get looks a key up at the pinned revision plus buffered mutations.
func (h *Hamt[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	node := h.root
	hash := hamtHash(key)
	for depth := 0; ; depth++ {
		index := hashChunk(hash, depth)
		if !node.hasBit(index) {
			return zero, false, nil
		}
		pointer := node.pointers[node.pointerSlot(index)]
		if pointer.child == nil && !pointer.childID.Defined() {
			for _, entry := range pointer.bucket {
				if entry.Key == key {
					return entry.Value, true, nil
				}
			}
			return zero, false, nil
		}
		child, err := h.ensureChild(ctx, pointer)
		if err != nil {
			return zero, false, err
		}
		node = child
	}
}

// Set inserts or replaces a key.
func (h *Hamt[V]) Set(ctx context.Context, key string, value V) error {
	return h.set(ctx, h.root, hamtHash(key), 0, hamtEntry[V]{Key: key, Value: value})
}

func (h *Hamt[V]) set(ctx context.Context, node *hamtNode[V], hash uint32, depth int, entry hamtEntry[V]) error {
	node.dirty = true
	index := hashChunk(hash, depth)
	slot := node.pointerSlot(index)
	if !node.hasBit(index) {
		pointer := &hamtPointer[V]{bucket: []hamtEntry[V]{entry}}
		node.pointers = append(node.pointers, nil)
		copy(node.pointers[slot+1:], node.pointers[slot:])
		node.pointers[slot] = pointer
		node.bitmap |= 1 << index
		return nil
	}

	pointer := node.pointers[slot]
	if pointer.child == nil && !pointer.childID.Defined() {
		for i, existing := range pointer.bucket {
			if existing.Key == entry.Key {
				pointer.bucket[i] = entry
				return nil
			}
		}
		if len(pointer.bucket) < hamtBucketSize || depth+1 >= hamtMaxDepth {
			pointer.bucket = append(pointer.bucket, entry)
			sort.Slice(pointer.bucket, func(i, j int) bool {
				return pointer.bucket[i].Key < pointer.bucket[j].Key
			})
			return nil
		}
		// Full bucket: push every entry one level down.
		child := &hamtNode[V]{dirty: true}
		for _, existing := range pointer.bucket {
			if err := h.set(ctx, child, hamtHash(existing.Key), depth+1, existing); err != nil {
				return err
			}
		}
		if err := h.set(ctx, child, hash, depth+1, entry); err != nil {
			return err
		}
		pointer.bucket = nil
		pointer.child = child
		pointer.childID = cid.Undef
		return nil
	}

	child, err := h.ensureChild(ctx, pointer)
	if err != nil {
		return err
	}
	pointer.childID = cid.Undef
	return h.set(ctx, child, hash, depth+1, entry)
}

// Delete removes a key, reporting whether it was present.
func (h *Hamt[V]) Delete(ctx context.Context, key string) (bool, error) {
	return h.remove(ctx, h.root, hamtHash(key), 0, key)
}

func (h *Hamt[V]) remove(ctx context.Context, node *hamtNode[V], hash uint32, depth int, key string) (bool, error) {
	index := hashChunk(hash, depth)
	if !node.hasBit(index) {
		return false, nil
	}
	slot := node.pointerSlot(index)
	pointer := node.pointers[slot]

	if pointer.child == nil && !pointer.childID.Defined() {
		for i, entry := range pointer.bucket {
			if entry.Key != key {
				continue
			}
			node.dirty = true
			pointer.bucket = append(pointer.bucket[:i], pointer.bucket[i+1:]...)
			if len(pointer.bucket) == 0 {
				node.pointers = append(node.pointers[:slot], node.pointers[slot+1:]...)
				node.bitmap &^= 1 << index
			}
			return true, nil
		}
		return false, nil
	}

	child, err := h.ensureChild(ctx, pointer)
	if err != nil {
		return false, err
	}
	removed, err := h.remove(ctx, child, hash, depth+1, key)
	if err != nil || !removed {
		return removed, err
	}
	node.dirty = true
	pointer.childID = cid.Undef

	// Keep the shape canonical: a child reduced to at most one bucket's
	// worth of leaf entries folds back into this node.
	if entries, ok := child.collapsible(); ok {
		pointer.child = nil
		pointer.bucket = entries
	}
	return true, nil
}

// collapsible reports whether the node holds only leaf entries that fit a
// single bucket, returning them sorted.
func (n *hamtNode[V]) collapsible() ([]hamtEntry[V], bool) {
	var entries []hamtEntry[V]
	for _, pointer := range n.pointers {
		if pointer.child != nil || pointer.childID.Defined() {
			return nil, false
		}
		entries = append(entries, pointer.bucket...)
		if len(entries) > hamtBucketSize {
			return nil, false
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, true
}

// ForEach visits every entry in trie traversal order. The order is stable
// for a given index but not defined across revisions.
func (h *Hamt[V]) ForEach(ctx context.Context, fn func(key string, value V) error) error {
	return h.forEach(ctx, h.root, fn)
}

func (h *Hamt[V]) forEach(ctx context.Context, node *hamtNode[V], fn func(string, V) error) error {
	for _, pointer := range node.pointers {
		if pointer.child != nil || pointer.childID.Defined() {
			child, err := h.ensureChild(ctx, pointer)
			if err != nil {
				return err
			}
			if err := h.forEach(ctx, child, fn); err != nil {
				return err
			}
			continue
		}
		for _, entry := range pointer.bucket {
			if err := fn(entry.Key, entry.Value); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flush persists every dirty node bottom-up and returns the root id.
func (h *Hamt[V]) Flush(ctx context.Context) (cid.Cid, error) {
	return h.flushNode(ctx, h.root)
}

func (h *Hamt[V]) flushNode(ctx context.Context, node *hamtNode[V]) (cid.Cid, error) {
	stored := hamtNodeIpld[V]{Bitmap: node.bitmap}
	for _, pointer := range node.pointers {
		p := hamtPointerIpld[V]{Bucket: pointer.bucket}
		if pointer.child != nil {
			childID, err := h.flushNode(ctx, pointer.child)
			if err != nil {
				return cid.Undef, err
			}
			pointer.childID = childID
			ref := NewRef(childID)
			p.Child = &ref
			p.Bucket = nil
		} else if pointer.childID.Defined() {
			ref := NewRef(pointer.childID)
			p.Child = &ref
			p.Bucket = nil
		}
		stored.Pointers = append(stored.Pointers, p)
	}
	id, err := SaveBlock(ctx, h.store, stored)
	if err != nil {
		return cid.Undef, err
	}
	node.dirty = false
	return id, nil
}
