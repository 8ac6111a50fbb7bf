package core

// Content-addressed block storage plus a small named key/value namespace,
// both layered over a go-datastore backend. Blocks are verified against
// their identifier on write; outgoing links are indexed alongside so that
// traversals can answer "what does this block reference?" without decoding.

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dsns "github.com/ipfs/go-datastore/namespace"
	dssync "github.com/ipfs/go-datastore/sync"
)

// Well-known key/value names persisted alongside blocks.
const (
	KeyIdentity      = "identity"
	KeyUserKeyName   = "user_key_name"
	KeyAuthorization = "authorization"
	KeyGatewayURL    = "gateway_url"
	KeyCounterpart   = "counterpart"
)

// BlockStore stores opaque byte blocks keyed by their content address.
type BlockStore interface {
	// PutBlock stores data under id. It is idempotent and errors if id does
	// not match the hash of data under its codec.
	PutBlock(ctx context.Context, id cid.Cid, data []byte) error
	// GetBlock returns the bytes of a block, or a wrapped ErrNotFound.
	GetBlock(ctx context.Context, id cid.Cid) ([]byte, error)
	// HasBlock reports whether a block is present without fetching it.
	HasBlock(ctx context.Context, id cid.Cid) (bool, error)
	// PutLinks indexes the outgoing links encoded within data.
	PutLinks(ctx context.Context, id cid.Cid, data []byte) error
	// GetBlockLinks answers which ids a block references. A block with no
	// recorded links yields an empty slice.
	GetBlockLinks(ctx context.Context, id cid.Cid) ([]cid.Cid, error)
}

// KeyValueStore stores small named values: sphere identity, author key name,
// authorization id, gateway URL, counterpart identity and per-sphere version
// pointers.
type KeyValueStore interface {
	SetKey(ctx context.Context, name string, value any) error
	// GetKey decodes the named value into out, or returns a wrapped
	// ErrNotFound.
	GetKey(ctx context.Context, name string, out any) error
	UnsetKey(ctx context.Context, name string) error
}

//---------------------------------------------------------------------
// Datastore-backed implementation
//---------------------------------------------------------------------

// Storage bundles the two stores of one sphere workspace over a shared
// datastore backend.
type Storage struct {
	Blocks BlockStore
	Keys   KeyValueStore

	backend ds.Datastore
}

// NewMemoryStorage builds storage over an in-memory map datastore. Intended
// for tests and ephemeral spheres.
func NewMemoryStorage() *Storage {
	backend := dssync.MutexWrap(ds.NewMapDatastore())
	return newStorage(backend)
}

// NewFileStorage builds storage over a flat-file datastore rooted at path.
func NewFileStorage(path string) (*Storage, error) {
	backend, err := newFlatDatastore(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorage, path, err)
	}
	return newStorage(dssync.MutexWrap(backend)), nil
}

func newStorage(backend ds.Datastore) *Storage {
	return &Storage{
		Blocks: &datastoreBlocks{
			blocks: dsns.Wrap(backend, ds.NewKey("/blocks")),
			links:  dsns.Wrap(backend, ds.NewKey("/links")),
		},
		Keys:    &datastoreKeys{values: dsns.Wrap(backend, ds.NewKey("/keys"))},
		backend: backend,
	}
}

// Close releases the backing datastore.
func (s *Storage) Close() error {
	return s.backend.Close()
}

type datastoreBlocks struct {
	blocks ds.Datastore
	links  ds.Datastore
}

func blockKey(id cid.Cid) ds.Key {
	return ds.NewKey(id.String())
}

func (b *datastoreBlocks) PutBlock(ctx context.Context, id cid.Cid, data []byte) error {
	sum, err := id.Prefix().Sum(data)
	if err != nil {
		return fmt.Errorf("%w: hash block: %v", ErrInternal, err)
	}
	if !sum.Equals(id) {
		return fmt.Errorf("%w: block bytes hash to %s, not %s", ErrInternal, sum, id)
	}
	if err := b.blocks.Put(ctx, blockKey(id), data); err != nil {
		return fmt.Errorf("%w: put %s: %v", ErrStorage, id, err)
	}
	return nil
}

func (b *datastoreBlocks) GetBlock(ctx context.Context, id cid.Cid) ([]byte, error) {
	data, err := b.blocks.Get(ctx, blockKey(id))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, fmt.Errorf("%w: block %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrStorage, id, err)
	}
	return data, nil
}

func (b *datastoreBlocks) HasBlock(ctx context.Context, id cid.Cid) (bool, error) {
	has, err := b.blocks.Has(ctx, blockKey(id))
	if err != nil {
		return false, fmt.Errorf("%w: has %s: %v", ErrStorage, id, err)
	}
	return has, nil
}

func (b *datastoreBlocks) PutLinks(ctx context.Context, id cid.Cid, data []byte) error {
	found, err := ScanLinks(id.Prefix().Codec, data)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		return nil
	}
	refs := make([]Ref, len(found))
	for i, c := range found {
		refs[i] = NewRef(c)
	}
	encoded, err := EncodeCanonical(refs)
	if err != nil {
		return err
	}
	if err := b.links.Put(ctx, blockKey(id), encoded); err != nil {
		return fmt.Errorf("%w: put links %s: %v", ErrStorage, id, err)
	}
	return nil
}

func (b *datastoreBlocks) GetBlockLinks(ctx context.Context, id cid.Cid) ([]cid.Cid, error) {
	data, err := b.links.Get(ctx, blockKey(id))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get links %s: %v", ErrStorage, id, err)
	}
	var refs []Ref
	if err := DecodeCanonical(data, &refs); err != nil {
		return nil, err
	}
	out := make([]cid.Cid, len(refs))
	for i, r := range refs {
		out[i] = r.Cid
	}
	return out, nil
}

type datastoreKeys struct {
	values ds.Datastore
}

func (k *datastoreKeys) SetKey(ctx context.Context, name string, value any) error {
	data, err := EncodeCanonical(value)
	if err != nil {
		return err
	}
	if err := k.values.Put(ctx, ds.NewKey(name), data); err != nil {
		return fmt.Errorf("%w: set key %q: %v", ErrStorage, name, err)
	}
	return nil
}

func (k *datastoreKeys) GetKey(ctx context.Context, name string, out any) error {
	data, err := k.values.Get(ctx, ds.NewKey(name))
	if errors.Is(err, ds.ErrNotFound) {
		return fmt.Errorf("%w: key %q", ErrNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("%w: get key %q: %v", ErrStorage, name, err)
	}
	return DecodeCanonical(data, out)
}

func (k *datastoreKeys) UnsetKey(ctx context.Context, name string) error {
	if err := k.values.Delete(ctx, ds.NewKey(name)); err != nil {
		return fmt.Errorf("%w: unset key %q: %v", ErrStorage, name, err)
	}
	return nil
}

//---------------------------------------------------------------------
// Tap
//---------------------------------------------------------------------

// TappedBlock is one (id, bytes) pair observed by a BlockStoreTap.
type TappedBlock struct {
	Cid   cid.Cid
	Bytes []byte
}

// BlockStoreTap sits inline with reads, teeing every fetched block into a
// bounded channel. The channel capacity applies backpressure to whichever
// traversal is driving the reads.
type BlockStoreTap struct {
	inner  BlockStore
	frames chan TappedBlock
}

// NewBlockStoreTap wraps inner with a tap of the given capacity.
func NewBlockStoreTap(inner BlockStore, capacity int) *BlockStoreTap {
	return &BlockStoreTap{
		inner:  inner,
		frames: make(chan TappedBlock, capacity),
	}
}

// Blocks is the receive side of the tap.
func (t *BlockStoreTap) Blocks() <-chan TappedBlock {
	return t.frames
}

// Close signals that no further reads will happen through the tap.
func (t *BlockStoreTap) Close() {
	close(t.frames)
}

func (t *BlockStoreTap) PutBlock(ctx context.Context, id cid.Cid, data []byte) error {
	return t.inner.PutBlock(ctx, id, data)
}

func (t *BlockStoreTap) GetBlock(ctx context.Context, id cid.Cid) ([]byte, error) {
	data, err := t.inner.GetBlock(ctx, id)
	if err != nil {
		return nil, err
	}
	select {
	case t.frames <- TappedBlock{Cid: id, Bytes: data}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrNetwork, ctx.Err())
	}
	return data, nil
}

func (t *BlockStoreTap) HasBlock(ctx context.Context, id cid.Cid) (bool, error) {
	return t.inner.HasBlock(ctx, id)
}

func (t *BlockStoreTap) PutLinks(ctx context.Context, id cid.Cid, data []byte) error {
	return t.inner.PutLinks(ctx, id, data)
}

func (t *BlockStoreTap) GetBlockLinks(ctx context.Context, id cid.Cid) ([]cid.Cid, error) {
	return t.inner.GetBlockLinks(ctx, id)
}
