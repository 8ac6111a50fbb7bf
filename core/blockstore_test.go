package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockStoreRejectsMismatchedId(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()

	id, err := CidForBytes(CodecRaw, []byte("authentic"))
	require.NoError(t, err)
	err = storage.Blocks.PutBlock(ctx, id, []byte("forged"))
	require.ErrorIs(t, err, ErrInternal)

	require.NoError(t, storage.Blocks.PutBlock(ctx, id, []byte("authentic")))
	// Idempotent re-put.
	require.NoError(t, storage.Blocks.PutBlock(ctx, id, []byte("authentic")))
}

func TestBlockStoreNotFound(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	id, err := CidForBytes(CodecRaw, []byte("never stored"))
	require.NoError(t, err)

	_, err = storage.Blocks.GetBlock(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)

	has, err := storage.Blocks.HasBlock(ctx, id)
	require.NoError(t, err)
	require.False(t, has)
}

func TestBlockStoreLinkIndex(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()

	inner, err := SaveRawBlock(ctx, storage.Blocks, []byte("pointee"))
	require.NoError(t, err)
	outer, err := SaveBlock(ctx, storage.Blocks, struct {
		Child Ref `cbor:"child"`
	}{Child: NewRef(inner)})
	require.NoError(t, err)

	links, err := storage.Blocks.GetBlockLinks(ctx, outer)
	require.NoError(t, err)
	require.Len(t, links, 1)
	require.True(t, links[0].Equals(inner))
}

func TestKeyValueStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()

	require.NoError(t, storage.Keys.SetKey(ctx, KeyIdentity, Did("did:key:zExample")))
	var identity Did
	require.NoError(t, storage.Keys.GetKey(ctx, KeyIdentity, &identity))
	require.Equal(t, Did("did:key:zExample"), identity)

	// Last writer wins.
	require.NoError(t, storage.Keys.SetKey(ctx, KeyIdentity, Did("did:key:zOther")))
	require.NoError(t, storage.Keys.GetKey(ctx, KeyIdentity, &identity))
	require.Equal(t, Did("did:key:zOther"), identity)

	require.NoError(t, storage.Keys.UnsetKey(ctx, KeyIdentity))
	err := storage.Keys.GetKey(ctx, KeyIdentity, &identity)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoragePersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	storage, err := NewFileStorage(dir)
	require.NoError(t, err)
	id, err := SaveRawBlock(ctx, storage.Blocks, []byte("durable"))
	require.NoError(t, err)
	require.NoError(t, storage.Keys.SetKey(ctx, "pointer", id.String()))
	require.NoError(t, storage.Close())

	reopened, err := NewFileStorage(dir)
	require.NoError(t, err)
	defer reopened.Close()
	data, err := reopened.Blocks.GetBlock(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []byte("durable"), data)
	var pointer string
	require.NoError(t, reopened.Keys.GetKey(ctx, "pointer", &pointer))
	require.Equal(t, id.String(), pointer)
}

func TestBlockStoreTapSeesReads(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	id, err := SaveRawBlock(ctx, storage.Blocks, []byte("observed"))
	require.NoError(t, err)

	tap := NewBlockStoreTap(storage.Blocks, 4)
	_, err = tap.GetBlock(ctx, id)
	require.NoError(t, err)
	tap.Close()

	var frames []TappedBlock
	for frame := range tap.Blocks() {
		frames = append(frames, frame)
	}
	require.Len(t, frames, 1)
	require.True(t, frames[0].Cid.Equals(id))
	require.Equal(t, []byte("observed"), frames[0].Bytes)
}
