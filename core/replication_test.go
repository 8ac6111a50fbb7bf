package core

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"
)

// buildChain persists a linked chain of n structured blocks and returns the
// head plus every id, head first.
func buildChain(t *testing.T, store BlockStore, n int) (cid.Cid, []cid.Cid) {
	t.Helper()
	ctx := context.Background()
	type node struct {
		Label string `cbor:"label"`
		Next  *Ref   `cbor:"next,omitempty"`
	}
	var next *Ref
	var ids []cid.Cid
	for i := 0; i < n; i++ {
		id, err := SaveBlock(ctx, store, node{Label: fmt.Sprintf("node-%d", i), Next: next})
		require.NoError(t, err)
		ref := NewRef(id)
		next = &ref
		ids = append([]cid.Cid{id}, ids...)
	}
	return ids[0], ids
}

func TestReachableSet(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	head, ids := buildChain(t, storage.Blocks, 5)

	set, err := ReachableSet(ctx, storage.Blocks, head)
	require.NoError(t, err)
	require.Len(t, set, 5)
	for _, id := range ids {
		_, ok := set[id]
		require.True(t, ok)
	}
}

func TestBlockStreamDifference(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	head, ids := buildChain(t, storage.Blocks, 6)
	since := ids[3]

	var buffer bytes.Buffer
	require.NoError(t, WriteBlockStream(ctx, storage.Blocks, &buffer, head, since))

	receiver := NewMemoryStorage()
	roots, count, err := ReadBlockStream(ctx, receiver.Blocks, &buffer)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	require.True(t, roots[0].Equals(head))
	require.Equal(t, 3, count, "only the delta beyond since should travel")

	for _, id := range ids[:3] {
		has, err := receiver.Blocks.HasBlock(ctx, id)
		require.NoError(t, err)
		require.True(t, has)
	}
	for _, id := range ids[3:] {
		has, err := receiver.Blocks.HasBlock(ctx, id)
		require.NoError(t, err)
		require.False(t, has)
	}
}

func TestBlockStreamIncludesMemoProofBlocks(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	tokens := NewTokenStore(storage.Blocks)

	root, err := GenerateEd25519Key()
	require.NoError(t, err)
	device, err := GenerateEd25519Key()
	require.NoError(t, err)
	delegation, err := NewUcanBuilder().
		IssuedBy(root).
		ForAudience(device.Did()).
		ClaimingCapability(SphereCapability(root.Did(), SphereActionPush)).
		Build()
	require.NoError(t, err)
	delegationID, err := tokens.WriteToken(ctx, delegation.Jwt())
	require.NoError(t, err)

	body, err := WriteBodyBytes(ctx, storage.Blocks, []byte("content"))
	require.NoError(t, err)
	memo := NewMemo(body, ContentTypeText)
	require.NoError(t, memo.Sign(device, &delegationID))
	memoID, err := SaveBlock(ctx, storage.Blocks, memo)
	require.NoError(t, err)

	var buffer bytes.Buffer
	require.NoError(t, WriteBlockStream(ctx, storage.Blocks, &buffer, memoID, cid.Undef))

	receiver := NewMemoryStorage()
	_, _, err = ReadBlockStream(ctx, receiver.Blocks, &buffer)
	require.NoError(t, err)
	has, err := receiver.Blocks.HasBlock(ctx, delegationID)
	require.NoError(t, err)
	require.True(t, has, "proof token referenced by the memo must replicate")
}

type mapBlockSource struct {
	blocks map[cid.Cid][]byte
}

func (s *mapBlockSource) RequestBlock(_ context.Context, id cid.Cid) ([]byte, error) {
	data, ok := s.blocks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return data, nil
}

func TestResolvingBlockStoreFallsBackOnce(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()

	payload := []byte("remote only")
	id, err := CidForBytes(CodecRaw, payload)
	require.NoError(t, err)

	source := &mapBlockSource{blocks: map[cid.Cid][]byte{id: payload}}
	resolving := WithBlockSource(storage.Blocks, source, nil)

	data, err := resolving.GetBlock(ctx, id)
	require.NoError(t, err)
	require.Equal(t, payload, data)

	// The block is now local.
	data, err = storage.Blocks.GetBlock(ctx, id)
	require.NoError(t, err)
	require.Equal(t, payload, data)

	missing, err := CidForBytes(CodecRaw, []byte("nowhere"))
	require.NoError(t, err)
	_, err = resolving.GetBlock(ctx, missing)
	require.ErrorIs(t, err, ErrMissingHistory)
}
