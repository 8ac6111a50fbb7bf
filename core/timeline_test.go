package core

import (
	"context"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"
)

func TestTimelineSlices(t *testing.T) {
	ctx := context.Background()
	sphere, storage, _ := newTestSphere(t)

	var versions []cid.Cid
	first, err := sphere.Version(ctx)
	require.NoError(t, err)
	versions = append(versions, first)
	for _, slug := range []string{"one", "two", "three"} {
		writeSlug(t, sphere, slug, ContentTypeText, []byte(slug))
		version, err := sphere.Version(ctx)
		require.NoError(t, err)
		versions = append(versions, version)
	}

	timeline := NewTimeline(storage.Blocks)
	entries, err := timeline.SliceChronological(ctx, versions[3], versions[0])
	require.NoError(t, err)
	require.Len(t, entries, 4)
	for i, entry := range entries {
		require.True(t, entry.Cid.Equals(versions[i]))
	}

	// Walking to genesis terminates naturally.
	all, err := timeline.Slice(ctx, versions[3], cid.Undef)
	require.NoError(t, err)
	require.Equal(t, 5, len(all), "three writes, the delegation commit, genesis")
	require.True(t, all[len(all)-1].Memo.IsGenesis())
}

func TestTimelineRejectsNonAncestor(t *testing.T) {
	ctx := context.Background()
	sphere, storage, _ := newTestSphere(t)
	version, err := sphere.Version(ctx)
	require.NoError(t, err)

	unrelated, err := SaveBlock(ctx, storage.Blocks, NewMemo(version, ContentTypeText))
	require.NoError(t, err)

	timeline := NewTimeline(storage.Blocks)
	_, err = timeline.Slice(ctx, version, unrelated)
	require.ErrorIs(t, err, ErrMissingHistory)
}

func TestTimelineIsAncestor(t *testing.T) {
	ctx := context.Background()
	sphere, storage, _ := newTestSphere(t)
	older, err := sphere.Version(ctx)
	require.NoError(t, err)
	writeSlug(t, sphere, "newer", ContentTypeText, []byte("x"))
	newer, err := sphere.Version(ctx)
	require.NoError(t, err)

	timeline := NewTimeline(storage.Blocks)
	ok, err := timeline.IsAncestor(ctx, older, newer)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = timeline.IsAncestor(ctx, newer, older)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeriveMutationAtReconstructsOps(t *testing.T) {
	ctx := context.Background()
	sphere, storage, _ := newTestSphere(t)
	writeSlug(t, sphere, "greeting", ContentTypeText, []byte("hello"))
	version, err := sphere.Version(ctx)
	require.NoError(t, err)

	timeline := NewTimeline(storage.Blocks)
	mutation, err := timeline.DeriveMutationAt(ctx, version)
	require.NoError(t, err)
	require.Len(t, mutation.Content, 1)
	require.Equal(t, MapOpAdd, mutation.Content[0].Op)
	require.Equal(t, "greeting", mutation.Content[0].Key)
	require.Equal(t, sphere.Author().Did(), mutation.Author)
	require.Empty(t, mutation.Identities)
}
