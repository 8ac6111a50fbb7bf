package core

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHamtSetGetDelete(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	trie := NewHamt[string](storage.Blocks)

	const total = 500
	for i := 0; i < total; i++ {
		require.NoError(t, trie.Set(ctx, fmt.Sprintf("key-%d", i), fmt.Sprintf("value-%d", i)))
	}
	for i := 0; i < total; i++ {
		value, ok, err := trie.Get(ctx, fmt.Sprintf("key-%d", i))
		require.NoError(t, err)
		require.True(t, ok, "key-%d should be present", i)
		require.Equal(t, fmt.Sprintf("value-%d", i), value)
	}

	_, ok, err := trie.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	removed, err := trie.Delete(ctx, "key-123")
	require.NoError(t, err)
	require.True(t, removed)
	_, ok, err = trie.Get(ctx, "key-123")
	require.NoError(t, err)
	require.False(t, ok)

	removed, err = trie.Delete(ctx, "never-there")
	require.NoError(t, err)
	require.False(t, removed)
}

func TestHamtFlushAndReload(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	trie := NewHamt[int](storage.Blocks)
	for i := 0; i < 100; i++ {
		require.NoError(t, trie.Set(ctx, fmt.Sprintf("entry/%d", i), i))
	}
	root, err := trie.Flush(ctx)
	require.NoError(t, err)

	reloaded, err := LoadHamt[int](ctx, storage.Blocks, root)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		value, ok, err := reloaded.Get(ctx, fmt.Sprintf("entry/%d", i))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, i, value)
	}

	count := 0
	require.NoError(t, reloaded.ForEach(ctx, func(string, int) error {
		count++
		return nil
	}))
	require.Equal(t, 100, count)
}

// The trie's shape must depend only on the key set, not insertion order,
// or replaying a changelog could not reproduce an index.
func TestHamtShapeIsCanonical(t *testing.T) {
	ctx := context.Background()
	keys := make([]string, 200)
	for i := range keys {
		keys[i] = fmt.Sprintf("slug-%d", i)
	}

	build := func(order []string) string {
		storage := NewMemoryStorage()
		trie := NewHamt[string](storage.Blocks)
		for _, key := range order {
			require.NoError(t, trie.Set(ctx, key, "content:"+key))
		}
		root, err := trie.Flush(ctx)
		require.NoError(t, err)
		return root.String()
	}

	forward := build(keys)
	shuffled := append([]string{}, keys...)
	rand.New(rand.NewSource(7)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	require.Equal(t, forward, build(shuffled))
}

// Adding then removing keys must land back on the canonical shape of the
// remaining set, exercising node collapse.
func TestHamtRemovalCollapses(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()

	small := NewHamt[string](storage.Blocks)
	require.NoError(t, small.Set(ctx, "keep-1", "a"))
	require.NoError(t, small.Set(ctx, "keep-2", "b"))
	smallRoot, err := small.Flush(ctx)
	require.NoError(t, err)

	big := NewHamt[string](storage.Blocks)
	require.NoError(t, big.Set(ctx, "keep-1", "a"))
	require.NoError(t, big.Set(ctx, "keep-2", "b"))
	for i := 0; i < 64; i++ {
		require.NoError(t, big.Set(ctx, fmt.Sprintf("drop-%d", i), "x"))
	}
	for i := 0; i < 64; i++ {
		removed, err := big.Delete(ctx, fmt.Sprintf("drop-%d", i))
		require.NoError(t, err)
		require.True(t, removed)
	}
	bigRoot, err := big.Flush(ctx)
	require.NoError(t, err)

	require.Equal(t, smallRoot.String(), bigRoot.String())
}
