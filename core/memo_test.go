package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoHeadersCaseInsensitive(t *testing.T) {
	storage := NewMemoryStorage()
	body, err := SaveRawBlock(context.Background(), storage.Blocks, []byte("hello"))
	require.NoError(t, err)

	memo := NewMemo(body, ContentTypeText)
	value, ok := memo.GetHeader("content-type")
	require.True(t, ok)
	require.Equal(t, ContentTypeText, value)

	memo.SetHeader("CONTENT-TYPE", ContentTypeBytes)
	value, _ = memo.GetHeader("Content-Type")
	require.Equal(t, ContentTypeBytes, value)

	memo.SetHeader("File-Extension", "txt")
	memo.RemoveHeader("file-extension")
	_, ok = memo.GetHeader("File-Extension")
	require.False(t, ok)
}

func TestMemoSignAndVerifyAsRoot(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	tokens := NewTokenStore(storage.Blocks)
	rootKey, err := GenerateEd25519Key()
	require.NoError(t, err)

	body, err := SaveRawBlock(ctx, storage.Blocks, []byte("payload"))
	require.NoError(t, err)
	memo := NewMemo(body, ContentTypeBytes)
	require.NoError(t, memo.Sign(rootKey, nil))

	require.NoError(t, memo.Verify(ctx, tokens, rootKey.Did(), RevocationSet{}))

	// A different root must not verify.
	otherKey, err := GenerateEd25519Key()
	require.NoError(t, err)
	err = memo.Verify(ctx, tokens, otherKey.Did(), RevocationSet{})
	require.ErrorIs(t, err, ErrSignature)
}

func TestMemoSignAndVerifyDelegated(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	tokens := NewTokenStore(storage.Blocks)

	rootKey, err := GenerateEd25519Key()
	require.NoError(t, err)
	deviceKey, err := GenerateEd25519Key()
	require.NoError(t, err)

	delegation, err := NewUcanBuilder().
		IssuedBy(rootKey).
		ForAudience(deviceKey.Did()).
		WithLifetime(time.Hour).
		ClaimingCapability(SphereCapability(rootKey.Did(), SphereActionPush)).
		Build()
	require.NoError(t, err)
	delegationID, err := tokens.WriteToken(ctx, delegation.Jwt())
	require.NoError(t, err)

	body, err := SaveRawBlock(ctx, storage.Blocks, []byte("delegated payload"))
	require.NoError(t, err)
	memo := NewMemo(body, ContentTypeBytes)
	require.NoError(t, memo.Sign(deviceKey, &delegationID))

	require.NoError(t, memo.Verify(ctx, tokens, rootKey.Did(), RevocationSet{}))

	proofID, ok, err := memo.ProofCid()
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, proofID.Equals(delegationID))
}

func TestMemoRoundTrip(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	body, err := SaveRawBlock(ctx, storage.Blocks, []byte("round trip"))
	require.NoError(t, err)

	memo := NewMemo(body, ContentTypeText)
	parent, err := SaveRawBlock(ctx, storage.Blocks, []byte("parent placeholder"))
	require.NoError(t, err)
	memo.Parent = LinkTo[Memo](parent)

	id, err := SaveBlock(ctx, storage.Blocks, memo)
	require.NoError(t, err)
	loaded, err := LoadBlock[Memo](ctx, storage.Blocks, id)
	require.NoError(t, err)

	require.NotNil(t, loaded.Parent)
	require.True(t, loaded.Parent.Equals(memo.Parent.Ref))
	require.True(t, loaded.Body.Equals(memo.Body))
	contentType, _ := loaded.ContentType()
	require.Equal(t, ContentTypeText, contentType)
	version, _ := loaded.GetHeader(HeaderVersion)
	require.Equal(t, MemoVersion, version)
}
