package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"
)

func TestCreateSaveRead(t *testing.T) {
	ctx := context.Background()
	sphere, _, _ := newTestSphere(t)

	writeSlug(t, sphere, "greeting", ContentTypeText, []byte("hello"))

	memo, body, err := sphere.ReadSlug(ctx, "greeting")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), body)
	contentType, _ := memo.ContentType()
	require.Equal(t, ContentTypeText, contentType)

	_, _, err = sphere.ReadSlug(ctx, "absent")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestContentRevisionsAreParentLinked(t *testing.T) {
	ctx := context.Background()
	sphere, _, _ := newTestSphere(t)

	writeSlug(t, sphere, "note", ContentTypeText, []byte("first"))
	firstMemo, _, err := sphere.ReadSlug(ctx, "note")
	require.NoError(t, err)
	require.Nil(t, firstMemo.Parent)

	writeSlug(t, sphere, "note", ContentTypeText, []byte("second"))
	secondMemo, body, err := sphere.ReadSlug(ctx, "note")
	require.NoError(t, err)
	require.Equal(t, []byte("second"), body)
	require.NotNil(t, secondMemo.Parent)
}

func TestEveryRevisionVerifies(t *testing.T) {
	ctx := context.Background()
	sphere, storage, _ := newTestSphere(t)
	writeSlug(t, sphere, "a", ContentTypeText, []byte("1"))
	writeSlug(t, sphere, "b", ContentTypeText, []byte("2"))

	version, err := sphere.Version(ctx)
	require.NoError(t, err)
	tokens := NewTokenStore(storage.Blocks)
	timeline := NewTimeline(storage.Blocks)
	err = timeline.Stream(ctx, version, cid.Undef, func(id cid.Cid, memo *Memo) error {
		return memo.Verify(ctx, tokens, sphere.Identity(), RevocationSet{})
	})
	require.NoError(t, err)
}

func TestSphereIdentityImmutableAcrossCommits(t *testing.T) {
	ctx := context.Background()
	sphere, storage, _ := newTestSphere(t)
	identity := sphere.Identity()
	writeSlug(t, sphere, "x", ContentTypeText, []byte("y"))

	version, err := sphere.Version(ctx)
	require.NoError(t, err)
	view, err := LoadSphereAt(ctx, storage.Blocks, version)
	require.NoError(t, err)
	require.Equal(t, identity, view.Identity())

	parentVersion, ok := view.Parent()
	require.True(t, ok)
	parent, err := LoadSphereAt(ctx, storage.Blocks, parentVersion)
	require.NoError(t, err)
	require.Equal(t, identity, parent.Identity())
}

func TestAuthorizeSecondDevice(t *testing.T) {
	ctx := context.Background()
	sphere, storage, mnemonic := newTestSphere(t)

	deviceKey, err := GenerateEd25519Key()
	require.NoError(t, err)
	delegation := delegatePush(t, mnemonic, sphere.Identity(), deviceKey.Did(), 24*time.Hour)

	second, err := OpenSphereWithAuthorization(ctx, storage, deviceKey, delegation)
	require.NoError(t, err)
	require.Equal(t, AccessReadWrite, second.Access())

	writeSlug(t, second, "note", ContentTypeText, []byte("ok"))

	// Any reader of the sphere sees the second device's write.
	_, body, err := sphere.ReadSlug(ctx, "note")
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), body)
}

func TestRevokeSecondDevice(t *testing.T) {
	ctx := context.Background()
	sphere, storage, mnemonic := newTestSphere(t)

	deviceKey, err := GenerateEd25519Key()
	require.NoError(t, err)
	delegation := delegatePush(t, mnemonic, sphere.Identity(), deviceKey.Did(), 24*time.Hour)

	second, err := OpenSphereWithAuthorization(ctx, storage, deviceKey, delegation)
	require.NoError(t, err)
	writeSlug(t, second, "before", ContentTypeText, []byte("committed"))

	// The root revokes the device's delegation and commits the revocation.
	rootSphere, err := RestoreSphere(ctx, storage, mnemonic)
	require.NoError(t, err)
	rootKey, err := KeyFromMnemonic(mnemonic)
	require.NoError(t, err)
	revocation, err := NewRevocation(rootKey, delegation.Cid())
	require.NoError(t, err)
	mutation := rootSphere.Mutate()
	mutation.AddRevocation(revocation)
	_, err = rootSphere.Save(ctx, mutation)
	require.NoError(t, err)

	// A subsequent write by the revoked device fails with Revoked.
	memoID, err := second.NewContentMemo(ctx, "after", ContentTypeText, []byte("rejected"))
	require.NoError(t, err)
	blocked := second.Mutate()
	blocked.WriteContent("after", memoID)
	_, err = second.Save(ctx, blocked)
	require.ErrorIs(t, err, ErrRevoked)

	// History committed before the revocation remains valid.
	version, err := sphere.Version(ctx)
	require.NoError(t, err)
	tokens := NewTokenStore(storage.Blocks)
	timeline := NewTimeline(storage.Blocks)
	err = timeline.Stream(ctx, version, cid.Undef, func(_ cid.Cid, memo *Memo) error {
		return memo.Verify(ctx, tokens, sphere.Identity(), RevocationSet{})
	})
	require.NoError(t, err)
	_, body, err := sphere.ReadSlug(ctx, "before")
	require.NoError(t, err)
	require.Equal(t, []byte("committed"), body)
}

func TestPetnameResolution(t *testing.T) {
	ctx := context.Background()
	sphere, storage, _ := newTestSphere(t)

	peerKey, err := GenerateEd25519Key()
	require.NoError(t, err)
	peerDid := peerKey.Did()

	mutation := sphere.Mutate()
	mutation.SetPetname("alice", IdentityIpld{Did: peerDid})
	_, err = sphere.Save(ctx, mutation)
	require.NoError(t, err)

	entry, ok, err := sphere.ResolvePetname(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, peerDid, entry.Did)
	require.Nil(t, entry.LastKnownRecord)

	// A link record for the peer is observed later.
	peerVersion, err := SaveRawBlock(ctx, storage.Blocks, []byte("peer tip"))
	require.NoError(t, err)
	record, err := IssueLinkRecord(peerKey, peerVersion, time.Hour)
	require.NoError(t, err)
	recordID, err := NewTokenStore(storage.Blocks).WriteToken(ctx, record.Jwt())
	require.NoError(t, err)

	updated := sphere.Mutate()
	ref := NewRef(recordID)
	updated.SetPetname("alice", IdentityIpld{Did: peerDid, LastKnownRecord: &ref})
	_, err = sphere.Save(ctx, updated)
	require.NoError(t, err)

	entry, ok, err = sphere.ResolvePetname(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, peerDid, entry.Did)
	require.NotNil(t, entry.LastKnownRecord)
	require.True(t, entry.LastKnownRecord.Equals(ref))
}

func TestReadOnlyAuthorCannotSave(t *testing.T) {
	ctx := context.Background()
	sphere, storage, _ := newTestSphere(t)
	_ = sphere

	strangerKey, err := GenerateEd25519Key()
	require.NoError(t, err)
	stranger, err := OpenSphere(ctx, storage, strangerKey)
	require.NoError(t, err)
	require.Equal(t, AccessReadOnly, stranger.Access())

	mutation := stranger.Mutate()
	mutation.RemoveContent("anything")
	_, err = stranger.Save(ctx, mutation)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrAuthorization) || errors.Is(err, ErrRevoked))
}
