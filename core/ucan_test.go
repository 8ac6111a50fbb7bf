package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUcanBuildAndParse(t *testing.T) {
	issuer, err := GenerateEd25519Key()
	require.NoError(t, err)
	audience, err := GenerateEd25519Key()
	require.NoError(t, err)

	token, err := NewUcanBuilder().
		IssuedBy(issuer).
		ForAudience(audience.Did()).
		WithLifetime(time.Hour).
		ClaimingCapability(SphereCapability(issuer.Did(), SphereActionPush)).
		WithFact("note", "hello").
		Build()
	require.NoError(t, err)

	parsed, err := ParseUcan(token.Jwt())
	require.NoError(t, err)
	require.Equal(t, issuer.Did(), parsed.Issuer)
	require.Equal(t, audience.Did(), parsed.Audience)
	require.NotNil(t, parsed.Expires)
	require.Len(t, parsed.Capabilities, 1)
	note, ok := parsed.Fact("note")
	require.True(t, ok)
	require.Equal(t, "hello", note)
	require.True(t, parsed.Cid().Equals(token.Cid()))
}

func TestParseUcanRejectsTamperedToken(t *testing.T) {
	issuer, err := GenerateEd25519Key()
	require.NoError(t, err)
	token, err := NewUcanBuilder().
		IssuedBy(issuer).
		ForAudience(issuer.Did()).
		WithLifetime(time.Hour).
		Build()
	require.NoError(t, err)

	tampered := token.Jwt()[:len(token.Jwt())-4] + "AAAA"
	_, err = ParseUcan(tampered)
	require.Error(t, err)
}

func TestProofChainValidDelegation(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	tokens := NewTokenStore(storage.Blocks)

	root, err := GenerateEd25519Key()
	require.NoError(t, err)
	device, err := GenerateEd25519Key()
	require.NoError(t, err)
	gateway, err := GenerateEd25519Key()
	require.NoError(t, err)
	sphere := root.Did()

	delegation, err := NewUcanBuilder().
		IssuedBy(root).
		ForAudience(device.Did()).
		WithLifetime(time.Hour).
		ClaimingCapability(SphereCapability(sphere, SphereActionAuthorize)).
		Build()
	require.NoError(t, err)
	_, err = tokens.WriteToken(ctx, delegation.Jwt())
	require.NoError(t, err)

	invocation, err := NewUcanBuilder().
		IssuedBy(device).
		ForAudience(gateway.Did()).
		WithLifetime(time.Minute).
		ClaimingCapability(SphereCapability(sphere, SphereActionPush)).
		WitnessedBy(delegation).
		Build()
	require.NoError(t, err)

	chain, err := BuildProofChain(ctx, tokens, invocation, RevocationSet{})
	require.NoError(t, err)
	require.NoError(t, chain.VerifyCapability(SphereCapability(sphere, SphereActionPush), sphere))
	require.NoError(t, chain.VerifyCapability(SphereCapability(sphere, SphereActionFetch), sphere))

	// The chain does not originate publish authority.
	err = chain.VerifyCapability(SphereCapability(sphere, SphereActionPublish), sphere)
	require.ErrorIs(t, err, ErrAuthorization)
}

func TestProofChainRejectsAudienceMismatch(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	tokens := NewTokenStore(storage.Blocks)

	root, err := GenerateEd25519Key()
	require.NoError(t, err)
	device, err := GenerateEd25519Key()
	require.NoError(t, err)
	interloper, err := GenerateEd25519Key()
	require.NoError(t, err)
	sphere := root.Did()

	delegation, err := NewUcanBuilder().
		IssuedBy(root).
		ForAudience(device.Did()).
		WithLifetime(time.Hour).
		ClaimingCapability(SphereCapability(sphere, SphereActionPush)).
		Build()
	require.NoError(t, err)
	_, err = tokens.WriteToken(ctx, delegation.Jwt())
	require.NoError(t, err)

	// The interloper presents the device's delegation as its own proof.
	invocation, err := NewUcanBuilder().
		IssuedBy(interloper).
		ForAudience(root.Did()).
		WithLifetime(time.Minute).
		ClaimingCapability(SphereCapability(sphere, SphereActionPush)).
		WitnessedBy(delegation).
		Build()
	require.NoError(t, err)

	_, err = BuildProofChain(ctx, tokens, invocation, RevocationSet{})
	require.ErrorIs(t, err, ErrChainMismatch)
}

func TestProofChainRejectsWindowEscalation(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	tokens := NewTokenStore(storage.Blocks)

	root, err := GenerateEd25519Key()
	require.NoError(t, err)
	device, err := GenerateEd25519Key()
	require.NoError(t, err)
	sphere := root.Did()

	delegation, err := NewUcanBuilder().
		IssuedBy(root).
		ForAudience(device.Did()).
		WithLifetime(time.Minute).
		ClaimingCapability(SphereCapability(sphere, SphereActionPush)).
		Build()
	require.NoError(t, err)
	_, err = tokens.WriteToken(ctx, delegation.Jwt())
	require.NoError(t, err)

	// The child claims a longer window than its proof allows.
	invocation, err := NewUcanBuilder().
		IssuedBy(device).
		ForAudience(root.Did()).
		WithLifetime(time.Hour).
		ClaimingCapability(SphereCapability(sphere, SphereActionPush)).
		WitnessedBy(delegation).
		Build()
	require.NoError(t, err)

	_, err = BuildProofChain(ctx, tokens, invocation, RevocationSet{})
	require.ErrorIs(t, err, ErrChainMismatch)
}

func TestProofChainRejectsEscalatedCapability(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	tokens := NewTokenStore(storage.Blocks)

	root, err := GenerateEd25519Key()
	require.NoError(t, err)
	device, err := GenerateEd25519Key()
	require.NoError(t, err)
	sphere := root.Did()

	delegation, err := NewUcanBuilder().
		IssuedBy(root).
		ForAudience(device.Did()).
		WithLifetime(time.Hour).
		ClaimingCapability(SphereCapability(sphere, SphereActionFetch)).
		Build()
	require.NoError(t, err)
	_, err = tokens.WriteToken(ctx, delegation.Jwt())
	require.NoError(t, err)

	invocation, err := NewUcanBuilder().
		IssuedBy(device).
		ForAudience(root.Did()).
		WithLifetime(time.Minute).
		ClaimingCapability(SphereCapability(sphere, SphereActionPush)).
		WitnessedBy(delegation).
		Build()
	require.NoError(t, err)

	_, err = BuildProofChain(ctx, tokens, invocation, RevocationSet{})
	require.ErrorIs(t, err, ErrAuthorization)
}

func TestProofChainRevocation(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	tokens := NewTokenStore(storage.Blocks)

	root, err := GenerateEd25519Key()
	require.NoError(t, err)
	device, err := GenerateEd25519Key()
	require.NoError(t, err)
	sphere := root.Did()

	delegation, err := NewUcanBuilder().
		IssuedBy(root).
		ForAudience(device.Did()).
		WithLifetime(time.Hour).
		ClaimingCapability(SphereCapability(sphere, SphereActionPush)).
		Build()
	require.NoError(t, err)
	_, err = tokens.WriteToken(ctx, delegation.Jwt())
	require.NoError(t, err)

	revocation, err := NewRevocation(root, delegation.Cid())
	require.NoError(t, err)
	require.NoError(t, revocation.Verify())
	revocations := RevocationSet{}
	revocations.Add(revocation)

	invocation, err := NewUcanBuilder().
		IssuedBy(device).
		ForAudience(root.Did()).
		WithLifetime(time.Minute).
		ClaimingCapability(SphereCapability(sphere, SphereActionPush)).
		WitnessedBy(delegation).
		Build()
	require.NoError(t, err)

	_, err = BuildProofChain(ctx, tokens, invocation, revocations)
	require.ErrorIs(t, err, ErrRevoked)

	// A revocation signed by a key outside the chain has no effect.
	stranger, err := GenerateEd25519Key()
	require.NoError(t, err)
	bogus, err := NewRevocation(stranger, delegation.Cid())
	require.NoError(t, err)
	_, err = BuildProofChain(ctx, tokens, invocation, RevocationSet{bogus.Revokes: bogus})
	require.NoError(t, err)
}

func TestLinkRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	root, err := GenerateEd25519Key()
	require.NoError(t, err)

	version, err := SaveRawBlock(ctx, storage.Blocks, []byte("sphere tip"))
	require.NoError(t, err)
	record, err := IssueLinkRecord(root, version, time.Hour)
	require.NoError(t, err)

	parsed, err := ParseLinkRecord(record.Jwt())
	require.NoError(t, err)
	require.Equal(t, root.Did(), parsed.Identity())
	link, err := parsed.DereferenceLink()
	require.NoError(t, err)
	require.True(t, link.Equals(version))
}
