package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestSphere creates a sphere in fresh memory storage owned by a new
// device key, returning the context, the storage and the recovery mnemonic.
func newTestSphere(t *testing.T) (*SphereContext, *Storage, string) {
	t.Helper()
	storage := NewMemoryStorage()
	owner, err := GenerateEd25519Key()
	require.NoError(t, err)
	sphere, mnemonic, err := CreateSphere(context.Background(), storage, owner)
	require.NoError(t, err)
	return sphere, storage, mnemonic
}

// delegatePush issues a push delegation from the sphere root (recovered
// from its mnemonic) to the given audience.
func delegatePush(t *testing.T, mnemonic string, sphere Did, audience Did, lifetime time.Duration) *Ucan {
	t.Helper()
	rootKey, err := KeyFromMnemonic(mnemonic)
	require.NoError(t, err)
	token, err := NewUcanBuilder().
		IssuedBy(rootKey).
		ForAudience(audience).
		WithLifetime(lifetime).
		ClaimingCapability(SphereCapability(sphere, SphereActionPush)).
		Build()
	require.NoError(t, err)
	return token
}

// writeSlug stages one slug write and saves it.
func writeSlug(t *testing.T, sphere *SphereContext, slug, contentType string, body []byte) {
	t.Helper()
	ctx := context.Background()
	memoID, err := sphere.NewContentMemo(ctx, slug, contentType, body)
	require.NoError(t, err)
	mutation := sphere.Mutate()
	mutation.WriteContent(slug, memoID)
	_, err = sphere.Save(ctx, mutation)
	require.NoError(t, err)
}
