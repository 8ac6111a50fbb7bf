package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMnemonicRoundTrip(t *testing.T) {
	key, err := GenerateEd25519Key()
	require.NoError(t, err)

	mnemonic, err := MnemonicFromKey(key)
	require.NoError(t, err)
	require.Len(t, strings.Fields(mnemonic), 24)

	recovered, err := KeyFromMnemonic(mnemonic)
	require.NoError(t, err)
	require.Equal(t, key.Did(), recovered.Did())

	payload := []byte("same key, same signatures")
	signature, err := recovered.Sign(payload)
	require.NoError(t, err)
	require.NoError(t, VerifyRawSignature(key.Did(), payload, signature))
}

func TestKeyFromMnemonicRejectsGarbage(t *testing.T) {
	_, err := KeyFromMnemonic("not a valid recovery phrase at all")
	require.Error(t, err)
}

func TestDidKeyRoundTrip(t *testing.T) {
	key, err := GenerateEd25519Key()
	require.NoError(t, err)
	did := key.Did()
	require.Contains(t, string(did), "did:key:z")

	public, alg, err := PublicKeyFromDid(did)
	require.NoError(t, err)
	require.Equal(t, "EdDSA", alg)
	require.NotNil(t, public)

	_, _, err = PublicKeyFromDid("did:web:example.com")
	require.ErrorIs(t, err, ErrDecode)
}
