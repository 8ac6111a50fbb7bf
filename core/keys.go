package core

// Key material for sphere roots and device authors.
//
// Features
// --------
//   * Ed25519 key-pairs only (fast, deterministic signatures).
//   * BIP-39 mnemonic utilities: the sphere recovery phrase encodes the root
//     key's 32-byte seed and is surfaced exactly once at sphere creation.
//   * did:key derivation matching the core identity type.
//
// Import hygiene: keys depend only on crypto + bip39 + logrus + the identity
// helpers.
// They do NOT import storage, sync or gateway code to stay at the lowest tier.

import (
	"crypto/ed25519"
	crand "crypto/rand"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	bip39 "github.com/tyler-smith/go-bip39"
)

// SetKeysLogger replaces the package logger used for key lifecycle events.
func SetKeysLogger(l *log.Logger) { keysLogger = l }

var keysLogger = log.New()

// Ed25519KeyMaterial holds an ed25519 keypair in memory only. *NEVER* persist
// the private field directly — callers own durable storage of the seed.
type Ed25519KeyMaterial struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// GenerateEd25519Key creates a fresh keypair from the system entropy source.
func GenerateEd25519Key() (*Ed25519KeyMaterial, error) {
	pub, priv, err := ed25519.GenerateKey(crand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	keysLogger.Debug("generated ed25519 keypair")
	return &Ed25519KeyMaterial{public: pub, private: priv}, nil
}

// Ed25519KeyFromSeed rebuilds a keypair from a 32-byte seed.
func Ed25519KeyFromSeed(seed []byte) (*Ed25519KeyMaterial, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519KeyMaterial{
		public:  priv.Public().(ed25519.PublicKey),
		private: priv,
	}, nil
}

// Did returns the did:key identifier of the public half.
func (k *Ed25519KeyMaterial) Did() Did {
	return DidFromEd25519(k.public)
}

// Sign produces a detached ed25519 signature over payload.
func (k *Ed25519KeyMaterial) Sign(payload []byte) ([]byte, error) {
	if k.private == nil {
		return nil, errors.New("key material holds no private key")
	}
	return ed25519.Sign(k.private, payload), nil
}

// SigningKey exposes the ed25519 private key for JWT signing.
func (k *Ed25519KeyMaterial) SigningKey() any {
	return k.private
}

// Seed returns a copy of the private key's seed. Callers should wipe the
// returned slice after use.
func (k *Ed25519KeyMaterial) Seed() []byte {
	seed := make([]byte, ed25519.SeedSize)
	copy(seed, k.private.Seed())
	return seed
}

//---------------------------------------------------------------------
// Mnemonic round-trip
//---------------------------------------------------------------------

// MnemonicFromKey encodes the key's seed as a 24-word BIP-39 phrase.
func MnemonicFromKey(k *Ed25519KeyMaterial) (string, error) {
	mnemonic, err := bip39.NewMnemonic(k.private.Seed())
	if err != nil {
		return "", fmt.Errorf("encode mnemonic: %w", err)
	}
	return mnemonic, nil
}

// KeyFromMnemonic recovers a keypair from a recovery phrase produced by
// MnemonicFromKey.
func KeyFromMnemonic(mnemonic string) (*Ed25519KeyMaterial, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic phrase")
	}
	entropy, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("decode mnemonic: %w", err)
	}
	return Ed25519KeyFromSeed(entropy)
}
