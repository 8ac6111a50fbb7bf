package core

// Identity primitives: DIDs, did:key encoding of public keys, and signature
// verification against a DID. Every principal in the system — sphere roots,
// device keys, gateways — is named by a did:key DID.

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"strings"

	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-varint"
)

// Did is a decentralized identifier string naming a key or principal.
type Did string

const didKeyPrefix = "did:key:"

// Multicodec prefixes for public keys carried inside did:key identifiers.
const (
	keyCodecEd25519 = 0xed
	keyCodecP256    = 0x1200
	keyCodecRSA     = 0x1205
)

// KeyMaterial is the narrow signing surface the core needs from a key. The
// private half never leaves the implementation.
type KeyMaterial interface {
	// Did returns the did:key identifier of the public half.
	Did() Did
	// Sign produces a detached signature over payload.
	Sign(payload []byte) ([]byte, error)
	// SigningKey exposes the private key for JWT signing. Callers must not
	// retain the returned value.
	SigningKey() any
}

// NameResolver resolves petnames through an out-of-process name system (for
// example a DHT node). The core only consumes it; see the gateway-driven
// resolution path in SphereContext.ResolvePetname.
type NameResolver interface {
	Resolve(petname string) (Did, error)
}

// DidFromEd25519 derives the did:key identifier for an ed25519 public key.
func DidFromEd25519(pub ed25519.PublicKey) Did {
	prefixed := append(varint.ToUvarint(keyCodecEd25519), pub...)
	encoded, err := multibase.Encode(multibase.Base58BTC, prefixed)
	if err != nil {
		// Base58BTC is a registered encoding; this cannot fail.
		panic(err)
	}
	return Did(didKeyPrefix + encoded)
}

// PublicKeyFromDid decodes a did:key identifier into a public key plus the
// JWT algorithm name associated with its key type.
func PublicKeyFromDid(did Did) (any, string, error) {
	s := string(did)
	if !strings.HasPrefix(s, didKeyPrefix) {
		return nil, "", fmt.Errorf("%w: unsupported DID method in %q", ErrDecode, s)
	}
	_, data, err := multibase.Decode(strings.TrimPrefix(s, didKeyPrefix))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %q: %v", ErrDecode, s, err)
	}
	codec, read, err := varint.FromUvarint(data)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %q: %v", ErrDecode, s, err)
	}
	raw := data[read:]
	switch codec {
	case keyCodecEd25519:
		if len(raw) != ed25519.PublicKeySize {
			return nil, "", fmt.Errorf("%w: %q: bad ed25519 key length %d", ErrDecode, s, len(raw))
		}
		return ed25519.PublicKey(raw), "EdDSA", nil
	case keyCodecP256:
		x, y := elliptic.UnmarshalCompressed(elliptic.P256(), raw)
		if x == nil {
			return nil, "", fmt.Errorf("%w: %q: bad P-256 point", ErrDecode, s)
		}
		return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, "ES256", nil
	case keyCodecRSA:
		key, err := x509.ParsePKCS1PublicKey(raw)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %q: %v", ErrDecode, s, err)
		}
		return key, "RS256", nil
	default:
		return nil, "", fmt.Errorf("%w: %q: unsupported key codec %#x", ErrDecode, s, codec)
	}
}

const rsaHash = crypto.SHA256

func hashPayload(payload []byte) []byte {
	digest := sha256.Sum256(payload)
	return digest[:]
}

// VerifyRawSignature checks a detached signature over payload under the key
// named by did. Raw (non-JWT) signatures are only ever produced by sphere and
// device keys, which are ed25519.
func VerifyRawSignature(did Did, payload, signature []byte) error {
	key, alg, err := PublicKeyFromDid(did)
	if err != nil {
		return err
	}
	switch alg {
	case "EdDSA":
		if !ed25519.Verify(key.(ed25519.PublicKey), payload, signature) {
			return fmt.Errorf("%w: signature does not verify under %s", ErrSignature, did)
		}
		return nil
	case "ES256":
		pub := key.(*ecdsa.PublicKey)
		if !ecdsa.VerifyASN1(pub, hashPayload(payload), signature) {
			return fmt.Errorf("%w: signature does not verify under %s", ErrSignature, did)
		}
		return nil
	case "RS256":
		pub := key.(*rsa.PublicKey)
		if err := rsa.VerifyPKCS1v15(pub, rsaHash, hashPayload(payload), signature); err != nil {
			return fmt.Errorf("%w: signature does not verify under %s", ErrSignature, did)
		}
		return nil
	default:
		return fmt.Errorf("%w: no raw signature scheme for %s", ErrSignature, alg)
	}
}
