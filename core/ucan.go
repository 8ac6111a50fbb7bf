package core

// UCAN tokens: short-lived signed capability documents serialized as compact
// JWTs. Tokens are stored as raw blocks containing the JWT string; a token's
// identifier is the raw-codec address of those bytes.

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/ipfs/go-cid"
)

// UcanVersion is the UCAN spec version stamped into token headers.
const UcanVersion = "0.10.0"

// Authority failure modes layered over the base taxonomy.
var (
	ErrMalformedToken        = fmt.Errorf("%w: malformed token", ErrDecode)
	ErrTimeWindowExpired     = fmt.Errorf("%w: token time window expired", ErrSignature)
	ErrTimeWindowNotYetValid = fmt.Errorf("%w: token not yet valid", ErrSignature)
	ErrChainMismatch         = fmt.Errorf("%w: proof chain mismatch", ErrSignature)
)

// Ucan is a decoded, signature-verified capability token.
type Ucan struct {
	Issuer       Did
	Audience     Did
	NotBefore    *int64
	Expires      *int64
	Capabilities []Capability
	Facts        []map[string]any
	Proofs       []cid.Cid

	jwt string
	id  cid.Cid
}

// Jwt returns the compact serialization the token was built from.
func (u *Ucan) Jwt() string { return u.jwt }

// Cid returns the token's identifier: the raw-codec address of its JWT bytes.
func (u *Ucan) Cid() cid.Cid { return u.id }

// IsExpired reports whether the token's window has closed at the given time.
func (u *Ucan) IsExpired(at time.Time) bool {
	return u.Expires != nil && *u.Expires < at.Unix()
}

// IsNotYetValid reports whether the token's window has not opened yet.
func (u *Ucan) IsNotYetValid(at time.Time) bool {
	return u.NotBefore != nil && *u.NotBefore > at.Unix()
}

// WindowContains reports whether other's validity window fits inside u's.
// A nil bound is unbounded on that side.
func (u *Ucan) WindowContains(other *Ucan) bool {
	if u.Expires != nil && (other.Expires == nil || *other.Expires > *u.Expires) {
		return false
	}
	if u.NotBefore != nil && (other.NotBefore == nil || *other.NotBefore < *u.NotBefore) {
		return false
	}
	return true
}

// Fact returns the named value from the token's fact list.
func (u *Ucan) Fact(name string) (any, bool) {
	for _, fact := range u.Facts {
		if value, ok := fact[name]; ok {
			return value, true
		}
	}
	return nil, false
}

//---------------------------------------------------------------------
// Builder
//---------------------------------------------------------------------

// UcanBuilder assembles and signs a token.
type UcanBuilder struct {
	issuer       KeyMaterial
	audience     Did
	lifetime     time.Duration
	notBefore    *time.Time
	capabilities []Capability
	facts        []map[string]any
	proofs       []cid.Cid
}

// NewUcanBuilder starts an empty builder.
func NewUcanBuilder() *UcanBuilder { return &UcanBuilder{} }

// IssuedBy sets the signing key; the issuer DID is derived from it.
func (b *UcanBuilder) IssuedBy(key KeyMaterial) *UcanBuilder {
	b.issuer = key
	return b
}

// ForAudience sets the token's audience DID.
func (b *UcanBuilder) ForAudience(audience Did) *UcanBuilder {
	b.audience = audience
	return b
}

// WithLifetime sets the expiry relative to build time.
func (b *UcanBuilder) WithLifetime(lifetime time.Duration) *UcanBuilder {
	b.lifetime = lifetime
	return b
}

// WithNotBefore delays the start of the validity window.
func (b *UcanBuilder) WithNotBefore(at time.Time) *UcanBuilder {
	b.notBefore = &at
	return b
}

// ClaimingCapability adds a capability to the token.
func (b *UcanBuilder) ClaimingCapability(capability Capability) *UcanBuilder {
	b.capabilities = append(b.capabilities, capability)
	return b
}

// WithFact attaches a named fact.
func (b *UcanBuilder) WithFact(name string, value any) *UcanBuilder {
	b.facts = append(b.facts, map[string]any{name: value})
	return b
}

// WitnessedBy references a proof token authorizing the claimed capabilities.
func (b *UcanBuilder) WitnessedBy(proof *Ucan) *UcanBuilder {
	b.proofs = append(b.proofs, proof.Cid())
	return b
}

// Build signs the token and derives its identifier.
func (b *UcanBuilder) Build() (*Ucan, error) {
	if b.issuer == nil {
		return nil, fmt.Errorf("%w: builder has no issuer", ErrInternal)
	}
	if b.audience == "" {
		return nil, fmt.Errorf("%w: builder has no audience", ErrInternal)
	}

	claims := jwt.MapClaims{
		"iss": string(b.issuer.Did()),
		"aud": string(b.audience),
	}
	if b.lifetime > 0 {
		claims["exp"] = time.Now().Add(b.lifetime).Unix()
	}
	if b.notBefore != nil {
		claims["nbf"] = b.notBefore.Unix()
	}
	att := make([]map[string]string, len(b.capabilities))
	for i, capability := range b.capabilities {
		att[i] = map[string]string{"with": capability.With, "can": capability.Can}
	}
	claims["att"] = att
	if len(b.facts) > 0 {
		claims["fct"] = b.facts
	}
	if len(b.proofs) > 0 {
		prf := make([]string, len(b.proofs))
		for i, proof := range b.proofs {
			prf[i] = proof.String()
		}
		claims["prf"] = prf
	}

	method, err := signingMethodFor(b.issuer.SigningKey())
	if err != nil {
		return nil, err
	}
	token := jwt.NewWithClaims(method, claims)
	token.Header["ucv"] = UcanVersion
	signed, err := token.SignedString(b.issuer.SigningKey())
	if err != nil {
		return nil, fmt.Errorf("%w: sign token: %v", ErrSignature, err)
	}
	return ParseUcan(signed)
}

func signingMethodFor(key any) (jwt.SigningMethod, error) {
	switch key.(type) {
	case ed25519.PrivateKey:
		return jwt.SigningMethodEdDSA, nil
	case *ecdsa.PrivateKey:
		return jwt.SigningMethodES256, nil
	case *rsa.PrivateKey:
		return jwt.SigningMethodRS256, nil
	default:
		return nil, fmt.Errorf("%w: unsupported signing key %T", ErrSignature, key)
	}
}

//---------------------------------------------------------------------
// Parsing
//---------------------------------------------------------------------

// ParseUcan decodes a compact JWT, verifying its signature against the key
// named by the issuer DID. Time-window validation is deliberately deferred to
// proof-chain construction, where the whole chain is checked together.
func ParseUcan(serialized string) (*Ucan, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	var issuerAlg string
	token, err := parser.Parse(serialized, func(t *jwt.Token) (any, error) {
		claims, ok := t.Claims.(jwt.MapClaims)
		if !ok {
			return nil, errors.New("claims are not a map")
		}
		issuer, _ := claims["iss"].(string)
		key, alg, err := PublicKeyFromDid(Did(issuer))
		if err != nil {
			return nil, err
		}
		issuerAlg = alg
		return key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, fmt.Errorf("%w: %v", ErrSignature, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if token.Method.Alg() != issuerAlg {
		return nil, fmt.Errorf("%w: alg %s does not match issuer key (%s)",
			ErrSignature, token.Method.Alg(), issuerAlg)
	}

	claims := token.Claims.(jwt.MapClaims)
	parsed := &Ucan{jwt: serialized}
	issuer, _ := claims["iss"].(string)
	audience, _ := claims["aud"].(string)
	if issuer == "" || audience == "" {
		return nil, fmt.Errorf("%w: missing iss or aud", ErrMalformedToken)
	}
	parsed.Issuer = Did(issuer)
	parsed.Audience = Did(audience)
	if exp, ok := claimInt64(claims["exp"]); ok {
		parsed.Expires = &exp
	}
	if nbf, ok := claimInt64(claims["nbf"]); ok {
		parsed.NotBefore = &nbf
	}

	if att, ok := claims["att"].([]any); ok {
		for _, entry := range att {
			fields, ok := entry.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: malformed att entry", ErrMalformedToken)
			}
			with, _ := fields["with"].(string)
			can, _ := fields["can"].(string)
			parsed.Capabilities = append(parsed.Capabilities, Capability{With: with, Can: can})
		}
	}
	if fct, ok := claims["fct"].([]any); ok {
		for _, entry := range fct {
			if fields, ok := entry.(map[string]any); ok {
				parsed.Facts = append(parsed.Facts, fields)
			}
		}
	}
	if prf, ok := claims["prf"].([]any); ok {
		for _, entry := range prf {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("%w: malformed prf entry", ErrMalformedToken)
			}
			proof, err := cid.Parse(s)
			if err != nil {
				return nil, fmt.Errorf("%w: proof id %q: %v", ErrMalformedToken, s, err)
			}
			parsed.Proofs = append(parsed.Proofs, proof)
		}
	}

	id, err := CidForBytes(CodecRaw, []byte(serialized))
	if err != nil {
		return nil, err
	}
	parsed.id = id
	return parsed, nil
}

func claimInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}

//---------------------------------------------------------------------
// Token storage
//---------------------------------------------------------------------

// TokenStore resolves token identifiers to JWT bytes and back. Implementors
// can share a block store.
type TokenStore interface {
	// WriteToken stores the serialized token and returns its identifier.
	WriteToken(ctx context.Context, serialized string) (cid.Cid, error)
	// RequireToken returns the serialized token, or a wrapped ErrNotFound.
	RequireToken(ctx context.Context, id cid.Cid) (string, error)
}

type blockTokenStore struct {
	blocks BlockStore
}

// NewTokenStore adapts a block store into a TokenStore. Tokens are raw
// blocks containing the compact JWT string.
func NewTokenStore(blocks BlockStore) TokenStore {
	return &blockTokenStore{blocks: blocks}
}

func (s *blockTokenStore) WriteToken(ctx context.Context, serialized string) (cid.Cid, error) {
	return SaveRawBlock(ctx, s.blocks, []byte(serialized))
}

func (s *blockTokenStore) RequireToken(ctx context.Context, id cid.Cid) (string, error) {
	data, err := LoadRawBlock(ctx, s.blocks, id)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
