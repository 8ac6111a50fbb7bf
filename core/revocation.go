package core

// Revocations invalidate a previously issued delegation. The revoking issuer
// signs a fixed challenge string over the revoked token's identifier; the
// revocation only takes effect for chains where the issuer sits at or above
// the revoked token.

import (
	"fmt"

	"github.com/ipfs/go-cid"
)

// RevocationIpld is the stored form of a revocation.
type RevocationIpld struct {
	Issuer    Did    `cbor:"issuer"`
	Revokes   string `cbor:"revokes"`
	Challenge []byte `cbor:"challenge"`
}

func revocationChallenge(revokes cid.Cid) []byte {
	return []byte(fmt.Sprintf("REVOKE:%s", revokes))
}

// NewRevocation signs a revocation of the token identified by revokes.
func NewRevocation(issuer KeyMaterial, revokes cid.Cid) (*RevocationIpld, error) {
	challenge, err := issuer.Sign(revocationChallenge(revokes))
	if err != nil {
		return nil, fmt.Errorf("%w: sign revocation: %v", ErrSignature, err)
	}
	return &RevocationIpld{
		Issuer:    issuer.Did(),
		Revokes:   revokes.String(),
		Challenge: challenge,
	}, nil
}

// Verify checks the revocation's challenge signature.
func (r *RevocationIpld) Verify() error {
	revokes, err := cid.Parse(r.Revokes)
	if err != nil {
		return fmt.Errorf("%w: revocation target %q: %v", ErrDecode, r.Revokes, err)
	}
	if err := VerifyRawSignature(r.Issuer, revocationChallenge(revokes), r.Challenge); err != nil {
		return fmt.Errorf("revocation of %s: %w", r.Revokes, err)
	}
	return nil
}

// RevocationSet indexes verified-or-pending revocations by the identifier of
// the token they revoke.
type RevocationSet map[string]*RevocationIpld

// Add records a revocation, keeping the first seen for a given target.
func (s RevocationSet) Add(revocation *RevocationIpld) {
	if _, ok := s[revocation.Revokes]; !ok {
		s[revocation.Revokes] = revocation
	}
}
