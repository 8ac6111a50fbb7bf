package core

// Link records: self-issued UCANs asserting "sphere X is currently at
// version V". A sphere's root issues one to itself with a `link` fact; peers
// and gateways republish the token to advertise the sphere's tip.

import (
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
)

const linkRecordFact = "link"

// LinkRecord wraps a validated link-record token.
type LinkRecord struct {
	*Ucan
}

// IssueLinkRecord signs a link record asserting that the issuing root's
// sphere is at version.
func IssueLinkRecord(root KeyMaterial, version cid.Cid, lifetime time.Duration) (*LinkRecord, error) {
	identity := root.Did()
	token, err := NewUcanBuilder().
		IssuedBy(root).
		ForAudience(identity).
		WithLifetime(lifetime).
		ClaimingCapability(SphereCapability(identity, SphereActionPublish)).
		WithFact(linkRecordFact, version.String()).
		Build()
	if err != nil {
		return nil, err
	}
	return &LinkRecord{Ucan: token}, nil
}

// ParseLinkRecord decodes and validates a serialized link record.
func ParseLinkRecord(serialized string) (*LinkRecord, error) {
	token, err := ParseUcan(serialized)
	if err != nil {
		return nil, err
	}
	record := &LinkRecord{Ucan: token}
	if err := record.Validate(); err != nil {
		return nil, err
	}
	return record, nil
}

// Validate checks the structural requirements: the record is self-issued,
// inside its validity window, claims publish on its own sphere and carries a
// parseable link fact.
func (r *LinkRecord) Validate() error {
	if r.Issuer != r.Audience {
		return fmt.Errorf("%w: link record must be self-issued (iss %s, aud %s)",
			ErrSignature, r.Issuer, r.Audience)
	}
	if r.IsExpired(time.Now()) {
		return fmt.Errorf("%w: link record for %s", ErrTimeWindowExpired, r.Issuer)
	}
	claimsPublish := false
	for _, capability := range r.Capabilities {
		identity, ok := capability.SphereIdentity()
		if ok && identity == r.Issuer && capability.Enables(SphereCapability(identity, SphereActionPublish)) {
			claimsPublish = true
			break
		}
	}
	if !claimsPublish {
		return fmt.Errorf("%w: link record does not claim sphere/publish on %s",
			ErrAuthorization, r.Issuer)
	}
	if _, err := r.DereferenceLink(); err != nil {
		return err
	}
	return nil
}

// Identity returns the sphere the record speaks for.
func (r *LinkRecord) Identity() Did { return r.Issuer }

// DereferenceLink returns the sphere version the record asserts.
func (r *LinkRecord) DereferenceLink() (cid.Cid, error) {
	value, ok := r.Fact(linkRecordFact)
	if !ok {
		return cid.Undef, fmt.Errorf("%w: link record has no link fact", ErrDecode)
	}
	s, ok := value.(string)
	if !ok {
		return cid.Undef, fmt.Errorf("%w: link fact is not a string", ErrDecode)
	}
	version, err := cid.Parse(s)
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: link fact %q: %v", ErrDecode, s, err)
	}
	return version, nil
}
