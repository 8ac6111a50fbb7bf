package core

// A Mutation buffers changes to every sphere namespace on behalf of one
// author until the commit that applies them. Within a single commit, ops to
// the same key collapse to the last one.

import (
	"github.com/ipfs/go-cid"
)

// Mutation is the per-namespace op buffer for one pending commit.
type Mutation struct {
	Author      Did
	Content     []MapOperation[Link[Memo]]
	Identities  []MapOperation[IdentityIpld]
	Delegations []MapOperation[DelegationIpld]
	Revocations []MapOperation[RevocationIpld]
}

// NewMutation starts an empty mutation authored by author.
func NewMutation(author Did) *Mutation {
	return &Mutation{Author: author}
}

// IsEmpty reports whether the mutation would change nothing.
func (m *Mutation) IsEmpty() bool {
	return len(m.Content) == 0 &&
		len(m.Identities) == 0 &&
		len(m.Delegations) == 0 &&
		len(m.Revocations) == 0
}

// WriteContent maps a slug to a content memo.
func (m *Mutation) WriteContent(slug string, memo cid.Cid) {
	m.Content = append(m.Content, AddOperation(slug, NewLink[Memo](memo)))
}

// RemoveContent drops a slug.
func (m *Mutation) RemoveContent(slug string) {
	m.Content = append(m.Content, RemoveOperation[Link[Memo]](slug))
}

// SetPetname maps a petname to a peer identity.
func (m *Mutation) SetPetname(petname string, identity IdentityIpld) {
	m.Identities = append(m.Identities, AddOperation(petname, identity))
}

// RemovePetname drops a petname.
func (m *Mutation) RemovePetname(petname string) {
	m.Identities = append(m.Identities, RemoveOperation[IdentityIpld](petname))
}

// AddDelegation records a named delegation, keyed by the token's id.
func (m *Mutation) AddDelegation(name string, token cid.Cid) {
	m.Delegations = append(m.Delegations, AddOperation(token.String(), DelegationIpld{
		Name: name,
		Jwt:  NewRef(token),
	}))
}

// RemoveDelegation drops a delegation by token id.
func (m *Mutation) RemoveDelegation(token cid.Cid) {
	m.Delegations = append(m.Delegations, RemoveOperation[DelegationIpld](token.String()))
}

// AddRevocation records a revocation, keyed by the revoked token's id.
func (m *Mutation) AddRevocation(revocation *RevocationIpld) {
	m.Revocations = append(m.Revocations, AddOperation(revocation.Revokes, *revocation))
}
