package core

// Proof-chain construction and capability reduction. Given a token and a
// store that resolves proof identifiers, the chain is loaded to a fixed
// point; every edge is checked for signature validity, issuer/audience
// continuity, time-window containment, capability enablement and revocation.

import (
	"context"
	"fmt"
	"time"
)

// ProofChain is a validated token plus its validated proofs.
type ProofChain struct {
	Token  *Ucan
	Proofs []*ProofChain
}

// BuildProofChain loads and validates the full proof graph beneath token.
// The revocation set is consulted at every node; a revocation only applies
// when its issuer appears in the chain at or above the revoked token.
func BuildProofChain(ctx context.Context, tokens TokenStore, token *Ucan, revocations RevocationSet) (*ProofChain, error) {
	return buildProofChain(ctx, tokens, token, revocations, nil, time.Now())
}

func buildProofChain(
	ctx context.Context,
	tokens TokenStore,
	token *Ucan,
	revocations RevocationSet,
	ancestorIssuers []Did,
	at time.Time,
) (*ProofChain, error) {
	if token.IsExpired(at) {
		return nil, fmt.Errorf("%w: token %s", ErrTimeWindowExpired, token.Cid())
	}
	if token.IsNotYetValid(at) {
		return nil, fmt.Errorf("%w: token %s", ErrTimeWindowNotYetValid, token.Cid())
	}
	if err := checkRevocation(token, revocations, ancestorIssuers); err != nil {
		return nil, err
	}

	chain := &ProofChain{Token: token}
	issuers := append(append([]Did{}, ancestorIssuers...), token.Issuer)
	for _, proofID := range token.Proofs {
		serialized, err := tokens.RequireToken(ctx, proofID)
		if err != nil {
			return nil, fmt.Errorf("resolve proof %s: %w", proofID, err)
		}
		proof, err := ParseUcan(serialized)
		if err != nil {
			return nil, fmt.Errorf("proof %s: %w", proofID, err)
		}
		if proof.Audience != token.Issuer {
			return nil, fmt.Errorf("%w: proof %s is for %s, token issued by %s",
				ErrChainMismatch, proofID, proof.Audience, token.Issuer)
		}
		if !proof.WindowContains(token) {
			return nil, fmt.Errorf("%w: token %s outlives proof %s",
				ErrChainMismatch, token.Cid(), proofID)
		}
		parent, err := buildProofChain(ctx, tokens, proof, revocations, issuers, at)
		if err != nil {
			return nil, err
		}
		chain.Proofs = append(chain.Proofs, parent)
	}

	if len(chain.Proofs) > 0 {
		for _, capability := range token.Capabilities {
			if !enabledByProofs(capability, chain.Proofs) {
				return nil, fmt.Errorf("%w: capability %s %s not granted by any proof",
					ErrAuthorization, capability.With, capability.Can)
			}
		}
	}
	return chain, nil
}

func enabledByProofs(capability Capability, proofs []*ProofChain) bool {
	for _, proof := range proofs {
		for _, granted := range proof.Token.Capabilities {
			if granted.Enables(capability) {
				return true
			}
		}
	}
	return false
}

func checkRevocation(token *Ucan, revocations RevocationSet, ancestorIssuers []Did) error {
	revocation, ok := revocations[token.Cid().String()]
	if !ok {
		return nil
	}
	if err := revocation.Verify(); err != nil {
		// A revocation that fails its own challenge carries no authority.
		return nil
	}
	if revocation.Issuer == token.Issuer {
		return fmt.Errorf("%w: token %s", ErrRevoked, token.Cid())
	}
	for _, issuer := range ancestorIssuers {
		if issuer == revocation.Issuer {
			return fmt.Errorf("%w: token %s", ErrRevoked, token.Cid())
		}
	}
	return nil
}

//---------------------------------------------------------------------
// Reduction
//---------------------------------------------------------------------

// CapabilityInfo is one effective capability and the set of DIDs whose
// self-claimed authority originates it.
type CapabilityInfo struct {
	Originators map[Did]struct{}
	Capability  Capability
}

// ReduceCapabilities flattens a validated chain into its effective
// capability tuples. A capability claimed without supporting proofs
// originates with the claiming issuer; one supported by proofs inherits the
// originators of every enabling proof capability.
func (pc *ProofChain) ReduceCapabilities() []CapabilityInfo {
	var inherited []CapabilityInfo
	for _, proof := range pc.Proofs {
		inherited = append(inherited, proof.ReduceCapabilities()...)
	}

	infos := make([]CapabilityInfo, 0, len(pc.Token.Capabilities))
	for _, capability := range pc.Token.Capabilities {
		info := CapabilityInfo{
			Originators: map[Did]struct{}{},
			Capability:  capability,
		}
		for _, parent := range inherited {
			if parent.Capability.Enables(capability) {
				for originator := range parent.Originators {
					info.Originators[originator] = struct{}{}
				}
			}
		}
		if len(info.Originators) == 0 {
			info.Originators[pc.Token.Issuer] = struct{}{}
		}
		infos = append(infos, info)
	}
	return infos
}

// VerifyCapability checks that the chain enables the required capability
// with the given originator (for sphere-scoped actions, the sphere's root
// identity). It returns a wrapped ErrAuthorization when it does not.
func (pc *ProofChain) VerifyCapability(required Capability, originator Did) error {
	for _, info := range pc.ReduceCapabilities() {
		if !info.Capability.Enables(required) {
			continue
		}
		if _, ok := info.Originators[originator]; ok {
			return nil
		}
	}
	return fmt.Errorf("%w: %s %s is not enabled by %s",
		ErrAuthorization, required.With, required.Can, originator)
}

// VerifyAuthorization parses, chains and checks a serialized invocation
// token in one step.
func VerifyAuthorization(
	ctx context.Context,
	tokens TokenStore,
	serialized string,
	required Capability,
	sphereRoot Did,
	revocations RevocationSet,
) (*ProofChain, error) {
	token, err := ParseUcan(serialized)
	if err != nil {
		return nil, err
	}
	chain, err := BuildProofChain(ctx, tokens, token, revocations)
	if err != nil {
		return nil, err
	}
	if err := chain.VerifyCapability(required, sphereRoot); err != nil {
		return nil, err
	}
	return chain, nil
}
