package core

// Server side of the sync protocol. For every client sphere (the
// counterpart) the gateway keeps a managing sphere of its own whose content
// namespace tracks the counterpart's tip and whose address book records the
// counterpart's latest link record. Pushes are serialized per counterpart;
// fetches are unrestricted.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	log "github.com/sirupsen/logrus"
)

const identifyProofLifetime = 10 * time.Minute

// GatewayScope binds one counterpart to its managing sphere.
type GatewayScope struct {
	counterpart Did
	managing    *SphereContext

	// pushMu enforces at most one concurrent push per counterpart.
	pushMu sync.Mutex
}

// Counterpart returns the client sphere this scope serves.
func (s *GatewayScope) Counterpart() Did { return s.counterpart }

// Managing returns the gateway's sphere for this counterpart.
func (s *GatewayScope) Managing() *SphereContext { return s.managing }

// Gateway serves fetch/push/replicate for a set of counterpart spheres.
type Gateway struct {
	key     KeyMaterial
	storage *Storage
	tokens  TokenStore
	scopes  map[Did]*GatewayScope
	logger  *log.Logger
}

// NewGateway initializes (or reopens) a managing sphere per counterpart.
// Managing sphere root keys persist in the gateway's key/value store so the
// lineage survives restarts.
func NewGateway(ctx context.Context, storage *Storage, key KeyMaterial, counterparts []Did, logger *log.Logger) (*Gateway, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	g := &Gateway{
		key:     key,
		storage: storage,
		tokens:  NewTokenStore(storage.Blocks),
		scopes:  map[Did]*GatewayScope{},
		logger:  logger,
	}
	for _, counterpart := range counterparts {
		managing, err := g.openManagingSphere(ctx, counterpart)
		if err != nil {
			return nil, err
		}
		g.scopes[counterpart] = &GatewayScope{counterpart: counterpart, managing: managing}
		logger.WithFields(log.Fields{
			"counterpart": string(counterpart),
			"managing":    string(managing.Identity()),
		}).Info("gateway scope ready")
	}
	return g, nil
}

func gatewaySeedKey(counterpart Did) string   { return fmt.Sprintf("gateway_seed:%s", counterpart) }
func gatewaySphereKey(counterpart Did) string { return fmt.Sprintf("gateway_sphere:%s", counterpart) }

func (g *Gateway) openManagingSphere(ctx context.Context, counterpart Did) (*SphereContext, error) {
	keys := g.storage.Keys

	var seed []byte
	err := keys.GetKey(ctx, gatewaySeedKey(counterpart), &seed)
	if err == nil {
		rootKey, err := Ed25519KeyFromSeed(seed)
		if err != nil {
			return nil, err
		}
		var identity Did
		if err := keys.GetKey(ctx, gatewaySphereKey(counterpart), &identity); err != nil {
			return nil, err
		}
		return g.managingContext(identity, rootKey), nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	view, rootKey, _, err := GenerateSphere(ctx, g.storage.Blocks)
	if err != nil {
		return nil, err
	}
	identity := view.Identity()
	if err := keys.SetKey(ctx, gatewaySeedKey(counterpart), rootKey.Seed()); err != nil {
		return nil, err
	}
	if err := keys.SetKey(ctx, gatewaySphereKey(counterpart), identity); err != nil {
		return nil, err
	}
	if err := keys.SetKey(ctx, string(identity), view.Cid().String()); err != nil {
		return nil, err
	}
	return g.managingContext(identity, rootKey), nil
}

func (g *Gateway) managingContext(identity Did, rootKey *Ed25519KeyMaterial) *SphereContext {
	return &SphereContext{
		identity: identity,
		author:   &Author{Key: rootKey},
		storage:  g.storage,
		tokens:   g.tokens,
		access:   AccessReadWrite,
		logger:   g.logger.WithField("sphere", string(identity)),
	}
}

// Identity returns the gateway's DID.
func (g *Gateway) Identity() Did { return g.key.Did() }

// Tokens exposes the gateway's token store.
func (g *Gateway) Tokens() TokenStore { return g.tokens }

// Scope resolves the scope serving a counterpart sphere.
func (g *Gateway) Scope(counterpart Did) (*GatewayScope, bool) {
	scope, ok := g.scopes[counterpart]
	return scope, ok
}

// CounterpartRevocations gathers the revocations of the latest counterpart
// history the gateway has integrated, for authorizing incoming requests.
func (g *Gateway) CounterpartRevocations(ctx context.Context, scope *GatewayScope) (RevocationSet, error) {
	recorded, err := g.recordedCounterpartTip(ctx, scope)
	if err != nil {
		return nil, err
	}
	if !recorded.Defined() {
		return RevocationSet{}, nil
	}
	view, err := LoadSphereAt(ctx, g.storage.Blocks, recorded)
	if err != nil {
		return nil, err
	}
	return view.CollectRevocations(ctx)
}

// recordedCounterpartTip returns the counterpart tip last integrated into
// the managing sphere's content namespace.
func (g *Gateway) recordedCounterpartTip(ctx context.Context, scope *GatewayScope) (cid.Cid, error) {
	view, err := scope.managing.ToSphere(ctx)
	if err != nil {
		return cid.Undef, err
	}
	content, err := view.Content(ctx)
	if err != nil {
		return cid.Undef, err
	}
	link, ok, err := content.Get(ctx, string(scope.counterpart))
	if err != nil || !ok {
		return cid.Undef, err
	}
	return link.Cid, nil
}

//---------------------------------------------------------------------
// Handlers
//---------------------------------------------------------------------

// HandleIdentify returns the gateway's identity, the identity of the sphere
// it maintains as this client's counterpart, and a signed assertion binding
// the two.
func (g *Gateway) HandleIdentify(ctx context.Context, scope *GatewayScope) (*IdentifyResponse, error) {
	counterpart := scope.managing.Identity()
	proof, err := NewUcanBuilder().
		IssuedBy(g.key).
		ForAudience(scope.counterpart).
		WithLifetime(identifyProofLifetime).
		ClaimingCapability(SphereCapability(scope.counterpart, SphereActionFetch)).
		WithFact("counterpart", string(counterpart)).
		Build()
	if err != nil {
		return nil, err
	}
	return &IdentifyResponse{
		GatewayIdentity: g.Identity(),
		Counterpart:     counterpart,
		SignedProofJwt:  proof.Jwt(),
	}, nil
}

// HandleFetch streams every block reachable from the managing sphere's tip
// but not from since.
func (g *Gateway) HandleFetch(ctx context.Context, scope *GatewayScope, since cid.Cid, w io.Writer) error {
	tip, err := scope.managing.Version(ctx)
	if err != nil {
		return err
	}
	return WriteBlockStream(ctx, g.storage.Blocks, w, tip, since)
}

// HandleReplicate streams an arbitrary reachable DAG slice.
func (g *Gateway) HandleReplicate(ctx context.Context, root, since cid.Cid, w io.Writer) error {
	return WriteBlockStream(ctx, g.storage.Blocks, w, root, since)
}

// HandlePush validates a push against the protocol contracts, integrates
// the new history and advances the managing sphere.
func (g *Gateway) HandlePush(ctx context.Context, scope *GatewayScope, body *PushBody, stream io.Reader) (*PushResponse, error) {
	scope.pushMu.Lock()
	defer scope.pushMu.Unlock()

	if body.Sphere != scope.counterpart {
		return nil, fmt.Errorf("%w: push for %s on a scope serving %s",
			ErrUnexpectedBody, body.Sphere, scope.counterpart)
	}

	managingTip, err := scope.managing.Version(ctx)
	if err != nil {
		return nil, err
	}
	if body.CounterpartTip == nil || !body.CounterpartTip.Equals(NewRef(managingTip)) {
		return nil, fmt.Errorf("%w: counterpart tip precondition failed", ErrConflict)
	}

	recorded, err := g.recordedCounterpartTip(ctx, scope)
	if err != nil {
		return nil, err
	}
	if recorded.Defined() && recorded.Equals(body.LocalTip.Cid) {
		return &PushResponse{NoChange: true}, nil
	}
	if body.LocalBase != nil {
		if !recorded.Defined() {
			return nil, fmt.Errorf("%w: push base %s is unknown here",
				ErrMissingHistory, body.LocalBase)
		}
		if !recorded.Equals(body.LocalBase.Cid) {
			return nil, fmt.Errorf("%w: push base %s does not match integrated tip %s",
				ErrConflict, body.LocalBase, recorded)
		}
	}

	if _, _, err := ReadBlockStream(ctx, g.storage.Blocks, stream); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrokenStream, err)
	}
	if err := g.verifyPushedHistory(ctx, scope, body); err != nil {
		return nil, err
	}
	if body.LocalBase == nil && recorded.Defined() {
		// A full-history push must still extend what we already integrated.
		timeline := NewTimeline(g.storage.Blocks)
		extends, err := timeline.IsAncestor(ctx, recorded, body.LocalTip.Cid)
		if err != nil {
			return nil, err
		}
		if !extends {
			return nil, fmt.Errorf("%w: pushed lineage does not extend integrated tip %s",
				ErrConflict, recorded)
		}
	}

	mutation := scope.managing.Mutate()
	mutation.WriteContent(string(scope.counterpart), body.LocalTip.Cid)
	entry := IdentityIpld{Did: scope.counterpart}
	if previous, ok, err := g.counterpartAddressEntry(ctx, scope); err != nil {
		return nil, err
	} else if ok {
		entry.LastKnownRecord = previous.LastKnownRecord
	}
	if body.NameRecord != nil {
		record, err := ParseLinkRecord(*body.NameRecord)
		if err != nil {
			return nil, err
		}
		if record.Identity() != scope.counterpart {
			return nil, fmt.Errorf("%w: name record speaks for %s, not %s",
				ErrUnexpectedBody, record.Identity(), scope.counterpart)
		}
		recordID, err := g.tokens.WriteToken(ctx, record.Jwt())
		if err != nil {
			return nil, err
		}
		ref := NewRef(recordID)
		entry.LastKnownRecord = &ref
	}
	mutation.SetPetname(string(scope.counterpart), entry)

	newTip, err := scope.managing.Save(ctx, mutation)
	if err != nil {
		return nil, err
	}
	g.logger.WithFields(log.Fields{
		"counterpart": string(scope.counterpart),
		"client_tip":  body.LocalTip.String(),
		"new_tip":     newTip.String(),
	}).Info("accepted push")
	return &PushResponse{Accepted: &PushAccepted{NewTip: NewRef(newTip)}}, nil
}

func (g *Gateway) counterpartAddressEntry(ctx context.Context, scope *GatewayScope) (IdentityIpld, bool, error) {
	view, err := scope.managing.ToSphere(ctx)
	if err != nil {
		return IdentityIpld{}, false, err
	}
	return view.ResolvePetname(ctx, string(scope.counterpart))
}

// verifyPushedHistory checks that every block in the pushed lineage is
// present and that the signature chain on each new revision validates
// end-to-end against the counterpart's root.
func (g *Gateway) verifyPushedHistory(ctx context.Context, scope *GatewayScope, body *PushBody) error {
	blocks := g.storage.Blocks
	base := cid.Undef
	if body.LocalBase != nil {
		base = body.LocalBase.Cid
	}

	skip, err := ReachableSet(ctx, blocks, base)
	if err != nil {
		return err
	}
	err = ForEachReachable(ctx, blocks, body.LocalTip.Cid, skip, func(cid.Cid, []byte) error {
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: pushed history references blocks that never arrived: %v",
			ErrMissingHistory, err)
	}
	if err != nil {
		return err
	}

	tip, err := LoadSphereAt(ctx, blocks, body.LocalTip.Cid)
	if err != nil {
		return fmt.Errorf("%w: pushed tip: %v", ErrUnexpectedBody, err)
	}
	if tip.Identity() != scope.counterpart {
		return fmt.Errorf("%w: pushed history belongs to %s",
			ErrUnexpectedBody, tip.Identity())
	}

	// Revocations gate future authorization, not the validity of history
	// that was committed while the delegation still stood; signature
	// verification therefore runs against an empty revocation set.
	timeline := NewTimeline(blocks)
	return timeline.Stream(ctx, body.LocalTip.Cid, base, func(id cid.Cid, memo *Memo) error {
		if base.Defined() && id.Equals(base) {
			return nil
		}
		if err := memo.Verify(ctx, g.tokens, scope.counterpart, RevocationSet{}); err != nil {
			return fmt.Errorf("revision %s: %w", id, err)
		}
		return nil
	})
}
