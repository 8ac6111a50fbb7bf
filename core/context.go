package core

// The sphere context: a per-sphere handle binding identity, author key,
// storage and (optionally) a gateway client. Saves and syncs on the same
// context are serialized by a per-context lock; reads take consistent
// snapshots at the current version pointer.

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	log "github.com/sirupsen/logrus"
)

// AccessLevel is the context's derived write entitlement.
type AccessLevel int

const (
	// AccessReadOnly permits reads at any version.
	AccessReadOnly AccessLevel = iota
	// AccessReadWrite additionally permits Save and push.
	AccessReadWrite
)

// Author binds the local signing key with its delegation, when the key is
// not the sphere root itself.
type Author struct {
	Key KeyMaterial
	// Authorization is the delegation enabling this key to write, nil when
	// the key is the sphere's root.
	Authorization *Ucan
}

// Did returns the author key's identifier.
func (a *Author) Did() Did { return a.Key.Did() }

// SphereContext is the per-sphere handle.
type SphereContext struct {
	identity Did
	author   *Author
	storage  *Storage
	tokens   TokenStore
	access   AccessLevel
	// accessDenied records why write access was refused, so that a Save can
	// surface Revoked rather than a generic authorization failure.
	accessDenied error
	client       *Client
	logger       *log.Entry
	// nameRecordLifetime bounds link records issued during sync; zero means
	// the package default.
	nameRecordLifetime time.Duration

	mu sync.Mutex
}

// CreateSphere generates a new sphere: fresh root key, genesis revision,
// and an authorization granted by the root to ownerKey. The mnemonic
// encoding the root key is returned exactly once; the root key itself is
// not retained.
func CreateSphere(ctx context.Context, storage *Storage, ownerKey KeyMaterial) (*SphereContext, string, error) {
	view, rootKey, mnemonic, err := GenerateSphere(ctx, storage.Blocks)
	if err != nil {
		return nil, "", err
	}
	identity := view.Identity()
	tokens := NewTokenStore(storage.Blocks)

	authorization, err := NewUcanBuilder().
		IssuedBy(rootKey).
		ForAudience(ownerKey.Did()).
		ClaimingCapability(SphereCapability(identity, SphereActionAuthorize)).
		Build()
	if err != nil {
		return nil, "", err
	}
	authorizationID, err := tokens.WriteToken(ctx, authorization.Jwt())
	if err != nil {
		return nil, "", err
	}

	// Record the delegation in the sphere's authority namespace so every
	// replica can verify the owner key's commits.
	mutation := NewMutation(identity)
	mutation.AddDelegation("(device)", authorizationID)
	version, _, err := view.Advance(ctx, mutation, rootKey, nil)
	if err != nil {
		return nil, "", err
	}

	keys := storage.Keys
	if err := keys.SetKey(ctx, KeyIdentity, identity); err != nil {
		return nil, "", err
	}
	if err := keys.SetKey(ctx, KeyAuthorization, authorizationID.String()); err != nil {
		return nil, "", err
	}
	if err := keys.SetKey(ctx, string(identity), version.String()); err != nil {
		return nil, "", err
	}

	sphereContext := &SphereContext{
		identity: identity,
		author:   &Author{Key: ownerKey, Authorization: authorization},
		storage:  storage,
		tokens:   tokens,
		access:   AccessReadWrite,
		logger:   log.WithField("sphere", string(identity)),
	}
	sphereContext.logger.Info("created sphere")
	return sphereContext, mnemonic, nil
}

// OpenSphere binds an existing sphere workspace: the configured identity,
// the provided author key, and the author's stored delegation. Access is
// derived from the delegation chain at the current version.
func OpenSphere(ctx context.Context, storage *Storage, key KeyMaterial) (*SphereContext, error) {
	var identity Did
	if err := storage.Keys.GetKey(ctx, KeyIdentity, &identity); err != nil {
		return nil, fmt.Errorf("open sphere: %w", err)
	}
	tokens := NewTokenStore(storage.Blocks)

	author := &Author{Key: key}
	var authorizationValue string
	err := storage.Keys.GetKey(ctx, KeyAuthorization, &authorizationValue)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err == nil {
		authorizationID, err := cid.Parse(authorizationValue)
		if err != nil {
			return nil, fmt.Errorf("%w: stored authorization %q: %v", ErrDecode, authorizationValue, err)
		}
		serialized, err := tokens.RequireToken(ctx, authorizationID)
		if err != nil {
			return nil, err
		}
		authorization, err := ParseUcan(serialized)
		if err != nil {
			return nil, err
		}
		author.Authorization = authorization
	}

	sphereContext := &SphereContext{
		identity: identity,
		author:   author,
		storage:  storage,
		tokens:   tokens,
		logger:   log.WithField("sphere", string(identity)),
	}
	if err := sphereContext.deriveAccess(ctx); err != nil {
		return nil, err
	}
	return sphereContext, nil
}

// OpenSphereWithAuthorization is OpenSphere with an explicit delegation,
// used when a second device receives its authorization out of band.
func OpenSphereWithAuthorization(ctx context.Context, storage *Storage, key KeyMaterial, authorization *Ucan) (*SphereContext, error) {
	tokens := NewTokenStore(storage.Blocks)
	authorizationID, err := tokens.WriteToken(ctx, authorization.Jwt())
	if err != nil {
		return nil, err
	}
	if err := storage.Keys.SetKey(ctx, KeyAuthorization, authorizationID.String()); err != nil {
		return nil, err
	}
	return OpenSphere(ctx, storage, key)
}

// RestoreSphere rebinds a sphere using its recovery mnemonic: the escape
// hatch when every delegation has been revoked. The recovered root key
// becomes the author.
func RestoreSphere(ctx context.Context, storage *Storage, mnemonic string) (*SphereContext, error) {
	rootKey, err := KeyFromMnemonic(mnemonic)
	if err != nil {
		return nil, err
	}
	var identity Did
	if err := storage.Keys.GetKey(ctx, KeyIdentity, &identity); err != nil {
		return nil, fmt.Errorf("restore sphere: %w", err)
	}
	if rootKey.Did() != identity {
		return nil, fmt.Errorf("%w: mnemonic key %s does not match sphere %s",
			ErrSignature, rootKey.Did(), identity)
	}
	return &SphereContext{
		identity: identity,
		author:   &Author{Key: rootKey},
		storage:  storage,
		tokens:   NewTokenStore(storage.Blocks),
		access:   AccessReadWrite,
		logger:   log.WithField("sphere", string(identity)),
	}, nil
}

// deriveAccess re-checks the author's entitlement: the root key itself, or
// a non-revoked delegation chain enabling sphere/push.
func (c *SphereContext) deriveAccess(ctx context.Context) error {
	c.accessDenied = nil
	if c.author.Key.Did() == c.identity {
		c.access = AccessReadWrite
		return nil
	}
	if c.author.Authorization == nil {
		c.access = AccessReadOnly
		return nil
	}
	revocations := RevocationSet{}
	view, err := c.ToSphere(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		// No local history yet (a fresh workspace joining via sync) means
		// no revocations to consult.
		return err
	}
	if err == nil {
		if revocations, err = view.CollectRevocations(ctx); err != nil {
			return err
		}
	}
	chain, err := BuildProofChain(ctx, c.tokens, c.author.Authorization, revocations)
	if err != nil {
		if errors.Is(err, ErrRevoked) || errors.Is(err, ErrAuthorization) || errors.Is(err, ErrSignature) {
			c.access = AccessReadOnly
			c.accessDenied = err
			c.logger.WithError(err).Warn("author delegation does not grant write access")
			return nil
		}
		return err
	}
	required := SphereCapability(c.identity, SphereActionPush)
	if err := chain.VerifyCapability(required, c.identity); err != nil {
		c.access = AccessReadOnly
		c.accessDenied = err
		return nil
	}
	if chain.Token.Audience != c.author.Did() {
		c.access = AccessReadOnly
		return nil
	}
	c.access = AccessReadWrite
	return nil
}

// Identity returns the sphere's root identity.
func (c *SphereContext) Identity() Did { return c.identity }

// Author returns the bound author.
func (c *SphereContext) Author() *Author { return c.author }

// Access returns the derived access level.
func (c *SphereContext) Access() AccessLevel { return c.access }

// Storage exposes the bound stores.
func (c *SphereContext) Storage() *Storage { return c.storage }

// Tokens exposes the token store shared with the block store.
func (c *SphereContext) Tokens() TokenStore { return c.tokens }

// Version reads the sphere's current version pointer.
func (c *SphereContext) Version(ctx context.Context) (cid.Cid, error) {
	var value string
	if err := c.storage.Keys.GetKey(ctx, string(c.identity), &value); err != nil {
		return cid.Undef, err
	}
	version, err := cid.Parse(value)
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: version pointer %q: %v", ErrDecode, value, err)
	}
	return version, nil
}

func (c *SphereContext) setVersion(ctx context.Context, version cid.Cid) error {
	return c.storage.Keys.SetKey(ctx, string(c.identity), version.String())
}

// ToSphere opens a view at the current version.
func (c *SphereContext) ToSphere(ctx context.Context) (*SphereView, error) {
	version, err := c.Version(ctx)
	if err != nil {
		return nil, err
	}
	return LoadSphereAt(ctx, c.storage.Blocks, version)
}

//---------------------------------------------------------------------
// Mutation + save
//---------------------------------------------------------------------

// Mutate starts a mutation authored by this context's author.
func (c *SphereContext) Mutate() *Mutation {
	return NewMutation(c.author.Did())
}

// NewContentMemo wraps body bytes in a chunk chain plus a signed content
// memo, parented on the slug's previous revision when one exists. The
// returned id is suitable for Mutation.WriteContent.
func (c *SphereContext) NewContentMemo(ctx context.Context, slug, contentType string, body []byte) (cid.Cid, error) {
	bodyID, err := WriteBodyBytes(ctx, c.storage.Blocks, body)
	if err != nil {
		return cid.Undef, err
	}
	memo := NewMemo(bodyID, contentType)

	view, err := c.ToSphere(ctx)
	if err != nil {
		return cid.Undef, err
	}
	content, err := view.Content(ctx)
	if err != nil {
		return cid.Undef, err
	}
	if previous, ok, err := content.Get(ctx, slug); err != nil {
		return cid.Undef, err
	} else if ok {
		memo.Parent = &previous
	}

	proof := c.proofCid()
	if err := memo.Sign(c.author.Key, proof); err != nil {
		return cid.Undef, err
	}
	return SaveBlock(ctx, c.storage.Blocks, memo)
}

func (c *SphereContext) proofCid() *cid.Cid {
	if c.author.Authorization == nil {
		return nil
	}
	id := c.author.Authorization.Cid()
	return &id
}

// Save commits a mutation: it verifies write access, applies the buffered
// ops over the current view, signs the next revision as the author and
// advances the version pointer. The pointer moves only after every block is
// durable; a failed save leaves it unchanged.
func (c *SphereContext) Save(ctx context.Context, mutation *Mutation) (cid.Cid, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked(ctx, mutation)
}

func (c *SphereContext) saveLocked(ctx context.Context, mutation *Mutation) (cid.Cid, error) {
	if err := c.deriveAccess(ctx); err != nil {
		return cid.Undef, err
	}
	if c.access != AccessReadWrite {
		if c.accessDenied != nil {
			return cid.Undef, c.accessDenied
		}
		return cid.Undef, fmt.Errorf("%w: author %s cannot write to %s",
			ErrAuthorization, c.author.Did(), c.identity)
	}
	view, err := c.ToSphere(ctx)
	if err != nil {
		return cid.Undef, err
	}
	mutation.Author = c.author.Did()
	version, _, err := view.Advance(ctx, mutation, c.author.Key, c.proofCid())
	if err != nil {
		return cid.Undef, err
	}
	if err := c.setVersion(ctx, version); err != nil {
		return cid.Undef, err
	}
	c.logger.WithField("version", version.String()).Debug("saved sphere revision")
	return version, nil
}

//---------------------------------------------------------------------
// Reads
//---------------------------------------------------------------------

// ReadSlug resolves a slug to its memo and reassembled body bytes at the
// current version.
func (c *SphereContext) ReadSlug(ctx context.Context, slug string) (*Memo, []byte, error) {
	view, err := c.ToSphere(ctx)
	if err != nil {
		return nil, nil, err
	}
	content, err := view.Content(ctx)
	if err != nil {
		return nil, nil, err
	}
	link, ok, err := content.Get(ctx, slug)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("%w: slug %q", ErrNotFound, slug)
	}
	memo, err := LoadBlock[Memo](ctx, c.blockSource(), link.Cid)
	if err != nil {
		return nil, nil, err
	}
	body, err := ReadBody(ctx, c.blockSource(), memo.Body.Cid)
	if err != nil {
		return nil, nil, err
	}
	return memo, body, nil
}

// ResolvePetname returns the address book entry for petname at the current
// version.
func (c *SphereContext) ResolvePetname(ctx context.Context, petname string) (IdentityIpld, bool, error) {
	view, err := c.ToSphere(ctx)
	if err != nil {
		return IdentityIpld{}, false, err
	}
	return view.ResolvePetname(ctx, petname)
}

// blockSource returns the block store, routed through the gateway client's
// replication endpoint when one is configured so that locally missing
// blocks get one remote attempt.
func (c *SphereContext) blockSource() BlockStore {
	if c.client != nil {
		return WithBlockSource(c.storage.Blocks, c.client, c.logger.Logger)
	}
	return c.storage.Blocks
}

//---------------------------------------------------------------------
// Gateway binding
//---------------------------------------------------------------------

// SetNameRecordLifetime overrides the validity window of link records this
// context publishes while syncing.
func (c *SphereContext) SetNameRecordLifetime(lifetime time.Duration) {
	c.nameRecordLifetime = lifetime
}

func (c *SphereContext) recordLifetime() time.Duration {
	if c.nameRecordLifetime > 0 {
		return c.nameRecordLifetime
	}
	return defaultNameRecordLifetime
}

// ConfigureGateway persists the gateway URL; the client is initialized
// lazily on first use.
func (c *SphereContext) ConfigureGateway(ctx context.Context, url string) error {
	if err := c.storage.Keys.SetKey(ctx, KeyGatewayURL, url); err != nil {
		return err
	}
	c.client = nil
	return nil
}

// GatewayClient returns the configured gateway client, initializing it on
// first use by asking the gateway for its DID.
func (c *SphereContext) GatewayClient(ctx context.Context) (*Client, error) {
	if c.client != nil {
		return c.client, nil
	}
	var url string
	if err := c.storage.Keys.GetKey(ctx, KeyGatewayURL, &url); err != nil {
		return nil, fmt.Errorf("no gateway configured: %w", err)
	}
	client, err := NewGatewayClient(ctx, url, c.author, c.identity, c.tokens, c.logger.Logger)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}
