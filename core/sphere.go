package core

// The sphere data model and view layer. A sphere block composes the root
// identity with links to its three namespaces: content (slug → memo),
// identities (petname → peer identity) and authority (delegations +
// revocations). A revision is the id of a memo whose body decodes to a
// sphere block; the view pins one revision and mediates reads, mutation and
// the signed advance to the next revision.

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
)

// IdentityIpld is one entry in the petname address book.
type IdentityIpld struct {
	Did             Did  `cbor:"did"`
	LastKnownRecord *Ref `cbor:"last_known_record,omitempty"`
}

// DelegationIpld names a stored authorization token.
type DelegationIpld struct {
	Name string `cbor:"name"`
	Jwt  Ref    `cbor:"jwt"`
}

// AuthorityIpld groups the sphere's delegation and revocation namespaces.
type AuthorityIpld struct {
	Delegations Ref `cbor:"delegations"`
	Revocations Ref `cbor:"revocations"`
}

// SphereIpld is the stored sphere block.
type SphereIpld struct {
	Identity   Did `cbor:"identity"`
	Content    Ref `cbor:"content"`
	Identities Ref `cbor:"identities"`
	Authority  Ref `cbor:"authority"`
}

//---------------------------------------------------------------------
// View
//---------------------------------------------------------------------

// SphereView is a read/mutate handle over one sphere revision.
type SphereView struct {
	store   BlockStore
	version cid.Cid
	memo    *Memo
	body    *SphereIpld
}

// LoadSphereAt pins a view at the given revision.
func LoadSphereAt(ctx context.Context, store BlockStore, version cid.Cid) (*SphereView, error) {
	memo, err := LoadBlock[Memo](ctx, store, version)
	if err != nil {
		return nil, err
	}
	if contentType, _ := memo.ContentType(); contentType != ContentTypeSphere {
		return nil, fmt.Errorf("%w: %s is not a sphere memo (content type %q)",
			ErrDecode, version, contentType)
	}
	body, err := LoadBlock[SphereIpld](ctx, store, memo.Body.Cid)
	if err != nil {
		return nil, err
	}
	return &SphereView{store: store, version: version, memo: memo, body: body}, nil
}

// Cid returns the pinned revision id.
func (v *SphereView) Cid() cid.Cid { return v.version }

// Memo returns the revision's envelope.
func (v *SphereView) Memo() *Memo { return v.memo }

// Identity returns the sphere's immutable root identity.
func (v *SphereView) Identity() Did { return v.body.Identity }

// Parent returns the previous revision, if any.
func (v *SphereView) Parent() (cid.Cid, bool) {
	if v.memo.Parent == nil {
		return cid.Undef, false
	}
	return v.memo.Parent.Cid, true
}

// Content opens the slug → memo namespace at this revision.
func (v *SphereView) Content(ctx context.Context) (*VersionedMap[Link[Memo]], error) {
	return LoadVersionedMap[Link[Memo]](ctx, v.store, v.body.Content.Cid, v.body.Identity)
}

// Identities opens the petname → identity namespace at this revision.
func (v *SphereView) Identities(ctx context.Context) (*VersionedMap[IdentityIpld], error) {
	return LoadVersionedMap[IdentityIpld](ctx, v.store, v.body.Identities.Cid, v.body.Identity)
}

// Authority loads the delegation and revocation namespaces at this revision.
func (v *SphereView) Authority(ctx context.Context) (*VersionedMap[DelegationIpld], *VersionedMap[RevocationIpld], error) {
	authority, err := LoadBlock[AuthorityIpld](ctx, v.store, v.body.Authority.Cid)
	if err != nil {
		return nil, nil, err
	}
	delegations, err := LoadVersionedMap[DelegationIpld](ctx, v.store, authority.Delegations.Cid, v.body.Identity)
	if err != nil {
		return nil, nil, err
	}
	revocations, err := LoadVersionedMap[RevocationIpld](ctx, v.store, authority.Revocations.Cid, v.body.Identity)
	if err != nil {
		return nil, nil, err
	}
	return delegations, revocations, nil
}

// CollectRevocations gathers this revision's revocations for chain checks.
func (v *SphereView) CollectRevocations(ctx context.Context) (RevocationSet, error) {
	_, revocations, err := v.Authority(ctx)
	if err != nil {
		return nil, err
	}
	set := RevocationSet{}
	err = revocations.ForEach(ctx, func(_ string, revocation RevocationIpld) error {
		set.Add(&revocation)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

// ResolvePetname looks a petname up in the address book.
func (v *SphereView) ResolvePetname(ctx context.Context, petname string) (IdentityIpld, bool, error) {
	identities, err := v.Identities(ctx)
	if err != nil {
		return IdentityIpld{}, false, err
	}
	return identities.Get(ctx, petname)
}

//---------------------------------------------------------------------
// Mutation + advance
//---------------------------------------------------------------------

// ApplyMutation folds the buffered ops into fresh namespace revisions and
// returns the id of the next sphere block. Namespaces the mutation does not
// touch keep their previous revision; the sphere identity never changes.
func (v *SphereView) ApplyMutation(ctx context.Context, mutation *Mutation) (cid.Cid, error) {
	next := SphereIpld{
		Identity:   v.body.Identity,
		Content:    v.body.Content,
		Identities: v.body.Identities,
		Authority:  v.body.Authority,
	}

	if len(mutation.Content) > 0 {
		content, err := LoadVersionedMap[Link[Memo]](ctx, v.store, v.body.Content.Cid, mutation.Author)
		if err != nil {
			return cid.Undef, err
		}
		id, err := applyOperations(ctx, content, mutation.Content)
		if err != nil {
			return cid.Undef, err
		}
		next.Content = NewRef(id)
	}
	if len(mutation.Identities) > 0 {
		identities, err := LoadVersionedMap[IdentityIpld](ctx, v.store, v.body.Identities.Cid, mutation.Author)
		if err != nil {
			return cid.Undef, err
		}
		id, err := applyOperations(ctx, identities, mutation.Identities)
		if err != nil {
			return cid.Undef, err
		}
		next.Identities = NewRef(id)
	}
	if len(mutation.Delegations) > 0 || len(mutation.Revocations) > 0 {
		authority, err := LoadBlock[AuthorityIpld](ctx, v.store, v.body.Authority.Cid)
		if err != nil {
			return cid.Undef, err
		}
		nextAuthority := *authority
		if len(mutation.Delegations) > 0 {
			delegations, err := LoadVersionedMap[DelegationIpld](ctx, v.store, authority.Delegations.Cid, mutation.Author)
			if err != nil {
				return cid.Undef, err
			}
			id, err := applyOperations(ctx, delegations, mutation.Delegations)
			if err != nil {
				return cid.Undef, err
			}
			nextAuthority.Delegations = NewRef(id)
		}
		if len(mutation.Revocations) > 0 {
			revocations, err := LoadVersionedMap[RevocationIpld](ctx, v.store, authority.Revocations.Cid, mutation.Author)
			if err != nil {
				return cid.Undef, err
			}
			id, err := applyOperations(ctx, revocations, mutation.Revocations)
			if err != nil {
				return cid.Undef, err
			}
			nextAuthority.Revocations = NewRef(id)
		}
		id, err := SaveBlock(ctx, v.store, nextAuthority)
		if err != nil {
			return cid.Undef, err
		}
		next.Authority = NewRef(id)
	}

	return SaveBlock(ctx, v.store, next)
}

func applyOperations[V any](ctx context.Context, m *VersionedMap[V], ops []MapOperation[V]) (cid.Cid, error) {
	for _, op := range ops {
		switch op.Op {
		case MapOpAdd:
			m.Set(op.Key, *op.Value)
		case MapOpRemove:
			m.Remove(op.Key)
		default:
			return cid.Undef, fmt.Errorf("%w: unknown map op %q", ErrDecode, op.Op)
		}
	}
	return m.Flush(ctx)
}

// Advance applies the mutation, wraps the next sphere block in a memo
// parented at this revision, signs it as author (attaching the delegation id
// as Proof when present) and persists it. It returns the next revision id.
func (v *SphereView) Advance(ctx context.Context, mutation *Mutation, author KeyMaterial, proof *cid.Cid) (cid.Cid, *Memo, error) {
	body, err := v.ApplyMutation(ctx, mutation)
	if err != nil {
		return cid.Undef, nil, err
	}
	memo := NewMemo(body, ContentTypeSphere)
	memo.Parent = LinkTo[Memo](v.version)
	if err := memo.Sign(author, proof); err != nil {
		return cid.Undef, nil, err
	}
	version, err := SaveBlock(ctx, v.store, memo)
	if err != nil {
		return cid.Undef, nil, err
	}
	return version, memo, nil
}

// DeriveMutation reconstructs the mutation that produced this revision by
// reading the changelogs of every namespace whose revision differs from the
// parent's. A genesis revision derives an empty mutation.
func (v *SphereView) DeriveMutation(ctx context.Context) (*Mutation, error) {
	mutation := NewMutation(v.body.Identity)
	parentVersion, ok := v.Parent()
	if !ok {
		return mutation, nil
	}
	parent, err := LoadSphereAt(ctx, v.store, parentVersion)
	if err != nil {
		return nil, err
	}

	if !v.body.Content.Equals(parent.body.Content) {
		content, err := v.Content(ctx)
		if err != nil {
			return nil, err
		}
		changelog, err := content.Changelog(ctx)
		if err != nil {
			return nil, err
		}
		mutation.Author = changelog.Author
		mutation.Content = changelog.Changes
	}
	if !v.body.Identities.Equals(parent.body.Identities) {
		identities, err := v.Identities(ctx)
		if err != nil {
			return nil, err
		}
		changelog, err := identities.Changelog(ctx)
		if err != nil {
			return nil, err
		}
		mutation.Author = changelog.Author
		mutation.Identities = changelog.Changes
	}
	if !v.body.Authority.Equals(parent.body.Authority) {
		delegations, revocations, err := v.Authority(ctx)
		if err != nil {
			return nil, err
		}
		delegationLog, err := delegations.Changelog(ctx)
		if err != nil {
			return nil, err
		}
		if !delegationLog.IsEmpty() {
			mutation.Author = delegationLog.Author
			mutation.Delegations = delegationLog.Changes
		}
		revocationLog, err := revocations.Changelog(ctx)
		if err != nil {
			return nil, err
		}
		if !revocationLog.IsEmpty() {
			mutation.Author = revocationLog.Author
			mutation.Revocations = revocationLog.Changes
		}
	}
	return mutation, nil
}

//---------------------------------------------------------------------
// Genesis
//---------------------------------------------------------------------

// GenerateSphere mints a fresh sphere: a new root keypair, empty
// namespaces, and a genesis memo signed by the root. The recovery mnemonic
// encodes the root key and is returned exactly once, here.
func GenerateSphere(ctx context.Context, store BlockStore) (*SphereView, *Ed25519KeyMaterial, string, error) {
	rootKey, err := GenerateEd25519Key()
	if err != nil {
		return nil, nil, "", err
	}
	mnemonic, err := MnemonicFromKey(rootKey)
	if err != nil {
		return nil, nil, "", err
	}
	view, err := generateSphereWithKey(ctx, store, rootKey)
	if err != nil {
		return nil, nil, "", err
	}
	return view, rootKey, mnemonic, nil
}

func generateSphereWithKey(ctx context.Context, store BlockStore, rootKey *Ed25519KeyMaterial) (*SphereView, error) {
	identity := rootKey.Did()

	content, err := NewVersionedMap[Link[Memo]](store, identity).Flush(ctx)
	if err != nil {
		return nil, err
	}
	identities, err := NewVersionedMap[IdentityIpld](store, identity).Flush(ctx)
	if err != nil {
		return nil, err
	}
	delegations, err := NewVersionedMap[DelegationIpld](store, identity).Flush(ctx)
	if err != nil {
		return nil, err
	}
	revocations, err := NewVersionedMap[RevocationIpld](store, identity).Flush(ctx)
	if err != nil {
		return nil, err
	}
	authority, err := SaveBlock(ctx, store, AuthorityIpld{
		Delegations: NewRef(delegations),
		Revocations: NewRef(revocations),
	})
	if err != nil {
		return nil, err
	}
	body, err := SaveBlock(ctx, store, SphereIpld{
		Identity:   identity,
		Content:    NewRef(content),
		Identities: NewRef(identities),
		Authority:  NewRef(authority),
	})
	if err != nil {
		return nil, err
	}

	memo := NewMemo(body, ContentTypeSphere)
	if err := memo.Sign(rootKey, nil); err != nil {
		return nil, err
	}
	version, err := SaveBlock(ctx, store, memo)
	if err != nil {
		return nil, err
	}
	return LoadSphereAt(ctx, store, version)
}
