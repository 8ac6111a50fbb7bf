package core

// Memos: the signed envelope wrapping every revision of named content and of
// the sphere itself. A memo pairs an optional parent link (previous revision
// in the lineage), an ordered header list and a body link. Header names are
// case-insensitive; lookups return the first value.

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
)

// Well-known memo headers.
const (
	HeaderContentType   = "Content-Type"
	HeaderVersion       = "Version"
	HeaderSignature     = "Signature"
	HeaderProof         = "Proof"
	HeaderFileExtension = "File-Extension"
)

// MemoVersion is stamped into the Version header of every new memo.
const MemoVersion = "0.17"

// Content types understood by the view layer.
const (
	ContentTypeSphere  = "noo/sphere"
	ContentTypeText    = "text/plain"
	ContentTypeSubtext = "text/subtext"
	ContentTypeBytes   = "raw/bytes"
	ContentTypeCbor    = "application/cbor"
	ContentTypeJson    = "application/json"
)

// Header is one (name, value) pair.
type Header struct {
	Name  string `cbor:"name"`
	Value string `cbor:"value"`
}

// Memo is a signed envelope around an arbitrary body.
type Memo struct {
	Parent  *Link[Memo] `cbor:"parent,omitempty"`
	Headers []Header    `cbor:"headers"`
	Body    Ref         `cbor:"body"`
}

// NewMemo builds an unsigned memo for body with the standard headers.
func NewMemo(body cid.Cid, contentType string) *Memo {
	return &Memo{
		Headers: []Header{
			{Name: HeaderContentType, Value: contentType},
			{Name: HeaderVersion, Value: MemoVersion},
		},
		Body: NewRef(body),
	}
}

// IsGenesis reports whether the memo starts a lineage.
func (m *Memo) IsGenesis() bool { return m.Parent == nil }

// GetHeader returns the first value of the named header, matching
// case-insensitively.
func (m *Memo) GetHeader(name string) (string, bool) {
	for _, header := range m.Headers {
		if strings.EqualFold(header.Name, name) {
			return header.Value, true
		}
	}
	return "", false
}

// GetAllHeaders returns every value of the named header in order.
func (m *Memo) GetAllHeaders(name string) []string {
	var values []string
	for _, header := range m.Headers {
		if strings.EqualFold(header.Name, name) {
			values = append(values, header.Value)
		}
	}
	return values
}

// SetHeader replaces the first occurrence of the named header or appends it.
func (m *Memo) SetHeader(name, value string) {
	for i, header := range m.Headers {
		if strings.EqualFold(header.Name, name) {
			m.Headers[i].Value = value
			return
		}
	}
	m.Headers = append(m.Headers, Header{Name: name, Value: value})
}

// RemoveHeader drops every occurrence of the named header.
func (m *Memo) RemoveHeader(name string) {
	kept := m.Headers[:0]
	for _, header := range m.Headers {
		if !strings.EqualFold(header.Name, name) {
			kept = append(kept, header)
		}
	}
	m.Headers = kept
}

// ContentType returns the memo's content type header.
func (m *Memo) ContentType() (string, bool) {
	return m.GetHeader(HeaderContentType)
}

//---------------------------------------------------------------------
// Signing
//---------------------------------------------------------------------

// Sign signs the memo's body identifier under key. When the signer acts
// under a delegation, proof carries the delegation token's id and is
// recorded in the Proof header so that verifiers and replicators can
// resolve it from block storage.
func (m *Memo) Sign(key KeyMaterial, proof *cid.Cid) error {
	signature, err := key.Sign(m.Body.Bytes())
	if err != nil {
		return fmt.Errorf("%w: sign memo: %v", ErrSignature, err)
	}
	m.SetHeader(HeaderSignature, base64.RawURLEncoding.EncodeToString(signature))
	if proof != nil {
		m.SetHeader(HeaderProof, proof.String())
	} else {
		m.RemoveHeader(HeaderProof)
	}
	return nil
}

// ProofCid returns the id of the delegation referenced by the Proof header.
func (m *Memo) ProofCid() (cid.Cid, bool, error) {
	value, ok := m.GetHeader(HeaderProof)
	if !ok {
		return cid.Undef, false, nil
	}
	id, err := cid.Parse(value)
	if err != nil {
		return cid.Undef, false, fmt.Errorf("%w: proof header %q: %v", ErrDecode, value, err)
	}
	return id, true, nil
}

// Verify checks the memo's signature against the sphere's root identity.
// With no Proof header the root itself must be the signer; with one, the
// proof token's audience must have signed and the token's chain must enable
// sphere/push on the sphere, originating from the root.
func (m *Memo) Verify(ctx context.Context, tokens TokenStore, rootIdentity Did, revocations RevocationSet) error {
	encodedSignature, ok := m.GetHeader(HeaderSignature)
	if !ok {
		return fmt.Errorf("%w: memo has no signature header", ErrSignature)
	}
	signature, err := base64.RawURLEncoding.DecodeString(encodedSignature)
	if err != nil {
		return fmt.Errorf("%w: signature header: %v", ErrSignature, err)
	}

	proofID, hasProof, err := m.ProofCid()
	if err != nil {
		return err
	}
	if !hasProof {
		return VerifyRawSignature(rootIdentity, m.Body.Bytes(), signature)
	}

	serialized, err := tokens.RequireToken(ctx, proofID)
	if err != nil {
		return fmt.Errorf("resolve memo proof %s: %w", proofID, err)
	}
	proof, err := ParseUcan(serialized)
	if err != nil {
		return err
	}
	if err := VerifyRawSignature(proof.Audience, m.Body.Bytes(), signature); err != nil {
		return err
	}
	chain, err := buildProofChain(ctx, tokens, proof, revocations, nil, time.Now())
	if err != nil {
		return err
	}
	return chain.VerifyCapability(
		SphereCapability(rootIdentity, SphereActionPush),
		rootIdentity,
	)
}
