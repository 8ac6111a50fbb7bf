package core

// Hash-addressed references between blocks. A Ref is a bare content address;
// a Link additionally asserts the Go type the referenced block decodes to.
// Links are compared by identifier only.
//
// On the wire both encode as the IPLD convention for content addresses in
// CBOR: tag 42 wrapping the identity-prefixed binary form of the identifier.

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
)

const cidCborTag = 42

// Ref is an untyped reference to a block by its content address.
type Ref struct {
	cid.Cid
}

// NewRef wraps a content identifier in a Ref.
func NewRef(c cid.Cid) Ref {
	return Ref{Cid: c}
}

// ParseRef parses the canonical string form of a content identifier.
func ParseRef(s string) (Ref, error) {
	c, err := cid.Parse(s)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: parse ref %q: %v", ErrDecode, s, err)
	}
	return Ref{Cid: c}, nil
}

// Equals reports identifier equality.
func (r Ref) Equals(other Ref) bool {
	return r.Cid.Equals(other.Cid)
}

// MarshalCBOR encodes the reference as tag 42 over the identity-prefixed
// binary identifier.
func (r Ref) MarshalCBOR() ([]byte, error) {
	if !r.Defined() {
		return nil, fmt.Errorf("%w: cannot encode undefined ref", ErrInternal)
	}
	content := append([]byte{0x00}, r.Bytes()...)
	var buf bytes.Buffer
	buf.WriteByte(0xd8)
	buf.WriteByte(cidCborTag)
	n := len(content)
	switch {
	case n < 24:
		buf.WriteByte(0x40 | byte(n))
	case n < 256:
		buf.WriteByte(0x58)
		buf.WriteByte(byte(n))
	default:
		buf.WriteByte(0x59)
		buf.WriteByte(byte(n >> 8))
		buf.WriteByte(byte(n))
	}
	buf.Write(content)
	return buf.Bytes(), nil
}

// UnmarshalCBOR decodes a tag-42 content address.
func (r *Ref) UnmarshalCBOR(data []byte) error {
	var tag cbor.Tag
	if err := cbor.Unmarshal(data, &tag); err != nil {
		return fmt.Errorf("%w: ref: %v", ErrDecode, err)
	}
	if tag.Number != cidCborTag {
		return fmt.Errorf("%w: ref: unexpected tag %d", ErrDecode, tag.Number)
	}
	raw, ok := tag.Content.([]byte)
	if !ok || len(raw) < 2 || raw[0] != 0x00 {
		return fmt.Errorf("%w: ref: malformed tag content", ErrDecode)
	}
	c, err := cid.Cast(raw[1:])
	if err != nil {
		return fmt.Errorf("%w: ref: %v", ErrDecode, err)
	}
	r.Cid = c
	return nil
}

// Link is a typed wrapper over a content address, asserting that the
// pointed-to block decodes as T.
type Link[T any] struct {
	Ref
}

// NewLink wraps a content identifier in a typed link.
func NewLink[T any](c cid.Cid) Link[T] {
	return Link[T]{Ref: NewRef(c)}
}

// LinkTo is a convenience for taking the address of a typed link, used for
// optional link fields.
func LinkTo[T any](c cid.Cid) *Link[T] {
	l := NewLink[T](c)
	return &l
}
