package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRefCborRoundTrip(t *testing.T) {
	id, err := CidForBytes(CodecRaw, []byte("linked"))
	require.NoError(t, err)
	ref := NewRef(id)

	encoded, err := EncodeCanonical(ref)
	require.NoError(t, err)
	var decoded Ref
	require.NoError(t, DecodeCanonical(encoded, &decoded))
	require.True(t, decoded.Equals(ref))
}

func TestRefEncodingIsStable(t *testing.T) {
	id, err := CidForBytes(CodecDagCbor, []byte{0xa0})
	require.NoError(t, err)

	first, err := EncodeCanonical(NewRef(id))
	require.NoError(t, err)
	second, err := EncodeCanonical(NewRef(id))
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestScanLinksFindsNestedRefs(t *testing.T) {
	inner, err := CidForBytes(CodecRaw, []byte("a"))
	require.NoError(t, err)
	other, err := CidForBytes(CodecRaw, []byte("b"))
	require.NoError(t, err)

	type nested struct {
		One  Ref   `cbor:"one"`
		Many []Ref `cbor:"many"`
	}
	encoded, err := EncodeCanonical(nested{One: NewRef(inner), Many: []Ref{NewRef(other)}})
	require.NoError(t, err)

	links, err := ScanLinks(CodecDagCbor, encoded)
	require.NoError(t, err)
	require.Len(t, links, 2)
}

func TestScanLinksIgnoresRawBlocks(t *testing.T) {
	links, err := ScanLinks(CodecRaw, []byte("raw bytes, not cbor"))
	require.NoError(t, err)
	require.Empty(t, links)
}

func TestParseRef(t *testing.T) {
	id, err := CidForBytes(CodecRaw, []byte("parse me"))
	require.NoError(t, err)
	parsed, err := ParseRef(id.String())
	require.NoError(t, err)
	require.True(t, parsed.Equals(NewRef(id)))

	_, err = ParseRef("not-a-cid")
	require.ErrorIs(t, err, ErrDecode)
}
