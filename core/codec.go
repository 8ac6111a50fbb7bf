package core

// Canonical block encoding and identifier derivation.
//
// Structured blocks use deterministic CBOR (canonical key order, shortest
// forms, no indefinite lengths) addressed under the dag-cbor codec; body
// chunks are structured blocks that carry their payload as a byte string.
// Opaque byte payloads such as UCAN JWTs are addressed under the raw
// codec. Identifiers are CIDv1 with a SHA2-256 multihash and are stable
// across runs and implementations.

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// Codecs understood by the block layer.
const (
	CodecDagCbor uint64 = 0x71
	CodecRaw     uint64 = 0x55
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	cborDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// EncodeCanonical serializes v under the deterministic CBOR codec.
func EncodeCanonical(v any) ([]byte, error) {
	data, err := cborEnc.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %v", ErrInternal, err)
	}
	return data, nil
}

// DecodeCanonical deserializes deterministic CBOR into out.
func DecodeCanonical(data []byte, out any) error {
	if err := cborDec.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

// CidForBytes derives the content identifier of data under the given codec.
func CidForBytes(codec uint64, data []byte) (cid.Cid, error) {
	hash, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: hash: %v", ErrInternal, err)
	}
	return cid.NewCidV1(codec, hash), nil
}

// SaveBlock canonically encodes v, stores it and indexes its outgoing links.
func SaveBlock(ctx context.Context, store BlockStore, v any) (cid.Cid, error) {
	data, err := EncodeCanonical(v)
	if err != nil {
		return cid.Undef, err
	}
	id, err := CidForBytes(CodecDagCbor, data)
	if err != nil {
		return cid.Undef, err
	}
	if err := store.PutBlock(ctx, id, data); err != nil {
		return cid.Undef, err
	}
	if err := store.PutLinks(ctx, id, data); err != nil {
		return cid.Undef, err
	}
	return id, nil
}

// LoadBlock fetches and decodes a structured block as T.
func LoadBlock[T any](ctx context.Context, store BlockStore, id cid.Cid) (*T, error) {
	if id.Prefix().Codec != CodecDagCbor {
		return nil, fmt.Errorf("%w: %s is not a structured block", ErrDecode, id)
	}
	data, err := store.GetBlock(ctx, id)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := DecodeCanonical(data, out); err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	return out, nil
}

// SaveRawBlock stores opaque bytes under the raw codec.
func SaveRawBlock(ctx context.Context, store BlockStore, data []byte) (cid.Cid, error) {
	id, err := CidForBytes(CodecRaw, data)
	if err != nil {
		return cid.Undef, err
	}
	if err := store.PutBlock(ctx, id, data); err != nil {
		return cid.Undef, err
	}
	return id, nil
}

// LoadRawBlock fetches opaque bytes stored under the raw codec.
func LoadRawBlock(ctx context.Context, store BlockStore, id cid.Cid) ([]byte, error) {
	if id.Prefix().Codec != CodecRaw {
		return nil, fmt.Errorf("%w: %s is not a raw block", ErrDecode, id)
	}
	return store.GetBlock(ctx, id)
}

// ScanLinks extracts every content address referenced by an encoded block.
// Raw blocks reference nothing; structured blocks are walked for tag-42
// values.
func ScanLinks(codec uint64, data []byte) ([]cid.Cid, error) {
	if codec != CodecDagCbor {
		return nil, nil
	}
	var value any
	if err := cborDec.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("%w: scan links: %v", ErrDecode, err)
	}
	var links []cid.Cid
	collectLinks(value, &links)
	return links, nil
}

func collectLinks(value any, out *[]cid.Cid) {
	switch v := value.(type) {
	case cbor.Tag:
		if v.Number == cidCborTag {
			if raw, ok := v.Content.([]byte); ok && len(raw) > 1 && raw[0] == 0x00 {
				if c, err := cid.Cast(raw[1:]); err == nil {
					*out = append(*out, c)
				}
			}
			return
		}
		collectLinks(v.Content, out)
	case []any:
		for _, item := range v {
			collectLinks(item, out)
		}
	case map[any]any:
		for _, item := range v {
			collectLinks(item, out)
		}
	case map[string]any:
		for _, item := range v {
			collectLinks(item, out)
		}
	}
}
