package core

// Body chunking. Arbitrary byte bodies are stored as a singly linked list of
// chunks, each at most 512 KiB, split at content-defined boundaries by a
// rolling hash so that small edits re-chunk locally instead of shifting
// every downstream block. The identifier of the first chunk is the body
// identifier referenced by memos wrapping raw content.

import (
	"context"
	"io"

	"github.com/ipfs/go-cid"
)

const (
	// BodyChunkMaxSize caps a single chunk.
	BodyChunkMaxSize = 512 * 1024
	// bodyChunkMinSize stops the rolling hash from producing confetti.
	bodyChunkMinSize = 16 * 1024
	// bodyChunkMask targets an average chunk of ~256 KiB.
	bodyChunkMask = (1 << 18) - 1

	rollingWindow = 64
)

// BodyChunkIpld is one element of a body's chunk chain.
type BodyChunkIpld struct {
	Bytes []byte               `cbor:"bytes"`
	Next  *Link[BodyChunkIpld] `cbor:"next,omitempty"`
}

// chunkBoundaries splits data into content-defined spans. Boundaries fall
// where the rolling sum of mixed byte values over the trailing window
// matches the mask, clamped between the minimum and maximum chunk sizes.
func chunkBoundaries(data []byte) [][]byte {
	if len(data) == 0 {
		return [][]byte{data}
	}
	// mix spreads each byte value over the whole word so that the window sum
	// can reach the mask's bit pattern.
	mix := func(b byte) uint32 {
		x := (uint32(b) + 1) * 0x9E3779B1
		x ^= x >> 15
		return x * 0x85EBCA77
	}
	var spans [][]byte
	start := 0
	var sum uint32
	for i := range data {
		sum += mix(data[i])
		if i-start >= rollingWindow {
			sum -= mix(data[i-rollingWindow])
		}
		length := i - start + 1
		atBoundary := length >= bodyChunkMinSize && sum&bodyChunkMask == bodyChunkMask
		if atBoundary || length >= BodyChunkMaxSize {
			spans = append(spans, data[start:i+1])
			start = i + 1
			sum = 0
		}
	}
	if start < len(data) {
		spans = append(spans, data[start:])
	}
	return spans
}

// WriteBody chunks the reader's bytes into storage and returns the body
// identifier (the id of the first chunk).
func WriteBody(ctx context.Context, store BlockStore, r io.Reader) (cid.Cid, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return cid.Undef, err
	}
	return WriteBodyBytes(ctx, store, data)
}

// WriteBodyBytes chunks data into storage and returns the body identifier.
// Chunks link forward, so they are written last-to-first.
func WriteBodyBytes(ctx context.Context, store BlockStore, data []byte) (cid.Cid, error) {
	spans := chunkBoundaries(data)
	var next *Link[BodyChunkIpld]
	var id cid.Cid
	for i := len(spans) - 1; i >= 0; i-- {
		chunk := BodyChunkIpld{Bytes: spans[i], Next: next}
		written, err := SaveBlock(ctx, store, chunk)
		if err != nil {
			return cid.Undef, err
		}
		id = written
		next = LinkTo[BodyChunkIpld](written)
	}
	return id, nil
}

// ReadBody reassembles a chunk chain into one byte slice.
func ReadBody(ctx context.Context, store BlockStore, body cid.Cid) ([]byte, error) {
	var out []byte
	next := &body
	for next != nil {
		chunk, err := LoadBlock[BodyChunkIpld](ctx, store, *next)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk.Bytes...)
		if chunk.Next != nil {
			id := chunk.Next.Cid
			next = &id
		} else {
			next = nil
		}
	}
	return out, nil
}
