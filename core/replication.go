package core

// Replication: set-difference streaming of sphere history.
//
// Given a DAG root and an optional "since" root, the walk visits every block
// reachable from the root but not from since — parent memos, body-chunk
// chains, versioned-map indexes and changelogs, and the UCAN proof blocks
// referenced by memo Proof headers — and emits them as a framed stream. A
// BlockStoreTap tees the traversal's reads into a bounded channel whose
// receiver drives the stream writer, so a slow consumer applies
// backpressure to the walk.

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	log "github.com/sirupsen/logrus"
)

// streamChannelCapacity bounds the frames pending between the traversal and
// the stream writer.
const streamChannelCapacity = 16

// BlockSource replicates missing blocks from an external collaborator (for
// example an IPFS client).
type BlockSource interface {
	RequestBlock(ctx context.Context, id cid.Cid) ([]byte, error)
}

//---------------------------------------------------------------------
// Traversal
//---------------------------------------------------------------------

// blockReferences lists the ids a block points at, preferring the indexed
// links and falling back to a scan. Memos additionally reference the
// delegation token named by their Proof header.
func blockReferences(ctx context.Context, store BlockStore, id cid.Cid, data []byte) ([]cid.Cid, error) {
	links, err := store.GetBlockLinks(ctx, id)
	if err != nil {
		return nil, err
	}
	if links == nil {
		if links, err = ScanLinks(id.Prefix().Codec, data); err != nil {
			return nil, err
		}
	}
	if id.Prefix().Codec == CodecDagCbor {
		var memo Memo
		if err := DecodeCanonical(data, &memo); err == nil && len(memo.Headers) > 0 {
			if proofID, ok, err := memo.ProofCid(); err == nil && ok {
				links = append(links, proofID)
			}
		}
	}
	return links, nil
}

// ForEachReachable walks the DAG depth-first from root, skipping any id in
// skip, and calls fn for every block in visit order.
func ForEachReachable(
	ctx context.Context,
	store BlockStore,
	root cid.Cid,
	skip map[cid.Cid]struct{},
	fn func(id cid.Cid, data []byte) error,
) error {
	seen := map[cid.Cid]struct{}{}
	var walk func(id cid.Cid) error
	walk = func(id cid.Cid) error {
		if _, ok := seen[id]; ok {
			return nil
		}
		seen[id] = struct{}{}
		if skip != nil {
			if _, ok := skip[id]; ok {
				return nil
			}
		}
		data, err := store.GetBlock(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(id, data); err != nil {
			return err
		}
		references, err := blockReferences(ctx, store, id, data)
		if err != nil {
			return err
		}
		for _, reference := range references {
			if err := walk(reference); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(root)
}

// ReachableSet collects the ids reachable from root. Blocks missing from
// the store bound the walk rather than failing it: the set is used to
// subtract already-transferred history, and an absent block is by
// definition not transferable again.
func ReachableSet(ctx context.Context, store BlockStore, root cid.Cid) (map[cid.Cid]struct{}, error) {
	set := map[cid.Cid]struct{}{}
	var walk func(id cid.Cid) error
	walk = func(id cid.Cid) error {
		if _, ok := set[id]; ok {
			return nil
		}
		data, err := store.GetBlock(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		set[id] = struct{}{}
		references, err := blockReferences(ctx, store, id, data)
		if err != nil {
			return err
		}
		for _, reference := range references {
			if err := walk(reference); err != nil {
				return err
			}
		}
		return nil
	}
	if root.Defined() {
		if err := walk(root); err != nil {
			return nil, err
		}
	}
	return set, nil
}

//---------------------------------------------------------------------
// Streaming
//---------------------------------------------------------------------

// WriteBlockStream emits reachable(root) − reachable(since) as a framed
// stream onto w, with root declared as the stream's root.
func WriteBlockStream(ctx context.Context, store BlockStore, w io.Writer, root cid.Cid, since cid.Cid) error {
	skip, err := ReachableSet(ctx, store, since)
	if err != nil {
		return err
	}

	tap := NewBlockStoreTap(store, streamChannelCapacity)
	walkErr := make(chan error, 1)
	walkCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer tap.Close()
		walkErr <- ForEachReachable(walkCtx, tap, root, skip, func(cid.Cid, []byte) error {
			return nil
		})
	}()

	writer, err := NewCarWriter(w, []cid.Cid{root})
	if err != nil {
		cancel()
		<-walkErr
		return err
	}
	for frame := range tap.Blocks() {
		if err := writer.WriteBlock(frame.Cid, frame.Bytes); err != nil {
			cancel()
			<-walkErr
			return err
		}
	}
	return <-walkErr
}

// ReadBlockStream drains a framed stream into the store, indexing links as
// blocks arrive, and returns the stream's declared roots.
func ReadBlockStream(ctx context.Context, store BlockStore, r io.Reader) ([]cid.Cid, int, error) {
	reader, err := NewCarReader(r)
	if err != nil {
		return nil, 0, err
	}
	count := 0
	for {
		id, data, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, count, err
		}
		if err := store.PutBlock(ctx, id, data); err != nil {
			return nil, count, err
		}
		if err := store.PutLinks(ctx, id, data); err != nil {
			return nil, count, err
		}
		count++
	}
	return reader.Roots(), count, nil
}

//---------------------------------------------------------------------
// Remote resolution
//---------------------------------------------------------------------

type resolvingBlockStore struct {
	BlockStore
	source BlockSource
	log    *log.Logger
}

// WithBlockSource wraps a store so that a missing block triggers one
// replication attempt through source. A repeated miss surfaces as
// ErrMissingHistory.
func WithBlockSource(store BlockStore, source BlockSource, logger *log.Logger) BlockStore {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &resolvingBlockStore{BlockStore: store, source: source, log: logger}
}

func (s *resolvingBlockStore) GetBlock(ctx context.Context, id cid.Cid) ([]byte, error) {
	data, err := s.BlockStore.GetBlock(ctx, id)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return data, err
	}
	s.log.WithField("cid", id.String()).Debug("block missing locally, trying block source")
	data, sourceErr := s.source.RequestBlock(ctx, id)
	if sourceErr != nil {
		return nil, fmt.Errorf("%w: block %s unavailable locally and from source", ErrMissingHistory, id)
	}
	if err := s.BlockStore.PutBlock(ctx, id, data); err != nil {
		return nil, err
	}
	if err := s.BlockStore.PutLinks(ctx, id, data); err != nil {
		return nil, err
	}
	return data, nil
}
