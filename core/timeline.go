package core

// Timeline traversal over the parent links of a lineage: slices between two
// versions, ancestry checks, and reconstruction of the mutation behind any
// revision.

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
)

// Timeline walks memo lineages in a block store.
type Timeline struct {
	store BlockStore
}

// NewTimeline builds a timeline over store.
func NewTimeline(store BlockStore) Timeline {
	return Timeline{store: store}
}

// TimelineEntry pairs a revision id with its memo.
type TimelineEntry struct {
	Cid  cid.Cid
	Memo *Memo
}

// Stream yields memos from `from` walking parent links until `to`,
// inclusive. An undefined `to` walks to genesis. It errors if `to` is never
// reached, i.e. is not an ancestor of `from`.
func (t Timeline) Stream(ctx context.Context, from, to cid.Cid, fn func(cid.Cid, *Memo) error) error {
	cursor := from
	for {
		memo, err := LoadBlock[Memo](ctx, t.store, cursor)
		if err != nil {
			return err
		}
		if err := fn(cursor, memo); err != nil {
			return err
		}
		if to.Defined() && cursor.Equals(to) {
			return nil
		}
		if memo.Parent == nil {
			if to.Defined() {
				return fmt.Errorf("%w: %s is not an ancestor of %s", ErrMissingHistory, to, from)
			}
			return nil
		}
		cursor = memo.Parent.Cid
	}
}

// Slice collects the stream newest-first.
func (t Timeline) Slice(ctx context.Context, from, to cid.Cid) ([]TimelineEntry, error) {
	var entries []TimelineEntry
	err := t.Stream(ctx, from, to, func(id cid.Cid, memo *Memo) error {
		entries = append(entries, TimelineEntry{Cid: id, Memo: memo})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// SliceChronological collects the stream oldest-first, as rebase and history
// display consume it.
func (t Timeline) SliceChronological(ctx context.Context, from, to cid.Cid) ([]TimelineEntry, error) {
	entries, err := t.Slice(ctx, from, to)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// IsAncestor reports whether ancestor appears in descendant's lineage
// (a version is its own ancestor).
func (t Timeline) IsAncestor(ctx context.Context, ancestor, descendant cid.Cid) (bool, error) {
	found := false
	err := t.Stream(ctx, descendant, cid.Undef, func(id cid.Cid, _ *Memo) error {
		if id.Equals(ancestor) {
			found = true
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// DeriveMutationAt reconstructs the mutation that produced the given sphere
// revision by diffing it against its parent, namespace by namespace.
func (t Timeline) DeriveMutationAt(ctx context.Context, version cid.Cid) (*Mutation, error) {
	view, err := LoadSphereAt(ctx, t.store, version)
	if err != nil {
		return nil, err
	}
	return view.DeriveMutation(ctx)
}
