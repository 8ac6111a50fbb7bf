package core

// The client-side sync engine: bring the local sphere and its
// gateway-hosted counterpart into a consistent state, then advance both.
// One pass fetches the counterpart's new history, rebases any unpushed
// local commits over what the gateway has already integrated, and pushes
// the resulting lineage. Conflicts retry the whole cycle with backoff;
// a missing-history verdict falls back to pushing the full lineage once.

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ipfs/go-cid"
)

const (
	// syncConflictRetries bounds Conflict-driven repetitions of the cycle.
	syncConflictRetries = 3
	// defaultNameRecordLifetime bounds link records published during sync
	// unless the context is configured otherwise.
	defaultNameRecordLifetime = 24 * time.Hour
)

func syncBaseKey(identity Did) string {
	return fmt.Sprintf("sync_base:%s", identity)
}

// readCidKey reads an optional version pointer from the key/value store.
func readCidKey(ctx context.Context, keys KeyValueStore, name string) (cid.Cid, error) {
	var value string
	err := keys.GetKey(ctx, name, &value)
	if errors.Is(err, ErrNotFound) {
		return cid.Undef, nil
	}
	if err != nil {
		return cid.Undef, err
	}
	id, err := cid.Parse(value)
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: pointer %q: %v", ErrDecode, value, err)
	}
	return id, nil
}

// Sync runs the fetch/rebase/push cycle against the configured gateway and
// returns the local tip afterwards. Syncs and saves on this context are
// mutually serialized; no two syncs run concurrently for the same sphere.
func (c *SphereContext) Sync(ctx context.Context) (cid.Cid, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	attempt := func() error {
		err := c.syncOnce(ctx, false)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrMissingHistory) {
			// The gateway does not know our base: recover by sending the
			// full local history, once.
			c.logger.Warn("gateway is missing local history, pushing full lineage")
			if err := c.syncOnce(ctx, true); err != nil {
				return backoff.Permanent(err)
			}
			return nil
		}
		if IsRetryable(err) {
			c.logger.WithError(err).Info("sync conflict, retrying")
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), syncConflictRetries),
		ctx,
	)
	if err := backoff.Retry(attempt, policy); err != nil {
		return cid.Undef, err
	}
	return c.Version(ctx)
}

// syncOnce is one pass of the cycle. With fullHistory set, the push base is
// cleared so the entire lineage travels.
func (c *SphereContext) syncOnce(ctx context.Context, fullHistory bool) error {
	client, err := c.GatewayClient(ctx)
	if err != nil {
		return err
	}
	keys := c.storage.Keys
	blocks := c.storage.Blocks

	counterpart, err := c.counterpartIdentity(ctx, client)
	if err != nil {
		return err
	}

	// 1. Fetch the counterpart's delta since the last tip we saw.
	lastCounterpartTip, err := readCidKey(ctx, keys, string(counterpart))
	if err != nil {
		return err
	}
	counterpartTip, fetched, err := client.Fetch(ctx, lastCounterpartTip, blocks)
	if err != nil {
		return err
	}

	// 2. The fetched blocks are durable; advance the counterpart pointer.
	if err := keys.SetKey(ctx, string(counterpart), counterpartTip.String()); err != nil {
		return err
	}

	// The gateway tracks its own view of this sphere inside the
	// counterpart's content namespace, keyed by our identity.
	gatewayLocalTip, err := c.gatewayViewOfLocal(ctx, counterpartTip)
	if err != nil {
		return err
	}

	localTip, err := c.Version(ctx)
	if errors.Is(err, ErrNotFound) && gatewayLocalTip.Defined() {
		// A fresh workspace joining an existing sphere adopts the
		// gateway's view as its starting lineage.
		if err := c.setVersion(ctx, gatewayLocalTip); err != nil {
			return err
		}
		if err := keys.SetKey(ctx, syncBaseKey(c.identity), gatewayLocalTip.String()); err != nil {
			return err
		}
		localTip = gatewayLocalTip
		err = nil
	}
	if err != nil {
		return err
	}
	base, err := readCidKey(ctx, keys, syncBaseKey(c.identity))
	if err != nil {
		return err
	}
	if fullHistory {
		base = cid.Undef
	}

	// Fast-forward: the gateway integrated new history and we have nothing
	// unpushed, so just adopt its view of our sphere.
	if base.Equals(localTip) && gatewayLocalTip.Defined() && !gatewayLocalTip.Equals(localTip) {
		if err := c.setVersion(ctx, gatewayLocalTip); err != nil {
			return err
		}
		if err := keys.SetKey(ctx, syncBaseKey(c.identity), gatewayLocalTip.String()); err != nil {
			return err
		}
		localTip = gatewayLocalTip
		base = gatewayLocalTip
	}

	// 3. Rebase unpushed local commits over history the gateway has
	// integrated from elsewhere.
	if base.Defined() && gatewayLocalTip.Defined() && !gatewayLocalTip.Equals(base) && !base.Equals(localTip) {
		localTip, err = c.rebaseLocalHistory(ctx, localTip, base, gatewayLocalTip)
		if err != nil {
			return err
		}
		base = gatewayLocalTip
		if err := keys.SetKey(ctx, syncBaseKey(c.identity), base.String()); err != nil {
			return err
		}
	}

	// Idempotence: nothing local to push and nothing new fetched is a
	// no-op.
	if base.Equals(localTip) {
		if fetched == 0 && counterpartTip.Equals(lastCounterpartTip) {
			c.logger.Debug("sync is a no-op")
		}
		return nil
	}

	// 4. Push everything reachable from the local tip but not the base.
	body := &PushBody{Sphere: c.identity, LocalTip: NewRef(localTip)}
	if base.Defined() {
		ref := NewRef(base)
		body.LocalBase = &ref
	}
	if counterpartTip.Defined() {
		ref := NewRef(counterpartTip)
		body.CounterpartTip = &ref
	}
	if c.author.Did() == c.identity {
		record, err := IssueLinkRecord(c.author.Key, localTip, c.recordLifetime())
		if err != nil {
			return err
		}
		serialized := record.Jwt()
		body.NameRecord = &serialized
	}
	result, err := client.Push(ctx, body, blocks)
	if err != nil {
		return err
	}

	// 5. Success: the pushed tip becomes the new base, and the gateway's
	// commit becomes the counterpart tip once its blocks arrive.
	if err := keys.SetKey(ctx, syncBaseKey(c.identity), localTip.String()); err != nil {
		return err
	}
	if result.Accepted != nil {
		newTip, _, err := client.Fetch(ctx, counterpartTip, blocks)
		if err != nil {
			return err
		}
		if !newTip.Equals(result.Accepted.NewTip.Cid) {
			c.logger.WithField("expected", result.Accepted.NewTip.String()).
				WithField("fetched", newTip.String()).
				Debug("counterpart advanced again while syncing")
		}
		if err := keys.SetKey(ctx, string(counterpart), newTip.String()); err != nil {
			return err
		}
	}
	return nil
}

// counterpartIdentity resolves (and memoizes) the DID of the counterpart
// sphere the gateway manages for us.
func (c *SphereContext) counterpartIdentity(ctx context.Context, client *Client) (Did, error) {
	var counterpart Did
	err := c.storage.Keys.GetKey(ctx, KeyCounterpart, &counterpart)
	if err == nil {
		return counterpart, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	identity, err := client.Identify(ctx)
	if err != nil {
		return "", err
	}
	if err := c.storage.Keys.SetKey(ctx, KeyCounterpart, identity.Counterpart); err != nil {
		return "", err
	}
	return identity.Counterpart, nil
}

// gatewayViewOfLocal reads the counterpart's record of this sphere's tip.
func (c *SphereContext) gatewayViewOfLocal(ctx context.Context, counterpartTip cid.Cid) (cid.Cid, error) {
	if !counterpartTip.Defined() {
		return cid.Undef, nil
	}
	view, err := LoadSphereAt(ctx, c.storage.Blocks, counterpartTip)
	if err != nil {
		return cid.Undef, err
	}
	content, err := view.Content(ctx)
	if err != nil {
		return cid.Undef, err
	}
	link, ok, err := content.Get(ctx, string(c.identity))
	if err != nil || !ok {
		return cid.Undef, err
	}
	return link.Cid, nil
}

// rebaseLocalHistory re-derives the mutation behind every unpushed commit
// and replays it, in order, on top of the history the gateway has already
// integrated. The original revisions are kept in storage for diagnostics
// but the version pointer moves to the rebased lineage.
func (c *SphereContext) rebaseLocalHistory(ctx context.Context, localTip, base, onto cid.Cid) (cid.Cid, error) {
	timeline := NewTimeline(c.storage.Blocks)
	entries, err := timeline.SliceChronological(ctx, localTip, base)
	if err != nil {
		return cid.Undef, err
	}

	cursor, err := LoadSphereAt(ctx, c.storage.Blocks, onto)
	if err != nil {
		return cid.Undef, err
	}
	for _, entry := range entries {
		if entry.Cid.Equals(base) {
			continue
		}
		mutation, err := timeline.DeriveMutationAt(ctx, entry.Cid)
		if err != nil {
			return cid.Undef, err
		}
		mutation.Author = c.author.Did()
		version, _, err := cursor.Advance(ctx, mutation, c.author.Key, c.proofCid())
		if err != nil {
			return cid.Undef, err
		}
		c.logger.WithField("original", entry.Cid.String()).
			WithField("rebased", version.String()).
			Debug("rebased local revision")
		cursor, err = LoadSphereAt(ctx, c.storage.Blocks, version)
		if err != nil {
			return cid.Undef, err
		}
	}
	if err := c.setVersion(ctx, cursor.Cid()); err != nil {
		return cid.Undef, err
	}
	return cursor.Cid(), nil
}
