// Package twinstore implements the durable twin store (C4, spec
// §4.3): get/put of whole twins plus desired/reported patch
// application, each mutation serialized under the twin's key lock.
package twinstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"twingate/edge-gateway/internal/jsonmerge"
	"twingate/edge-gateway/internal/kvstore"
	"twingate/edge-gateway/internal/lock"
	"twingate/edge-gateway/internal/model"
)

const keyPrefix = "twin/"

func key(id string) string {
	return keyPrefix + id
}

// Store is the durable twin store.
type Store struct {
	kv    kvstore.Store
	locks *lock.Table
}

// New constructs a Store persisting through kv, using locks to
// serialize per-id mutations.
func New(kv kvstore.Store, locks *lock.Table) *Store {
	return &Store{kv: kv, locks: locks}
}

// Get reads the durable twin for id, if any.
func (s *Store) Get(ctx context.Context, id string) (model.Twin, bool, error) {
	raw, ok, err := s.kv.Get(ctx, key(id))
	if err != nil {
		return model.Twin{}, false, fmt.Errorf("get twin %q: %w", id, err)
	}
	if !ok {
		return model.Twin{}, false, nil
	}

	var t model.Twin
	if err := json.Unmarshal(raw, &t); err != nil {
		return model.Twin{}, false, fmt.Errorf("decode twin %q: %w", id, err)
	}
	return t, true, nil
}

// Put replaces the durable state for id atomically.
func (s *Store) Put(ctx context.Context, twin model.Twin) error {
	g := s.locks.Acquire(twin.ID)
	defer g.Release()
	return s.putLocked(ctx, twin)
}

// GetUnlocked and PutUnlocked read/write durable state without
// acquiring id's lock, for callers — the twin manager's
// resync-and-fanout — that already hold it from the same lock.Table
// passed to New.
func (s *Store) GetUnlocked(ctx context.Context, id string) (model.Twin, bool, error) {
	return s.getUnlocked(ctx, id)
}

func (s *Store) PutUnlocked(ctx context.Context, twin model.Twin) error {
	return s.putLocked(ctx, twin)
}

// Locks exposes the lock table twin state is serialized under, so the
// twin manager can acquire the same per-id lock before calling the
// Unlocked variants above.
func (s *Store) Locks() *lock.Table {
	return s.locks
}

func (s *Store) putLocked(ctx context.Context, twin model.Twin) error {
	raw, err := json.Marshal(twin)
	if err != nil {
		return fmt.Errorf("encode twin %q: %w", twin.ID, err)
	}
	if err := s.kv.Put(ctx, key(twin.ID), raw); err != nil {
		return fmt.Errorf("put twin %q: %w", twin.ID, err)
	}
	return nil
}

// ApplyDesired loads the twin for id (creating one with default
// reported state if absent), merges patch into the desired side,
// writes it back, and returns the resulting twin. The caller is
// responsible for the version-gating decisions in spec §3/§4.6;
// ApplyDesired merges unconditionally.
func (s *Store) ApplyDesired(ctx context.Context, id string, patch model.Collection) (model.Twin, error) {
	g := s.locks.Acquire(id)
	defer g.Release()
	return s.applyDesiredUnlocked(ctx, id, patch)
}

// ApplyDesiredUnlocked is ApplyDesired without acquiring id's lock,
// for callers — the twin manager's updateDesired — that already hold
// it from the same lock.Table passed to New.
func (s *Store) ApplyDesiredUnlocked(ctx context.Context, id string, patch model.Collection) (model.Twin, error) {
	return s.applyDesiredUnlocked(ctx, id, patch)
}

func (s *Store) applyDesiredUnlocked(ctx context.Context, id string, patch model.Collection) (model.Twin, error) {
	twin, ok, err := s.getUnlocked(ctx, id)
	if err != nil {
		return model.Twin{}, err
	}
	if !ok {
		twin = model.NewTwin(id)
	}

	twin.Desired.Properties = jsonmerge.Merge(twin.Desired.Properties, patch.Properties)
	twin.Desired.Metadata = jsonmerge.MergeMetadata(twin.Desired.Metadata, metadataFor(patch, time.Now().UTC()))
	twin.Desired.Version = patch.Version

	if err := s.putLocked(ctx, twin); err != nil {
		return model.Twin{}, err
	}
	return twin, nil
}

// ApplyReported loads the twin for id (creating one if absent),
// merges patch into the reported side, bumps reported.version by
// one, writes back, and returns the resulting twin.
func (s *Store) ApplyReported(ctx context.Context, id string, patch model.Collection) (model.Twin, error) {
	g := s.locks.Acquire(id)
	defer g.Release()

	twin, err := s.mergeReportedUnlocked(ctx, id, patch)
	if err != nil {
		return model.Twin{}, err
	}
	if err := s.putLocked(ctx, twin); err != nil {
		return model.Twin{}, err
	}
	return twin, nil
}

// PreviewReportedUnlocked computes the twin as ApplyReported would —
// merging patch into the reported side and bumping reported.version —
// without persisting it, so a caller already holding id's lock can
// validate the result before committing it with PutUnlocked.
func (s *Store) PreviewReportedUnlocked(ctx context.Context, id string, patch model.Collection) (model.Twin, error) {
	return s.mergeReportedUnlocked(ctx, id, patch)
}

func (s *Store) mergeReportedUnlocked(ctx context.Context, id string, patch model.Collection) (model.Twin, error) {
	twin, ok, err := s.getUnlocked(ctx, id)
	if err != nil {
		return model.Twin{}, err
	}
	if !ok {
		twin = model.NewTwin(id)
	}

	now := time.Now().UTC()
	twin.Reported.Properties = jsonmerge.Merge(twin.Reported.Properties, patch.Properties)
	twin.Reported.Metadata = jsonmerge.MergeMetadata(twin.Reported.Metadata, metadataFor(patch, now))
	twin.Reported.Version++

	return twin, nil
}

func (s *Store) getUnlocked(ctx context.Context, id string) (model.Twin, bool, error) {
	raw, ok, err := s.kv.Get(ctx, key(id))
	if err != nil {
		return model.Twin{}, false, fmt.Errorf("get twin %q: %w", id, err)
	}
	if !ok {
		return model.Twin{}, false, nil
	}
	var t model.Twin
	if err := json.Unmarshal(raw, &t); err != nil {
		return model.Twin{}, false, fmt.Errorf("decode twin %q: %w", id, err)
	}
	return t, true, nil
}

// metadataFor builds the $metadata subtree for every leaf touched by
// patch, stamped with ts, so merging it onto the prior metadata
// updates only the leaves the patch actually touched.
func metadataFor(patch model.Collection, ts time.Time) map[string]interface{} {
	out := map[string]interface{}{}
	stampLeaves(patch.Properties, patch.Version, ts, out)
	return out
}

func stampLeaves(props map[string]interface{}, version int64, ts time.Time, into map[string]interface{}) {
	for k, v := range props {
		if v == nil {
			into[k] = nil
			continue
		}
		if sub, ok := v.(map[string]interface{}); ok {
			subMeta := map[string]interface{}{}
			stampLeaves(sub, version, ts, subMeta)
			into[k] = subMeta
			continue
		}
		into[k] = map[string]interface{}{
			"$lastUpdated":        ts.Format(time.RFC3339Nano),
			"$lastUpdatedVersion": version,
		}
	}
}
