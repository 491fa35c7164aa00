// Package reportedqueue implements the reported-properties queue (C5,
// spec §4.4): reported patches accumulate per device id while the
// cloud is unreachable, draining opportunistically and retrying on
// transient failure.
package reportedqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/singleflight"

	"twingate/edge-gateway/internal/jsonmerge"
	"twingate/edge-gateway/internal/kvstore"
	"twingate/edge-gateway/internal/lock"
	"twingate/edge-gateway/internal/model"
)

const keyPrefix = "reported/"

func key(id string) string {
	return keyPrefix + id
}

func idFromKey(k string) string {
	return k[len(keyPrefix):]
}

// CloudReporter is the slice of the cloud sync contract (C6) the
// queue needs: pushing a drained batch of reported properties
// upstream.
type CloudReporter interface {
	UpdateReported(ctx context.Context, id string, patch model.Collection) model.SyncResult
}

// Queue is the durable, per-id reported-properties queue.
type Queue struct {
	kv    kvstore.Store
	locks *lock.Table
	cloud CloudReporter
	log   *slog.Logger

	retryInterval time.Duration
	minSyncGap    time.Duration
	maxRetries    uint64

	sf singleflight.Group

	mu              sync.Mutex
	lastSyncAttempt map[string]time.Time

	wg sync.WaitGroup
}

// Config carries the tunables for a Queue, per spec §6.
type Config struct {
	// RetryInterval is the fixed backoff between drain retries of the
	// same id while the cloud keeps reporting transient failures.
	RetryInterval time.Duration
	// MinSyncGap is the minimum spacing between two drain attempts
	// for the same id, absorbing bursts of InitiateSync calls.
	MinSyncGap time.Duration
	// MaxRetries bounds retries within a single drain invocation;
	// remaining pending state survives for the next SyncAll or
	// InitiateSync.
	MaxRetries uint64
}

// New constructs a Queue. logger may be nil, in which case a disabled
// logger is used.
func New(kv kvstore.Store, locks *lock.Table, cloud CloudReporter, cfg Config, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	if cfg.MinSyncGap <= 0 {
		cfg.MinSyncGap = time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	return &Queue{
		kv:              kv,
		locks:           locks,
		cloud:           cloud,
		log:             logger,
		retryInterval:   cfg.RetryInterval,
		minSyncGap:      cfg.MinSyncGap,
		maxRetries:      cfg.MaxRetries,
		lastSyncAttempt: make(map[string]time.Time),
	}
}

// Enqueue merges patch into the pending reported state for id, under
// id's key lock, and persists it durably.
func (q *Queue) Enqueue(ctx context.Context, id string, patch model.Collection) error {
	g := q.locks.Acquire(id)
	defer g.Release()

	pending, err := q.loadLocked(ctx, id)
	if err != nil {
		return err
	}

	merged := model.Collection{
		Version:    patch.Version,
		Properties: jsonmerge.Merge(pending.Properties, patch.Properties),
		Metadata:   jsonmerge.MergeMetadata(pending.Metadata, patch.Metadata),
	}
	return q.storeLocked(ctx, id, merged)
}

// InitiateSync schedules an asynchronous drain of id's pending
// reported state, coalescing with any drain already in flight for
// the same id.
func (q *Queue) InitiateSync(id string) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		_, _, _ = q.sf.Do(id, func() (interface{}, error) {
			q.drainGated(context.Background(), id)
			return nil, nil
		})
	}()
}

// SyncAll schedules a drain for every id with pending reported state.
func (q *Queue) SyncAll(ctx context.Context) error {
	var ids []string
	err := q.kv.Iterate(ctx, keyPrefix, func(k string, _ []byte) error {
		ids = append(ids, idFromKey(k))
		return nil
	})
	if err != nil {
		return fmt.Errorf("list pending reported ids: %w", err)
	}
	for _, id := range ids {
		q.InitiateSync(id)
	}
	return nil
}

// Wait blocks until all goroutines spawned by InitiateSync have
// returned. Intended for graceful shutdown with an external timeout
// via the caller's context/select.
func (q *Queue) Wait() {
	q.wg.Wait()
}

func (q *Queue) drainGated(ctx context.Context, id string) {
	q.mu.Lock()
	last, seen := q.lastSyncAttempt[id]
	now := time.Now()
	if seen && now.Sub(last) < q.minSyncGap {
		q.mu.Unlock()
		return
	}
	q.lastSyncAttempt[id] = now
	q.mu.Unlock()

	q.drain(ctx, id)
}

func (q *Queue) drain(ctx context.Context, id string) {
	current, ok, err := q.dequeue(ctx, id)
	if err != nil {
		q.log.Error("dequeue pending reported state", "id", id, "error", err)
		return
	}
	if !ok {
		return
	}

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(q.retryInterval), q.maxRetries)

	var retried bool

	attempt := func() error {
		result := q.cloud.UpdateReported(ctx, id, current)
		switch result {
		case model.SyncOK:
			return nil
		case model.SyncPermanent:
			q.log.Warn("reported sync permanently rejected, dropping pending patch", "id", id)
			return nil
		default:
			retried = true
			current, err = q.mergeIncoming(ctx, id, current)
			if err != nil {
				q.log.Error("merge incoming reported patches during retry", "id", id, "error", err)
			}
			return fmt.Errorf("transient reported sync failure for %s", id)
		}
	}

	if err := backoff.Retry(attempt, b); err != nil {
		q.log.Warn("exhausted reported sync retries, leaving patch pending", "id", id, "error", err)
		return
	}

	// Every retry re-persisted current into the pending slot for crash
	// safety (mergeIncoming), so a success or permanent drop after at
	// least one retry leaves current's contents sitting in the slot
	// again and due for a needless resend. Reconcile: clear the slot
	// down to whatever arrived after the last re-persist, if anything.
	if !retried {
		return
	}
	if err := q.clearSynced(ctx, id, current); err != nil {
		q.log.Error("clear synced reported state", "id", id, "error", err)
	}
}

func (q *Queue) dequeue(ctx context.Context, id string) (model.Collection, bool, error) {
	g := q.locks.Acquire(id)
	defer g.Release()

	pending, err := q.loadLocked(ctx, id)
	if err != nil {
		return model.Collection{}, false, err
	}
	if len(pending.Properties) == 0 {
		return model.Collection{}, false, nil
	}
	if err := q.kv.Remove(ctx, key(id)); err != nil {
		return model.Collection{}, false, fmt.Errorf("clear pending reported state %q: %w", id, err)
	}
	return pending, true, nil
}

// mergeIncoming folds whatever arrived in the pending slot while a
// drain attempt was in flight onto current, persists the merged
// result (so it survives a crash mid-retry), and returns it.
func (q *Queue) mergeIncoming(ctx context.Context, id string, current model.Collection) (model.Collection, error) {
	g := q.locks.Acquire(id)
	defer g.Release()

	incoming, err := q.loadLocked(ctx, id)
	if err != nil {
		return current, err
	}

	merged := model.Collection{
		Version:    current.Version,
		Properties: jsonmerge.Merge(current.Properties, incoming.Properties),
		Metadata:   jsonmerge.MergeMetadata(current.Metadata, incoming.Metadata),
	}
	if err := q.storeLocked(ctx, id, merged); err != nil {
		return merged, err
	}
	return merged, nil
}

func (q *Queue) loadLocked(ctx context.Context, id string) (model.Collection, error) {
	raw, ok, err := q.kv.Get(ctx, key(id))
	if err != nil {
		return model.Collection{}, fmt.Errorf("get pending reported state %q: %w", id, err)
	}
	if !ok {
		return model.Collection{Properties: map[string]interface{}{}, Metadata: map[string]interface{}{}}, nil
	}
	var c model.Collection
	if err := json.Unmarshal(raw, &c); err != nil {
		return model.Collection{}, fmt.Errorf("decode pending reported state %q: %w", id, err)
	}
	if c.Properties == nil {
		c.Properties = map[string]interface{}{}
	}
	if c.Metadata == nil {
		c.Metadata = map[string]interface{}{}
	}
	return c, nil
}

func (q *Queue) storeLocked(ctx context.Context, id string, c model.Collection) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode pending reported state %q: %w", id, err)
	}
	if err := q.kv.Put(ctx, key(id), raw); err != nil {
		return fmt.Errorf("put pending reported state %q: %w", id, err)
	}
	return nil
}

// Pending reports the currently queued reported patch for id, for
// diagnostics and tests.
func (q *Queue) Pending(ctx context.Context, id string) (model.Collection, bool, error) {
	g := q.locks.Acquire(id)
	defer g.Release()

	c, err := q.loadLocked(ctx, id)
	if err != nil {
		return model.Collection{}, false, err
	}
	return c, len(c.Properties) > 0, nil
}
