// Package identitycache implements the identity scope cache (C9,
// spec §4.9): startup load from durable storage, a singleton
// background refresher alternating full cycles with targeted
// refreshes, and IdentityChange event delivery.
package identitycache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"twingate/edge-gateway/internal/identity"
	"twingate/edge-gateway/internal/kvstore"
	"twingate/edge-gateway/internal/model"
	"twingate/edge-gateway/internal/serviceproxy"
)

const keyPrefix = "identity/"

func key(id string) string {
	return keyPrefix + id
}

// Config carries C9's tunables, per spec §6.
type Config struct {
	// PeriodicInterval bounds how long the refresher waits for a
	// refreshSignal before running a cycle anyway.
	PeriodicInterval time.Duration
	// RefreshDelay debounces initiateRefresh and gates refreshIdentity.
	RefreshDelay time.Duration
}

// Cache is the identity scope cache.
type Cache struct {
	kv    kvstore.Store
	tree  *identity.Forest
	proxy serviceproxy.Proxy
	log   *slog.Logger

	periodicInterval time.Duration
	refreshDelay     time.Duration

	// mu guards the timestamps and per-id refresh bookkeeping; per
	// spec §5 this coarse lock is acceptable since refresh is not
	// hot-path and must already serialize with C8 mutation.
	mu                   sync.Mutex
	perIDTimestamp       map[string]time.Time
	lastCycleStartedAt   time.Time
	lastCycleCompletedAt time.Time

	refreshSignal         chan struct{} // single-slot, buffered 1
	refreshCompleteSignal chan struct{} // closed+replaced each cycle completion

	subMu       sync.Mutex
	subscribers []chan model.IdentityChange

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Cache. selfID is the gateway's own identity id,
// the mandatory auth-chain root.
func New(kv kvstore.Store, proxy serviceproxy.Proxy, selfID string, cfg Config, logger *slog.Logger) *Cache {
	if cfg.PeriodicInterval <= 0 {
		cfg.PeriodicInterval = 10 * time.Minute
	}
	if cfg.RefreshDelay <= 0 {
		cfg.RefreshDelay = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		kv:                    kv,
		tree:                  identity.New(selfID),
		proxy:                 proxy,
		log:                   logger,
		periodicInterval:      cfg.PeriodicInterval,
		refreshDelay:          cfg.RefreshDelay,
		perIDTimestamp:        make(map[string]time.Time),
		refreshSignal:         make(chan struct{}, 1),
		refreshCompleteSignal: make(chan struct{}),
		stopCh:                make(chan struct{}),
		doneCh:                make(chan struct{}),
	}
}

// LoadFromStore populates C8 from every non-tombstone StoredIdentity
// persisted in C1. Call once at startup before Run.
func (c *Cache) LoadFromStore(ctx context.Context) error {
	return c.kv.Iterate(ctx, keyPrefix, func(_ string, raw []byte) error {
		var stored model.StoredIdentity
		if err := json.Unmarshal(raw, &stored); err != nil {
			return fmt.Errorf("decode stored identity: %w", err)
		}
		if stored.Tombstone() {
			return nil
		}
		c.tree.InsertOrUpdate(*stored.Identity, nil)
		return nil
	})
}

// Subscribe registers a channel that receives every IdentityChange
// dispatched from inside the write critical section. The returned
// function unsubscribes.
func (c *Cache) Subscribe(ch chan model.IdentityChange) func() {
	c.subMu.Lock()
	c.subscribers = append(c.subscribers, ch)
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		for i, s := range c.subscribers {
			if s == ch {
				c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
				return
			}
		}
	}
}

func (c *Cache) emit(change model.IdentityChange) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subscribers {
		select {
		case ch <- change:
		default:
			c.log.Warn("identity change subscriber channel full, dropping event", "id", change.ID)
		}
	}
}

// GetServiceIdentity implements the C9 query of the same name.
func (c *Cache) GetServiceIdentity(id string) (model.ServiceIdentity, bool) {
	return c.tree.Get(id)
}

// GetAuthChain implements the C9 query of the same name.
func (c *Cache) GetAuthChain(id string) []model.ServiceIdentity {
	return c.tree.GetAuthChain(id)
}

// GetImmediateChildren implements the C9 query of the same name.
func (c *Cache) GetImmediateChildren(deviceID string) []string {
	return c.tree.GetImmediateChildren(deviceID)
}

// Run drives the background refresher: refreshCycle, then wait on
// refreshSignal OR the periodic interval, forever, until ctx is
// canceled. Grounded on the pack's ticker+select supervisory loop
// shape (torua's HealthMonitor.Start).
func (c *Cache) Run(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.periodicInterval)
	defer ticker.Stop()

	c.refreshCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-c.refreshSignal:
			c.refreshCycle(ctx)
		case <-ticker.C:
			c.refreshCycle(ctx)
		}
	}
}

// Stop signals Run to return and waits for it to exit.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

func (c *Cache) refreshCycle(ctx context.Context) {
	c.mu.Lock()
	c.lastCycleStartedAt = time.Now()
	c.mu.Unlock()

	seen := make(map[string]struct{})

	it := c.proxy.Iterator(ctx)
	for it.HasNext() {
		page, err := it.Next(ctx)
		if err != nil {
			c.log.Warn("identity page fetch failed", "error", err)
			continue
		}
		for _, incoming := range page {
			seen[incoming.ID] = struct{}{}
			c.upsert(ctx, incoming)
		}
	}

	for _, id := range c.tree.GetAllIds() {
		if _, ok := seen[id]; ok {
			continue
		}
		c.removeID(ctx, id)
	}

	c.mu.Lock()
	c.lastCycleCompletedAt = time.Now()
	old := c.refreshCompleteSignal
	c.refreshCompleteSignal = make(chan struct{})
	c.mu.Unlock()
	close(old)
}

// upsert applies one observed identity: replace in C8, emit
// IdentityUpdated iff structurally changed while the forest's write
// lock is still held, then persist non-tombstone in C1.
func (c *Cache) upsert(ctx context.Context, incoming model.ServiceIdentity) {
	c.tree.InsertOrUpdate(incoming, func(prior model.ServiceIdentity, existed bool) {
		if !existed || !prior.Equal(incoming) {
			c.emit(model.IdentityChange{Kind: model.IdentityUpdated, ID: incoming.ID, Identity: incoming})
		}
	})
	c.persist(ctx, model.StoredIdentity{ID: incoming.ID, Identity: &incoming, Timestamp: time.Now()})
}

// removeID drops id from C8, emitting IdentityRemoved iff the
// identity was previously present and enabled, while the forest's
// write lock is still held, then writes a tombstone to C1.
func (c *Cache) removeID(ctx context.Context, id string) {
	c.tree.Remove(id, func(prior model.ServiceIdentity, existed bool) {
		if existed && prior.Enabled() {
			c.emit(model.IdentityChange{Kind: model.IdentityRemoved, ID: id})
		}
	})
	c.persist(ctx, model.StoredIdentity{ID: id, Identity: nil, Timestamp: time.Now()})
}

func (c *Cache) persist(ctx context.Context, stored model.StoredIdentity) {
	raw, err := json.Marshal(stored)
	if err != nil {
		c.log.Error("encode stored identity", "id", stored.ID, "error", err)
		return
	}
	if err := c.kv.Put(ctx, key(stored.ID), raw); err != nil {
		c.log.Error("persist stored identity", "id", stored.ID, "error", err)
	}
}

// InitiateRefresh is the external trigger for a full refresh cycle,
// debounced by refreshDelay.
func (c *Cache) InitiateRefresh() {
	c.mu.Lock()
	now := time.Now()
	if !c.lastCycleStartedAt.IsZero() && now.Sub(c.lastCycleStartedAt) < c.refreshDelay {
		c.mu.Unlock()
		return
	}
	c.lastCycleStartedAt = now
	c.mu.Unlock()

	select {
	case c.refreshSignal <- struct{}{}:
	default:
		// Already pending; spurious sets collapse per spec §4.9.
	}
}

// RefreshIdentity performs a targeted lookup for id, gated by
// shouldRefresh.
func (c *Cache) RefreshIdentity(ctx context.Context, id string) {
	if !c.shouldRefresh(id) {
		return
	}

	deviceID, moduleID := splitID(id)
	found, ok := c.proxy.GetIdentity(ctx, deviceID, moduleID)

	c.mu.Lock()
	c.perIDTimestamp[id] = time.Now()
	c.mu.Unlock()

	if ok {
		c.upsert(ctx, found)
		return
	}
	c.removeID(ctx, id)
}

func (c *Cache) shouldRefresh(id string) bool {
	c.mu.Lock()
	ts, seen := c.perIDTimestamp[id]
	c.mu.Unlock()

	if !seen || time.Since(ts) > c.refreshDelay {
		return true
	}

	cached, ok := c.tree.Get(id)
	return ok && cached.AuthType == model.AuthNone
}

// WaitRefreshComplete blocks until the refresh cycle in progress (or
// the next one started after this call) finishes, or ctx is done.
func (c *Cache) WaitRefreshComplete(ctx context.Context) error {
	c.mu.Lock()
	ch := c.refreshCompleteSignal
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RefreshAuthChain refreshes every id in chain, root first.
func (c *Cache) RefreshAuthChain(ctx context.Context, chain []string) {
	for _, id := range chain {
		c.RefreshIdentity(ctx, id)
	}
}

func splitID(id string) (deviceID, moduleID string) {
	for i := 0; i < len(id); i++ {
		if id[i] == '/' {
			return id[:i], id[i+1:]
		}
	}
	return id, ""
}
