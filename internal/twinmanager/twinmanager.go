// Package twinmanager implements the Twin Manager (C7, spec §4.6):
// orchestrating reads/writes across the twin store, reported-property
// queue, cloud sync boundary, and local device connections, including
// version-gated desired-property application and the resync-and-fanout
// algorithm of spec §4.7.
package twinmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"twingate/edge-gateway/internal/cloudsync"
	"twingate/edge-gateway/internal/connection"
	"twingate/edge-gateway/internal/jsonmerge"
	"twingate/edge-gateway/internal/lock"
	"twingate/edge-gateway/internal/model"
)

// TwinStore is the slice of twinstore.Store the manager needs,
// including the Unlocked variants used while the manager already
// holds id's lock from the same lock.Table.
type TwinStore interface {
	Get(ctx context.Context, id string) (model.Twin, bool, error)
	Put(ctx context.Context, twin model.Twin) error
	ApplyDesired(ctx context.Context, id string, patch model.Collection) (model.Twin, error)
	GetUnlocked(ctx context.Context, id string) (model.Twin, bool, error)
	PutUnlocked(ctx context.Context, twin model.Twin) error
	PreviewReportedUnlocked(ctx context.Context, id string, patch model.Collection) (model.Twin, error)
	Locks() *lock.Table
}

// ReportedQueue is the slice of reportedqueue.Queue the manager needs.
type ReportedQueue interface {
	Enqueue(ctx context.Context, id string, patch model.Collection) error
	InitiateSync(id string)
	SyncAll(ctx context.Context) error
}

// ConnectionManager is the slice of connection.Manager the manager
// needs, per spec §6's "Subscriptions".
type ConnectionManager interface {
	IsSubscribed(id, topic string) bool
	GetProxy(id string) (connection.DeviceProxy, bool)
}

// Config carries twin manager tunables, per spec §6.
type Config struct {
	// MinSyncPeriod bounds how often a resync runs per id (spec §4.7,
	// default 2 minutes).
	MinSyncPeriod time.Duration
}

// Manager is the Twin Manager.
type Manager struct {
	store TwinStore
	queue ReportedQueue
	cloud cloudsync.Syncer
	conns ConnectionManager
	log   *slog.Logger

	minSyncPeriod time.Duration

	mu       sync.Mutex
	lastSync map[string]time.Time
}

// New constructs a Manager.
func New(store TwinStore, queue ReportedQueue, cloud cloudsync.Syncer, conns ConnectionManager, cfg Config, logger *slog.Logger) *Manager {
	if cfg.MinSyncPeriod <= 0 {
		cfg.MinSyncPeriod = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:         store,
		queue:         queue,
		cloud:         cloud,
		conns:         conns,
		log:           logger,
		minSyncPeriod: cfg.MinSyncPeriod,
		lastSync:      make(map[string]time.Time),
	}
}

// GetTwin implements C7's getTwin. It prefers the cloud's view; on
// success the result is stored and lastSync is bumped. If the cloud is
// unreachable, the stored twin (or a synthesized empty one) is
// returned instead.
func (m *Manager) GetTwin(ctx context.Context, id string) (model.Twin, error) {
	twin, ok, err := m.cloud.GetTwin(ctx, id)
	if err != nil {
		m.log.Warn("cloud getTwin failed", "id", id, "error", err)
	}
	if err == nil && ok {
		if perr := m.store.Put(ctx, twin); perr != nil {
			m.log.Error("store twin after cloud fetch", "id", id, "error", perr)
		}
		m.markSynced(id)
		return twin, nil
	}

	stored, found, serr := m.store.Get(ctx, id)
	if serr != nil {
		return model.Twin{}, serr
	}
	if found {
		return stored, nil
	}
	return model.NewTwin(id), nil
}

// UpdateDesired implements C7's updateDesired. When a stored twin
// exists and the patch's version doesn't immediately follow the
// stored desired version, resync-and-fanout runs instead of applying
// the patch directly (spec §4.6).
func (m *Manager) UpdateDesired(ctx context.Context, id string, patch model.Collection) error {
	stored, ok, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if ok && patch.Version != stored.Desired.Version+1 {
		return m.resyncAndFanout(ctx, id)
	}

	if _, err := m.store.ApplyDesired(ctx, id, patch); err != nil {
		return err
	}

	topic := connection.DesiredPatchTopic(id)
	if !m.conns.IsSubscribed(id, topic) {
		return nil
	}
	proxy, ok := m.conns.GetProxy(id)
	if !ok {
		return nil
	}

	data, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encode desired patch for fanout: %w", err)
	}
	proxy.OnDesiredPropertyUpdates(data)
	return nil
}

// UpdateReported implements C7's updateReported: validate, merge and
// re-validate the result, and only then persist to C4 and enqueue in
// C5 under id's lock, before triggering an async sync. A patch that
// fails post-merge validation (merged size, reported.version bound)
// must leave the twin untouched — the merge itself runs in memory and
// is committed only if it passes.
func (m *Manager) UpdateReported(ctx context.Context, id string, patch model.Collection) error {
	if err := validatePatch(patch); err != nil {
		return err
	}

	g := m.store.Locks().Acquire(id)
	err := func() error {
		defer g.Release()

		preview, err := m.store.PreviewReportedUnlocked(ctx, id, patch)
		if err != nil {
			return err
		}
		if err := validateMergedSize(preview.Reported); err != nil {
			return err
		}
		if err := validateReportedVersion(preview.Reported.Version); err != nil {
			return err
		}
		return m.store.PutUnlocked(ctx, preview)
	}()
	if err != nil {
		return err
	}

	if err := m.queue.Enqueue(ctx, id, patch); err != nil {
		return err
	}

	m.queue.InitiateSync(id)
	return nil
}

// OnDeviceConnected implements C7's onDeviceConnected for one local
// client: drain its pending reported properties and perform a
// throttled resync.
func (m *Manager) OnDeviceConnected(ctx context.Context, id string) {
	m.queue.InitiateSync(id)

	if err := m.resyncAndFanout(ctx, id); err != nil {
		m.log.Warn("resync on connect failed", "id", id, "error", err)
	}
}

// resyncAndFanout implements spec §4.7. A resync only runs if more
// than minSyncPeriod has elapsed since the last one for id.
func (m *Manager) resyncAndFanout(ctx context.Context, id string) error {
	if !m.dueForSync(id) {
		return nil
	}

	g := m.store.Locks().Acquire(id)
	defer g.Release()

	stored, _, err := m.store.GetUnlocked(ctx, id)
	if err != nil {
		return err
	}

	cloudTwin, ok, err := m.cloud.GetTwin(ctx, id)
	if err != nil {
		m.log.Warn("resync cloud fetch failed", "id", id, "error", err)
	}
	if err != nil || !ok {
		return nil // unreachable: abort silently per spec §4.7
	}

	if err := m.store.PutUnlocked(ctx, cloudTwin); err != nil {
		return err
	}
	m.markSynced(id)

	delta := jsonmerge.Diff(stored.Desired.Properties, cloudTwin.Desired.Properties)
	if len(delta) == 0 {
		return nil
	}

	topic := connection.DesiredPatchTopic(id)
	if !m.conns.IsSubscribed(id, topic) {
		return nil
	}
	proxy, ok := m.conns.GetProxy(id)
	if !ok {
		return nil
	}

	deltaPatch := model.Collection{Version: cloudTwin.Desired.Version, Properties: delta}
	data, err := json.Marshal(deltaPatch)
	if err != nil {
		return fmt.Errorf("encode resync delta: %w", err)
	}
	proxy.OnDesiredPropertyUpdates(data)
	return nil
}

func (m *Manager) dueForSync(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.lastSync[id]
	return !ok || time.Since(last) > m.minSyncPeriod
}

func (m *Manager) markSynced(id string) {
	m.mu.Lock()
	m.lastSync[id] = time.Now()
	m.mu.Unlock()
}
