package reportedqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"twingate/edge-gateway/internal/kvstore"
	"twingate/edge-gateway/internal/lock"
	"twingate/edge-gateway/internal/model"
)

// stubCloud is a hand-rolled CloudReporter with a programmable result
// sequence and call recording, used where cloudsyncmock's static
// result isn't precise enough (retry-then-succeed sequences).
type stubCloud struct {
	mu      sync.Mutex
	results []model.SyncResult
	calls   []model.Collection
	gate    chan struct{} // if non-nil, each call blocks until received
	started chan struct{} // if non-nil, signaled once per call before blocking on gate
}

func (s *stubCloud) UpdateReported(_ context.Context, _ string, patch model.Collection) model.SyncResult {
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, patch)
	if len(s.results) == 0 {
		return model.SyncOK
	}
	idx := len(s.calls) - 1
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	return s.results[idx]
}

func (s *stubCloud) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestQueue(cloud CloudReporter) *Queue {
	cfg := Config{RetryInterval: 5 * time.Millisecond, MinSyncGap: 0, MaxRetries: 5}
	return New(kvstore.NewMemoryStore(), lock.NewTable(4), cloud, cfg, nil)
}

func TestEnqueueThenDrainSucceeds(t *testing.T) {
	ctx := context.Background()
	cloud := &stubCloud{}
	q := newTestQueue(cloud)

	if err := q.Enqueue(ctx, "dev-1", model.Collection{Properties: map[string]interface{}{"battery": 90.0}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	q.InitiateSync("dev-1")
	q.Wait()

	if cloud.callCount() != 1 {
		t.Fatalf("callCount = %d, want 1", cloud.callCount())
	}
	if cloud.calls[0].Properties["battery"] != 90.0 {
		t.Fatalf("call patch = %+v", cloud.calls[0])
	}

	_, pending, err := q.Pending(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if pending {
		t.Fatal("expected no pending state after successful drain")
	}
}

func TestEnqueueMergesBeforeDrain(t *testing.T) {
	ctx := context.Background()
	cloud := &stubCloud{}
	q := newTestQueue(cloud)

	_ = q.Enqueue(ctx, "dev-1", model.Collection{Properties: map[string]interface{}{"a": 1.0}})
	_ = q.Enqueue(ctx, "dev-1", model.Collection{Properties: map[string]interface{}{"b": 2.0}})

	q.InitiateSync("dev-1")
	q.Wait()

	if cloud.callCount() != 1 {
		t.Fatalf("callCount = %d, want 1 (two enqueues should merge into one drain)", cloud.callCount())
	}
	got := cloud.calls[0].Properties
	if got["a"] != 1.0 || got["b"] != 2.0 {
		t.Fatalf("merged patch = %+v, want a=1 b=2", got)
	}
}

func TestDrainNoopWhenNothingPending(t *testing.T) {
	cloud := &stubCloud{}
	q := newTestQueue(cloud)

	q.InitiateSync("dev-1")
	q.Wait()

	if cloud.callCount() != 0 {
		t.Fatalf("callCount = %d, want 0 for an id with no pending state", cloud.callCount())
	}
}

func TestDrainRetriesOnTransientThenSucceeds(t *testing.T) {
	ctx := context.Background()
	cloud := &stubCloud{results: []model.SyncResult{model.SyncTransient, model.SyncTransient, model.SyncOK}}
	q := newTestQueue(cloud)

	_ = q.Enqueue(ctx, "dev-1", model.Collection{Properties: map[string]interface{}{"a": 1.0}})

	q.InitiateSync("dev-1")
	q.Wait()

	if cloud.callCount() != 3 {
		t.Fatalf("callCount = %d, want 3 (two transient retries then success)", cloud.callCount())
	}

	_, pending, _ := q.Pending(ctx, "dev-1")
	if pending {
		t.Fatal("expected pending state cleared after eventual success")
	}
}

func TestDrainMergesPatchesArrivingDuringRetry(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{}, 4)
	gate := make(chan struct{})
	cloud := &stubCloud{
		results: []model.SyncResult{model.SyncTransient, model.SyncOK},
		started: started,
		gate:    gate,
	}
	cfg := Config{RetryInterval: time.Millisecond, MinSyncGap: 0, MaxRetries: 5}
	q := New(kvstore.NewMemoryStore(), lock.NewTable(4), cloud, cfg, nil)

	_ = q.Enqueue(ctx, "dev-1", model.Collection{Properties: map[string]interface{}{"a": 1.0}})

	q.InitiateSync("dev-1")
	<-started // first attempt (with {a:1}) is blocked on the gate

	// Arrives while the first attempt is in flight; must survive the
	// transient failure via the dequeue/retry merge, not be dropped.
	if err := q.Enqueue(ctx, "dev-1", model.Collection{Properties: map[string]interface{}{"b": 2.0}}); err != nil {
		t.Fatalf("Enqueue during retry: %v", err)
	}

	close(gate) // let the first (transient) and second (ok) attempts run
	q.Wait()

	if cloud.callCount() != 2 {
		t.Fatalf("callCount = %d, want 2", cloud.callCount())
	}
	final := cloud.calls[1].Properties
	if final["a"] != 1.0 || final["b"] != 2.0 {
		t.Fatalf("retry call patch = %+v, want a=1 b=2 merged in", final)
	}

	_, pending, _ := q.Pending(ctx, "dev-1")
	if pending {
		t.Fatal("expected pending cleared after the merged retry succeeded")
	}
}

func TestDrainExhaustsRetriesLeavesPatchPending(t *testing.T) {
	ctx := context.Background()
	cloud := &stubCloud{results: []model.SyncResult{
		model.SyncTransient, model.SyncTransient, model.SyncTransient,
		model.SyncTransient, model.SyncTransient, model.SyncTransient,
	}}
	cfg := Config{RetryInterval: time.Millisecond, MinSyncGap: 0, MaxRetries: 2}
	q := New(kvstore.NewMemoryStore(), lock.NewTable(4), cloud, cfg, nil)

	_ = q.Enqueue(ctx, "dev-1", model.Collection{Properties: map[string]interface{}{"a": 1.0}})
	q.InitiateSync("dev-1")
	q.Wait()

	_, pending, err := q.Pending(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if !pending {
		t.Fatal("expected patch to remain pending after exhausting retries")
	}
}

func TestDrainPermanentClearsPending(t *testing.T) {
	ctx := context.Background()
	cloud := &stubCloud{results: []model.SyncResult{model.SyncPermanent}}
	q := newTestQueue(cloud)

	_ = q.Enqueue(ctx, "dev-1", model.Collection{Properties: map[string]interface{}{"a": 1.0}})
	q.InitiateSync("dev-1")
	q.Wait()

	_, pending, _ := q.Pending(ctx, "dev-1")
	if pending {
		t.Fatal("expected pending state cleared after permanent rejection")
	}
	if cloud.callCount() != 1 {
		t.Fatalf("callCount = %d, want 1 (no retry on permanent failure)", cloud.callCount())
	}
}

func TestInitiateSyncCoalescesConcurrentDrains(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	cloud := &stubCloud{gate: gate}
	q := newTestQueue(cloud)

	_ = q.Enqueue(ctx, "dev-1", model.Collection{Properties: map[string]interface{}{"a": 1.0}})

	q.InitiateSync("dev-1")
	q.InitiateSync("dev-1")
	q.InitiateSync("dev-1")

	close(gate)
	q.Wait()

	if cloud.callCount() != 1 {
		t.Fatalf("callCount = %d, want 1 (concurrent InitiateSync for one id should coalesce)", cloud.callCount())
	}
}

func TestSyncAllDrainsEveryPendingID(t *testing.T) {
	ctx := context.Background()
	cloud := &stubCloud{}
	q := newTestQueue(cloud)

	_ = q.Enqueue(ctx, "dev-1", model.Collection{Properties: map[string]interface{}{"a": 1.0}})
	_ = q.Enqueue(ctx, "dev-2", model.Collection{Properties: map[string]interface{}{"b": 2.0}})

	if err := q.SyncAll(ctx); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	q.Wait()

	if cloud.callCount() != 2 {
		t.Fatalf("callCount = %d, want 2", cloud.callCount())
	}
}

func TestIndependentIDsDoNotShareState(t *testing.T) {
	ctx := context.Background()
	cloud := &stubCloud{}
	q := newTestQueue(cloud)

	_ = q.Enqueue(ctx, "dev-1", model.Collection{Properties: map[string]interface{}{"a": 1.0}})

	_, pendingB, _ := q.Pending(ctx, "dev-2")
	if pendingB {
		t.Fatal("dev-2 should have no pending state from a dev-1 enqueue")
	}
}
