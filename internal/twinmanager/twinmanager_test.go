package twinmanager

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"twingate/edge-gateway/internal/cloudsync/cloudsyncmock"
	"twingate/edge-gateway/internal/connection"
	"twingate/edge-gateway/internal/kvstore"
	"twingate/edge-gateway/internal/lock"
	"twingate/edge-gateway/internal/model"
	"twingate/edge-gateway/internal/reportedqueue"
	"twingate/edge-gateway/internal/twinstore"
)

type fakeBroker struct {
	subscribed map[string]map[string]bool
	published  []publishCall
}

type publishCall struct {
	clientID, topic string
	payload         []byte
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{subscribed: make(map[string]map[string]bool)}
}

func (f *fakeBroker) subscribe(clientID, topic string) {
	if f.subscribed[clientID] == nil {
		f.subscribed[clientID] = make(map[string]bool)
	}
	f.subscribed[clientID][topic] = true
}

func (f *fakeBroker) IsSubscribed(clientID, topic string) bool {
	return f.subscribed[clientID][topic]
}

func (f *fakeBroker) PublishTo(clientID, topic string, payload []byte) error {
	f.published = append(f.published, publishCall{clientID, topic, payload})
	return nil
}

func newTestManager(t *testing.T, cloud *cloudsyncmock.Mock, broker *fakeBroker) *Manager {
	t.Helper()
	kv := kvstore.NewMemoryStore()
	locks := lock.NewTable(4)
	store := twinstore.New(kv, locks)
	queue := reportedqueue.New(kv, lock.NewTable(4), cloud, reportedqueue.Config{RetryInterval: 5 * time.Millisecond}, nil)
	conns := connection.New(broker, nil)
	return New(store, queue, cloud, conns, Config{MinSyncPeriod: time.Hour}, nil)
}

func subscribeDevice(broker *fakeBroker, id string) {
	broker.subscribe(id, connection.DesiredPatchTopic(id))
}

func TestGetTwinPrefersCloudAndStores(t *testing.T) {
	ctx := context.Background()
	cloud := cloudsyncmock.New()
	cloud.SetTwin(model.Twin{ID: "d1", Desired: model.Collection{Version: 3, Properties: map[string]interface{}{"x": 1.0}}})
	m := newTestManager(t, cloud, newFakeBroker())

	twin, err := m.GetTwin(ctx, "d1")
	if err != nil {
		t.Fatalf("GetTwin: %v", err)
	}
	if twin.Desired.Version != 3 {
		t.Fatalf("twin.Desired.Version = %d, want 3", twin.Desired.Version)
	}

	cloud.GetTwinUnreachable = true
	stored, err := m.GetTwin(ctx, "d1")
	if err != nil {
		t.Fatalf("GetTwin (unreachable): %v", err)
	}
	if stored.Desired.Version != 3 {
		t.Fatalf("expected the previously stored twin to survive an unreachable cloud, got version %d", stored.Desired.Version)
	}
}

func TestGetTwinSynthesizesEmptyWhenNeverStored(t *testing.T) {
	ctx := context.Background()
	cloud := cloudsyncmock.New()
	cloud.GetTwinUnreachable = true
	m := newTestManager(t, cloud, newFakeBroker())

	twin, err := m.GetTwin(ctx, "never-seen")
	if err != nil {
		t.Fatalf("GetTwin: %v", err)
	}
	if twin.ID != "never-seen" || twin.Desired.Version != 0 {
		t.Fatalf("twin = %+v, want a synthesized empty twin", twin)
	}
}

func TestUpdateDesiredAppliesSequentialPatchAndFansOut(t *testing.T) {
	ctx := context.Background()
	cloud := cloudsyncmock.New()
	broker := newFakeBroker()
	subscribeDevice(broker, "d1")
	m := newTestManager(t, cloud, broker)

	if err := m.UpdateDesired(ctx, "d1", model.Collection{Version: 1, Properties: map[string]interface{}{"brightness": 5.0}}); err != nil {
		t.Fatalf("UpdateDesired: %v", err)
	}

	twin, _, err := m.store.Get(ctx, "d1")
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if twin.Desired.Version != 1 {
		t.Fatalf("stored desired version = %d, want 1", twin.Desired.Version)
	}
	if len(broker.published) != 1 {
		t.Fatalf("published = %d messages, want 1", len(broker.published))
	}
}

func TestUpdateDesiredSuppressesPushWithoutSubscription(t *testing.T) {
	ctx := context.Background()
	cloud := cloudsyncmock.New()
	broker := newFakeBroker() // not subscribed
	m := newTestManager(t, cloud, broker)

	if err := m.UpdateDesired(ctx, "d1", model.Collection{Version: 1, Properties: map[string]interface{}{"x": 1.0}}); err != nil {
		t.Fatalf("UpdateDesired: %v", err)
	}

	twin, ok, err := m.store.Get(ctx, "d1")
	if err != nil || !ok {
		t.Fatalf("store.Get = (_, %v, %v)", ok, err)
	}
	if twin.Desired.Version != 1 {
		t.Fatal("store update must not be suppressed by a missing subscription")
	}
	if len(broker.published) != 0 {
		t.Fatalf("published = %d messages, want 0 without a subscription", len(broker.published))
	}
}

func TestUpdateDesiredVersionGapTriggersResync(t *testing.T) {
	ctx := context.Background()
	cloud := cloudsyncmock.New()
	broker := newFakeBroker()
	subscribeDevice(broker, "d1")
	m := newTestManager(t, cloud, broker)

	if err := m.UpdateDesired(ctx, "d1", model.Collection{Version: 1, Properties: map[string]interface{}{"x": 1.0}}); err != nil {
		t.Fatalf("seed UpdateDesired: %v", err)
	}

	cloud.SetTwin(model.Twin{ID: "d1", Desired: model.Collection{Version: 5, Properties: map[string]interface{}{"x": 1.0, "y": 2.0}}})

	// version 3 does not follow the stored version (1) + 1, so this
	// should resync from the cloud rather than applying directly.
	if err := m.UpdateDesired(ctx, "d1", model.Collection{Version: 3, Properties: map[string]interface{}{"x": 99.0}}); err != nil {
		t.Fatalf("UpdateDesired (gap): %v", err)
	}

	twin, _, err := m.store.Get(ctx, "d1")
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if twin.Desired.Version != 5 {
		t.Fatalf("stored desired version = %d, want 5 (resynced from cloud, not the gapped patch)", twin.Desired.Version)
	}
}

func TestUpdateReportedValidatesAndEnqueues(t *testing.T) {
	ctx := context.Background()
	cloud := cloudsyncmock.New()
	cloud.ReportedResult = model.SyncOK
	m := newTestManager(t, cloud, newFakeBroker())

	if err := m.UpdateReported(ctx, "d1", model.Collection{Version: 1, Properties: map[string]interface{}{"temp": 21.5}}); err != nil {
		t.Fatalf("UpdateReported: %v", err)
	}

	m.queue.(interface{ Wait() }).Wait()

	if len(cloud.ReportedCalls) != 1 {
		t.Fatalf("cloud ReportedCalls = %d, want 1", len(cloud.ReportedCalls))
	}
}

func TestUpdateReportedRejectsOversizedPatch(t *testing.T) {
	ctx := context.Background()
	cloud := cloudsyncmock.New()
	m := newTestManager(t, cloud, newFakeBroker())

	huge := make(map[string]interface{}, 2000)
	for i := 0; i < 2000; i++ {
		huge[pad(i)] = "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"
	}

	err := m.UpdateReported(ctx, "d1", model.Collection{Version: 1, Properties: huge})
	if err == nil {
		t.Fatal("expected an error for a patch exceeding the 8 KiB limit")
	}
}

func TestUpdateReportedRejectsInvalidKey(t *testing.T) {
	ctx := context.Background()
	cloud := cloudsyncmock.New()
	m := newTestManager(t, cloud, newFakeBroker())

	err := m.UpdateReported(ctx, "d1", model.Collection{Version: 1, Properties: map[string]interface{}{"bad.key": 1.0}})
	if err == nil {
		t.Fatal("expected an error for a key containing '.'")
	}
}

func TestUpdateReportedRejectsExcessiveDepth(t *testing.T) {
	ctx := context.Background()
	cloud := cloudsyncmock.New()
	m := newTestManager(t, cloud, newFakeBroker())

	deep := map[string]interface{}{"a": map[string]interface{}{"b": map[string]interface{}{"c": map[string]interface{}{"d": map[string]interface{}{"e": map[string]interface{}{"f": 1.0}}}}}}
	err := m.UpdateReported(ctx, "d1", model.Collection{Version: 1, Properties: deep})
	if err == nil {
		t.Fatal("expected an error for nesting depth > 5")
	}
}

func TestResyncAndFanoutSendsMissedDesiredDelta(t *testing.T) {
	ctx := context.Background()
	cloud := cloudsyncmock.New()
	broker := newFakeBroker()
	subscribeDevice(broker, "d1")
	m := newTestManager(t, cloud, broker)

	cloud.SetTwin(model.Twin{ID: "d1", Desired: model.Collection{Version: 2, Properties: map[string]interface{}{"x": 1.0}}})
	m.OnDeviceConnected(ctx, "d1")

	if len(broker.published) != 1 {
		t.Fatalf("published = %d, want 1 missed-update delivery", len(broker.published))
	}

	var patch model.Collection
	if err := json.Unmarshal(broker.published[0].payload, &patch); err != nil {
		t.Fatalf("decode delta: %v", err)
	}
	if patch.Properties["x"] != 1.0 {
		t.Fatalf("delta properties = %+v, want x=1", patch.Properties)
	}
}

func TestResyncAndFanoutAbortsSilentlyWhenUnreachable(t *testing.T) {
	ctx := context.Background()
	cloud := cloudsyncmock.New()
	cloud.GetTwinUnreachable = true
	broker := newFakeBroker()
	subscribeDevice(broker, "d1")
	m := newTestManager(t, cloud, broker)

	m.OnDeviceConnected(ctx, "d1")

	if len(broker.published) != 0 {
		t.Fatalf("published = %d, want 0 when the cloud is unreachable", len(broker.published))
	}
}

func TestResyncThrottledWithinMinSyncPeriod(t *testing.T) {
	ctx := context.Background()
	cloud := cloudsyncmock.New()
	broker := newFakeBroker()
	subscribeDevice(broker, "d1")
	m := newTestManager(t, cloud, broker)

	cloud.SetTwin(model.Twin{ID: "d1", Desired: model.Collection{Version: 1, Properties: map[string]interface{}{"x": 1.0}}})
	m.OnDeviceConnected(ctx, "d1")
	if len(broker.published) != 1 {
		t.Fatalf("first resync published = %d, want 1", len(broker.published))
	}

	cloud.SetTwin(model.Twin{ID: "d1", Desired: model.Collection{Version: 2, Properties: map[string]interface{}{"x": 2.0}}})
	m.OnDeviceConnected(ctx, "d1") // within minSyncPeriod, should be throttled

	if len(broker.published) != 1 {
		t.Fatalf("published after throttled resync = %d, want still 1", len(broker.published))
	}
}

func pad(i int) string {
	return "key-" + string(rune('a'+i%26)) + string(rune('A'+(i/26)%26)) + string(rune('0'+(i/676)%10))
}
