// Package cloudsyncmock is an in-memory Syncer test double for
// exercising reportedqueue and twinmanager without a live MQTT
// broker.
package cloudsyncmock

import (
	"context"
	"sync"

	"twingate/edge-gateway/internal/model"
)

// Mock is a programmable in-memory cloudsync.Syncer.
type Mock struct {
	mu sync.Mutex

	twins map[string]model.Twin

	// ReportedResult, if set, is returned for every UpdateReported
	// call; defaults to model.SyncOK.
	ReportedResult model.SyncResult
	// GetTwinUnreachable, when true, makes GetTwin behave as if the
	// cloud were unreachable.
	GetTwinUnreachable bool

	ReportedCalls []ReportedCall
	DesiredCalls  []DesiredCall
}

// ReportedCall records one UpdateReported invocation.
type ReportedCall struct {
	ID    string
	Patch model.Collection
}

// DesiredCall records one SendDesiredPatch invocation.
type DesiredCall struct {
	ID    string
	Patch model.Collection
}

// New returns a Mock with no twins and SyncOK as the default reported
// result.
func New() *Mock {
	return &Mock{twins: make(map[string]model.Twin)}
}

// SetTwin seeds the cloud-side twin for id, as if the cloud already
// held this state.
func (m *Mock) SetTwin(twin model.Twin) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.twins[twin.ID] = twin
}

// GetTwin implements cloudsync.Syncer.
func (m *Mock) GetTwin(_ context.Context, id string) (model.Twin, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetTwinUnreachable {
		return model.Twin{}, false, nil
	}
	t, ok := m.twins[id]
	return t, ok, nil
}

// UpdateReported implements cloudsync.Syncer.
func (m *Mock) UpdateReported(_ context.Context, id string, patch model.Collection) model.SyncResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ReportedCalls = append(m.ReportedCalls, ReportedCall{ID: id, Patch: patch})
	return m.ReportedResult
}

// SendDesiredPatch implements cloudsync.Syncer.
func (m *Mock) SendDesiredPatch(_ context.Context, id string, patch model.Collection) model.SyncResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DesiredCalls = append(m.DesiredCalls, DesiredCall{ID: id, Patch: patch})
	return model.SyncOK
}
