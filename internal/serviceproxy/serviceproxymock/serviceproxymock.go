// Package serviceproxymock is a canned serviceproxy.Proxy test
// double.
package serviceproxymock

import (
	"context"
	"sync"

	"twingate/edge-gateway/internal/model"
	"twingate/edge-gateway/internal/serviceproxy"
)

// Mock is a programmable Proxy: Pages is served in order by
// successive Iterator() calls (each call restarts from Pages[0]);
// Identities backs GetIdentity lookups.
type Mock struct {
	mu sync.Mutex

	Pages      [][]model.ServiceIdentity
	Identities map[string]model.ServiceIdentity
}

// New returns an empty Mock.
func New() *Mock {
	return &Mock{Identities: make(map[string]model.ServiceIdentity)}
}

// Iterator implements serviceproxy.Proxy.
func (m *Mock) Iterator(_ context.Context) serviceproxy.Iterator {
	m.mu.Lock()
	defer m.mu.Unlock()
	pages := make([][]model.ServiceIdentity, len(m.Pages))
	copy(pages, m.Pages)
	return &Iterator{pages: pages}
}

// GetIdentity implements serviceproxy.Proxy.
func (m *Mock) GetIdentity(_ context.Context, deviceID, moduleID string) (model.ServiceIdentity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := deviceID
	if moduleID != "" {
		id = deviceID + "/" + moduleID
	}
	identity, ok := m.Identities[id]
	return identity, ok
}

// Iterator is the Mock's paginated cursor.
type Iterator struct {
	pages [][]model.ServiceIdentity
	idx   int
}

// HasNext implements serviceproxy.Iterator.
func (it *Iterator) HasNext() bool {
	return it.idx < len(it.pages)
}

// Next implements serviceproxy.Iterator.
func (it *Iterator) Next(_ context.Context) ([]model.ServiceIdentity, error) {
	if it.idx >= len(it.pages) {
		return nil, nil
	}
	page := it.pages[it.idx]
	it.idx++
	return page, nil
}
