// Package serviceproxy implements the service proxy boundary (C10,
// spec §6): a paginated iterator over the remote identity service's
// full scope plus targeted single-identity lookups.
package serviceproxy

import (
	"context"

	"twingate/edge-gateway/internal/model"
)

// Iterator pages through the remote identity service's current
// scope. Errors surface as an empty page, never as a panic or
// blocking hang, per spec §6.
type Iterator interface {
	HasNext() bool
	Next(ctx context.Context) ([]model.ServiceIdentity, error)
}

// Proxy is the C10 contract identitycache depends on.
type Proxy interface {
	// Iterator returns a fresh paginated view over the full scope,
	// for a refresh cycle.
	Iterator(ctx context.Context) Iterator

	// GetIdentity looks up a single identity. moduleID is empty for a
	// device-level identity. ok is false on any failure or if the
	// identity is unknown; the proxy never returns an error to the
	// caller.
	GetIdentity(ctx context.Context, deviceID, moduleID string) (model.ServiceIdentity, bool)
}
