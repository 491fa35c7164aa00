// Package cloudsync implements the cloud sync boundary (C6, spec
// §4.5): pulling authoritative twin state on connect, pushing
// reported-property batches upstream, and forwarding desired patches
// the cloud pushed down while this gateway was disconnected.
package cloudsync

import (
	"context"

	"twingate/edge-gateway/internal/model"
)

// Syncer is the contract twinmanager and reportedqueue depend on.
// Implementations classify every failure as transient (retry later)
// or permanent (the cloud rejected the data outright; drop it).
type Syncer interface {
	// GetTwin fetches the cloud's current view of a twin. ok is false
	// when the twin does not exist upstream yet.
	GetTwin(ctx context.Context, id string) (model.Twin, bool, error)

	// UpdateReported pushes a reported-properties patch upstream.
	UpdateReported(ctx context.Context, id string, patch model.Collection) model.SyncResult

	// SendDesiredPatch delivers patch to id's local device proxy if it
	// is currently subscribed for desired-property updates; otherwise
	// it is a no-op.
	SendDesiredPatch(ctx context.Context, id string, patch model.Collection) model.SyncResult
}
