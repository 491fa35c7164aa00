// Package kvstore defines the persistent key/value interface (C1,
// spec §6) used by the twin store, the reported-properties queue, and
// the identity scope cache, plus a durable implementation on top of
// modernc.org/sqlite.
package kvstore

import "context"

// Store is a persistent key->bytes map. All methods are asynchronous
// in the sense that they accept a context for cancellation; a
// successful return is assumed durable, per spec §6.
type Store interface {
	// Get returns the value for key and true, or nil and false if the
	// key is absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores value under key, overwriting any existing value.
	Put(ctx context.Context, key string, value []byte) error

	// Remove deletes key. It is not an error if the key is absent.
	Remove(ctx context.Context, key string) error

	// Iterate calls fn for every stored key with the given prefix, in
	// unspecified order. Iterate stops and returns fn's error if fn
	// returns a non-nil error.
	Iterate(ctx context.Context, prefix string, fn func(key string, value []byte) error) error

	// Close releases underlying resources.
	Close() error
}
