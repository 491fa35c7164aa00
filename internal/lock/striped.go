// Package lock provides a fixed-width striped keyed mutex table, per
// spec §4.2: acquire(key) grants exclusive access to an identifier,
// concurrent operations on the same key are totally ordered, and
// operations on different keys proceed in parallel subject to stripe
// collisions.
package lock

import (
	"hash/fnv"
	"sync"
)

// DefaultStripes is the default stripe width when none is configured.
const DefaultStripes = 10

// Table is a striped table of mutexes indexed by a stable hash of the
// lock key.
type Table struct {
	stripes []sync.Mutex
}

// NewTable constructs a Table with the given number of stripes.
// Stripes <= 0 falls back to DefaultStripes.
func NewTable(stripes int) *Table {
	if stripes <= 0 {
		stripes = DefaultStripes
	}
	return &Table{stripes: make([]sync.Mutex, stripes)}
}

// Guard releases the stripe lock it was issued from. Release is safe
// to call exactly once; guards must be released on every termination
// path, including panics, so callers should defer it immediately
// after Acquire returns.
type Guard struct {
	mu *sync.Mutex
}

// Release unlocks the underlying stripe.
func (g Guard) Release() {
	g.mu.Unlock()
}

// Acquire blocks until the stripe owning key is free, then returns a
// Guard holding exclusive access to it. The caller must call
// Release exactly once.
func (t *Table) Acquire(key string) Guard {
	mu := t.stripeFor(key)
	mu.Lock()
	return Guard{mu: mu}
}

func (t *Table) stripeFor(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	idx := int(h.Sum32()) % len(t.stripes)
	if idx < 0 {
		idx += len(t.stripes)
	}
	return &t.stripes[idx]
}

// Stripes reports the configured stripe width.
func (t *Table) Stripes() int {
	return len(t.stripes)
}
