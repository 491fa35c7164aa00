package kvstore

import (
	"context"
	"sort"
	"testing"
)

func TestMemoryStoreGetPutRemove(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get(missing) = (_, %v, %v), want (_, false, nil)", ok, err)
	}

	if err := s.Put(ctx, "k1", []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	v, ok, err := s.Get(ctx, "k1")
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("Get(k1) = (%q, %v, %v), want (v1, true, nil)", v, ok, err)
	}

	if err := s.Remove(ctx, "k1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "k1"); ok {
		t.Fatal("Get after Remove should be absent")
	}

	if err := s.Remove(ctx, "never-existed"); err != nil {
		t.Fatalf("Remove of absent key should not error: %v", err)
	}
}

func TestMemoryStoreIteratePrefix(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_ = s.Put(ctx, "twin/a", []byte("1"))
	_ = s.Put(ctx, "twin/b", []byte("2"))
	_ = s.Put(ctx, "identity/a", []byte("3"))

	var keys []string
	err := s.Iterate(ctx, "twin/", func(key string, value []byte) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}

	sort.Strings(keys)
	want := []string{"twin/a", "twin/b"}
	if len(keys) != len(want) || keys[0] != want[0] || keys[1] != want[1] {
		t.Fatalf("Iterate(twin/) = %v, want %v", keys, want)
	}
}

func TestMemoryStoreIterateStopsOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Put(ctx, "a", []byte("1"))
	_ = s.Put(ctx, "b", []byte("2"))

	sentinel := context.Canceled
	calls := 0
	err := s.Iterate(ctx, "", func(key string, value []byte) error {
		calls++
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("Iterate error = %v, want sentinel", err)
	}
	if calls != 1 {
		t.Fatalf("fn called %d times, want exactly 1 (stop on first error)", calls)
	}
}
