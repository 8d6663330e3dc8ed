// Package idempotency provides the set-if-absent markers that make outcome
// reporting safe under at-least-once job delivery.
//
// A marker is claimed once per (broadcast, recipient); a second claim within
// the TTL means the recipient was already counted and the report is a no-op.
// TTL expiry before a very slow broadcast finishes would re-admit a
// duplicate; that window is a documented, tolerated race.
package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Checker claims idempotency keys.
//
// CheckAndSet returns true when the key was newly claimed (first report for
// this recipient) and false when a live claim already exists.
type Checker interface {
	CheckAndSet(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

var ErrEmptyKey = errors.New("idempotency key is empty")

// Memory is a mutex-guarded in-process checker. Suitable for a single-node
// deployment with the in-memory queue, and for tests.
type Memory struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ops     int
}

func NewMemory() *Memory {
	return &Memory{entries: map[string]time.Time{}}
}

func (m *Memory) CheckAndSet(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if until, ok := m.entries[key]; ok && now.Before(until) {
		return false, nil
	}
	m.entries[key] = now.Add(ttl)

	// Amortized cleanup so the map doesn't grow with every broadcast ever made.
	m.ops++
	if m.ops%512 == 0 {
		for k, until := range m.entries {
			if !now.Before(until) {
				delete(m.entries, k)
			}
		}
	}
	return true, nil
}

// MarkerStore is the persisted half of the store-backed checker
// (implemented by the sqlite storage layer).
type MarkerStore interface {
	PutDedupIfAbsent(ctx context.Context, key string, until time.Time) (bool, error)
}

// Store adapts a persisted marker table to the Checker interface. Markers
// survive restarts, which matters when the queue redelivers after a crash.
type Store struct {
	store MarkerStore
}

func NewStore(store MarkerStore) *Store {
	return &Store{store: store}
}

func (s *Store) CheckAndSet(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	return s.store.PutDedupIfAbsent(ctx, key, time.Now().Add(ttl))
}
