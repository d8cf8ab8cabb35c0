package cache

import (
	"context"
	"sync"
	"time"

	"github.com/crowdpost/connect/internal/state"
)

// MemoryStateStore implements state.Store with an in-process expiring map.
// Suitable for single-node deployments and tests.
type MemoryStateStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	pending   state.PendingAuthorization
	expiresAt time.Time
}

var _ state.Store = (*MemoryStateStore)(nil)

// NewMemoryStateStore constructs an empty in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{entries: make(map[string]memoryEntry)}
}

// Save records the pending authorization and sweeps expired entries.
func (s *MemoryStateStore) Save(_ context.Context, key string, pending state.PendingAuthorization, ttl time.Duration) error {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(now)
	s.entries[key] = memoryEntry{pending: pending, expiresAt: now.Add(ttl)}
	return nil
}

// Consume removes and returns the entry under the lock, so only one caller
// can ever redeem a given key.
func (s *MemoryStateStore) Consume(_ context.Context, key string) (*state.PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	delete(s.entries, key)
	if time.Now().After(entry.expiresAt) {
		return nil, nil
	}
	pending := entry.pending
	return &pending, nil
}

func (s *MemoryStateStore) sweepLocked(now time.Time) {
	for key, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, key)
		}
	}
}
