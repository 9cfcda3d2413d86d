package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	nowFn   func() time.Time
}

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// NewMemoryStore creates a memory-backed Store with the given entry TTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		nowFn:   time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

func (store *MemoryStore) Put(_ context.Context, userID string, token string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.entries[userID] = memoryEntry{
		token:     token,
		expiresAt: store.nowFn().Add(store.ttl),
	}
	return nil
}

func (store *MemoryStore) Take(_ context.Context, userID string) (string, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	entry, ok := store.entries[userID]
	if !ok {
		return "", false, nil
	}
	delete(store.entries, userID)
	if store.nowFn().After(entry.expiresAt) {
		return "", false, nil
	}
	return entry.token, true, nil
}
