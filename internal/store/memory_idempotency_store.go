package store

import (
	"context"
	"sync"
	"time"
)

// MemoryIdempotencyStore is an in-process IdempotencyStore used in tests
// and local single-process mode.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]memoryIdemEntry
}

type memoryIdemEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates an empty in-memory idempotency store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{entries: make(map[string]memoryIdemEntry)}
}

func (s *MemoryIdempotencyStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(s.entries, key)
		return nil, ErrNotFound
	}
	return entry.value, nil
}

func (s *MemoryIdempotencyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	s.entries[key] = memoryIdemEntry{value: value, expiresAt: time.Now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

func (s *MemoryIdempotencyStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryIdempotencyStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryIdempotencyStore) Close() error { return nil }

var _ IdempotencyStore = (*MemoryIdempotencyStore)(nil)
