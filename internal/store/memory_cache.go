package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// InMemoryCache is a TTL cache with a bounded entry count. When full, the
// entry closest to expiry is evicted.
type InMemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	maxSize int
	logger  *zap.Logger
}

type cacheEntry struct {
	value     any
	expiresAt time.Time
}

// NewInMemoryCache creates a cache holding at most maxSize entries.
func NewInMemoryCache(maxSize int, logger *zap.Logger) *InMemoryCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &InMemoryCache{
		entries: make(map[string]*cacheEntry),
		maxSize: maxSize,
		logger:  logger,
	}
}

// Get retrieves a cached value, expiring it lazily.
func (c *InMemoryCache) Get(ctx context.Context, key string) (any, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, ErrNotFound
	}
	return entry.value, nil
}

// Set stores a value with a TTL, evicting the soonest-expiring entry if the
// cache is full.
func (c *InMemoryCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxSize {
		if _, exists := c.entries[key]; !exists {
			c.evictOne()
		}
	}

	c.entries[key] = &cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Delete removes a cached value.
func (c *InMemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// evictOne removes the entry closest to expiry. Caller holds the lock.
func (c *InMemoryCache) evictOne() {
	var victim string
	var soonest time.Time
	for key, entry := range c.entries {
		if victim == "" || entry.expiresAt.Before(soonest) {
			victim = key
			soonest = entry.expiresAt
		}
	}
	if victim != "" {
		delete(c.entries, victim)
	}
}

var _ Cache = (*InMemoryCache)(nil)
