package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldline/coordinator/internal/store"
	"go.uber.org/zap"
)

// IdempotencyService caches serialized responses keyed by the client's
// Idempotency-Key header, so retried allocation requests replay the
// original response instead of burning another sequence number.
type IdempotencyService struct {
	store  store.IdempotencyStore
	ttl    time.Duration
	logger *zap.Logger
}

// NewIdempotencyService creates a new idempotency service.
func NewIdempotencyService(st store.IdempotencyStore, ttl time.Duration, logger *zap.Logger) *IdempotencyService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyService{store: st, ttl: ttl, logger: logger}
}

// Lookup returns the cached response for a key, or (nil, false) if none.
func (s *IdempotencyService) Lookup(ctx context.Context, tenantID, key string) ([]byte, bool) {
	data, err := s.store.Get(ctx, s.storageKey(tenantID, key))
	if errors.Is(err, store.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		// Treat the store being down as a miss; the worst case is a
		// duplicate allocation, which consumers already tolerate as a gap.
		s.logger.Warn("Idempotency lookup failed",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		return nil, false
	}
	return data, true
}

// Record stores a response for replay.
func (s *IdempotencyService) Record(ctx context.Context, tenantID, key string, response []byte) {
	if err := s.store.Set(ctx, s.storageKey(tenantID, key), response, s.ttl); err != nil {
		s.logger.Warn("Failed to record idempotent response",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
	}
}

func (s *IdempotencyService) storageKey(tenantID, key string) string {
	return fmt.Sprintf("idem:%s:%s", tenantID, key)
}
