package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/fieldline/coordinator/internal/apperrors"
	"github.com/fieldline/coordinator/internal/docstore"
	"github.com/fieldline/coordinator/internal/metrics"
	"github.com/fieldline/coordinator/internal/model"
	"go.uber.org/zap"
)

// SequenceService allocates gap-free monotonic sequence numbers from
// per-tenant counters. Each allocation is a single document transaction on
// the counter document; concurrent allocators race on the counter version
// and losers retry with jittered exponential backoff.
type SequenceService struct {
	docs        docstore.Store
	tenants     *TenantService
	scopes      map[string]bool
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// SequenceConfig tunes the allocation retry loop.
type SequenceConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// NewSequenceService creates a new sequence allocator. Counter specs define
// the registered scopes; allocation requests for any other scope are
// rejected.
func NewSequenceService(
	docs docstore.Store,
	tenants *TenantService,
	specs []model.CounterSpec,
	cfg SequenceConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *SequenceService {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 10 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 250 * time.Millisecond
	}

	scopes := make(map[string]bool, len(specs))
	for _, spec := range specs {
		scopes[spec.Scope] = true
	}

	return &SequenceService{
		docs:        docs,
		tenants:     tenants,
		scopes:      scopes,
		maxAttempts: cfg.MaxAttempts,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
		metrics:     m,
		logger:      logger,
	}
}

// Allocate reserves and returns the next sequence number for the counter.
// The returned number is never reused even if the caller subsequently
// fails; consumers tolerate gaps from abandoned allocations but never see
// duplicates.
func (s *SequenceService) Allocate(ctx context.Context, caller model.CallerContext, tenantID string, key model.CounterKey) (int64, error) {
	if !caller.MemberOf(tenantID) {
		return 0, fmt.Errorf("caller %s: %w", caller.CallerID, apperrors.ErrPermissionDenied)
	}
	return s.allocate(ctx, tenantID, key, "api")
}

// AllocateForReconciliation is the internal entry point used by the offline
// reconciliation handler. Authorization already happened when the record
// write was accepted.
func (s *SequenceService) AllocateForReconciliation(ctx context.Context, tenantID string, key model.CounterKey) (int64, error) {
	return s.allocate(ctx, tenantID, key, "reconcile")
}

func (s *SequenceService) allocate(ctx context.Context, tenantID string, key model.CounterKey, source string) (int64, error) {
	if err := key.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err)
	}
	if !s.scopes[key.Scope] {
		return 0, fmt.Errorf("%w: unknown counter scope %q", apperrors.ErrInvalidArgument, key.Scope)
	}
	if _, err := s.tenants.GetTenant(ctx, tenantID); err != nil {
		return 0, err
	}

	path := docstore.CounterPath(tenantID, key.StorageKey())

	var allocated int64
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err := s.docs.RunTransaction(ctx, func(tx docstore.Tx) error {
			current := int64(0)
			doc, err := tx.Get(path)
			if err == nil {
				counter, err := counterFromFields(doc.Fields)
				if err != nil {
					return err
				}
				current = counter.Current
			} else if !errors.Is(err, docstore.ErrNotFound) {
				return err
			}

			allocated = current + 1
			tx.Set(path, counterFields(model.SequenceCounter{
				TenantID: tenantID,
				Key:      key,
				Current:  allocated,
			}))
			return nil
		})
		if err == nil {
			s.metrics.AllocationsTotal.WithLabelValues(key.Scope, source).Inc()
			return allocated, nil
		}
		if !errors.Is(err, docstore.ErrConflict) {
			return 0, fmt.Errorf("failed to allocate sequence number: %w", err)
		}

		s.metrics.AllocationRetries.Inc()
		if attempt < s.maxAttempts {
			select {
			case <-time.After(s.backoff(attempt)):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
	}

	s.metrics.AllocationConflicts.Inc()
	s.logger.Warn("Sequence allocation exhausted retry budget",
		zap.String("tenant_id", tenantID),
		zap.String("counter", key.String()),
		zap.Int("attempts", s.maxAttempts))
	return 0, fmt.Errorf("counter %s: %w", key, apperrors.ErrTransientConflict)
}

// Current returns the last allocated number for a counter without
// advancing it. Zero if the counter has never been used.
func (s *SequenceService) Current(ctx context.Context, caller model.CallerContext, tenantID string, key model.CounterKey) (int64, error) {
	if !caller.MemberOf(tenantID) {
		return 0, fmt.Errorf("caller %s: %w", caller.CallerID, apperrors.ErrPermissionDenied)
	}
	if err := key.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err)
	}

	doc, err := s.docs.Get(ctx, docstore.CounterPath(tenantID, key.StorageKey()))
	if errors.Is(err, docstore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}

	counter, err := counterFromFields(doc.Fields)
	if err != nil {
		return 0, err
	}
	return counter.Current, nil
}

// backoff computes the jittered exponential delay for the given attempt.
func (s *SequenceService) backoff(attempt int) time.Duration {
	d := s.baseBackoff << uint(attempt-1)
	if d > s.maxBackoff {
		d = s.maxBackoff
	}
	// full jitter in [d/2, d)
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func counterFields(c model.SequenceCounter) map[string]any {
	return map[string]any{
		"tenantId": c.TenantID,
		"scope":    c.Key.Scope,
		"parentId": c.Key.ParentID,
		"name":     c.Key.Name,
		"current":  c.Current,
	}
}

func counterFromFields(fields map[string]any) (model.SequenceCounter, error) {
	current, ok := model.NumberValue(fields["current"])
	if !ok {
		return model.SequenceCounter{}, fmt.Errorf("counter document missing current value")
	}
	c := model.SequenceCounter{Current: current}
	if v, ok := fields["tenantId"].(string); ok {
		c.TenantID = v
	}
	if v, ok := fields["scope"].(string); ok {
		c.Key.Scope = v
	}
	if v, ok := fields["parentId"].(string); ok {
		c.Key.ParentID = v
	}
	if v, ok := fields["name"].(string); ok {
		c.Key.Name = v
	}
	return c, nil
}
