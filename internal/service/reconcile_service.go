package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/fieldline/coordinator/internal/apperrors"
	"github.com/fieldline/coordinator/internal/docstore"
	"github.com/fieldline/coordinator/internal/metrics"
	"github.com/fieldline/coordinator/internal/model"
	"github.com/fieldline/coordinator/internal/util/workerpool"
	"go.uber.org/zap"
)

// ReconcileService assigns canonical sequence numbers to records that were
// created offline and synced without one. It consumes the document change
// feed; every record creation in a sequenced collection whose sequence
// field is still unset gets a number allocated and patched in. The patch is
// conditional on the record version so a concurrent assignment (another
// coordinator instance, or the client itself) wins cleanly.
type ReconcileService struct {
	docs      docstore.Store
	sequences *SequenceService
	specs     map[string]model.CounterSpec
	pool      *workerpool.Pool
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewReconcileService creates a new reconciliation handler. Counter specs
// map collection base names to the counter each record draws from.
func NewReconcileService(
	docs docstore.Store,
	sequences *SequenceService,
	specs []model.CounterSpec,
	pool *workerpool.Pool,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ReconcileService {
	byCollection := make(map[string]model.CounterSpec, len(specs))
	for _, spec := range specs {
		byCollection[spec.Collection] = spec
	}
	return &ReconcileService{
		docs:      docs,
		sequences: sequences,
		specs:     byCollection,
		pool:      pool,
		metrics:   m,
		logger:    logger,
	}
}

// Run consumes the feed until the context is cancelled. Events that fail
// transiently are nacked and redelivered, so a crash between allocation
// and patch is repaired on the next delivery.
func (s *ReconcileService) Run(ctx context.Context, feed docstore.Feed) error {
	for {
		ev, err := feed.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("change feed: %w", err)
		}

		spec, relevant := s.relevantEvent(ev)
		if !relevant {
			if err := feed.Ack(ctx, ev); err != nil {
				s.logger.Warn("Failed to ack event", zap.Int64("event_id", ev.ID), zap.Error(err))
			}
			continue
		}

		event := ev
		err = s.pool.Submit(ctx, workerpool.Task{
			ID: fmt.Sprintf("reconcile-%d", event.ID),
			Fn: func(taskCtx context.Context) error {
				return s.handleEvent(taskCtx, feed, event, spec)
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to dispatch reconciliation: %w", err)
		}
	}
}

// relevantEvent reports whether the event is a live record in a sequenced
// collection. Counter documents, tenant documents and deletions are skipped.
func (s *ReconcileService) relevantEvent(ev *docstore.Event) (model.CounterSpec, bool) {
	if ev.After == nil {
		return model.CounterSpec{}, false
	}
	collection := docstore.CollectionOf(ev.Path)
	spec, ok := s.specs[docstore.BaseName(collection)]
	if !ok {
		return model.CounterSpec{}, false
	}
	if docstore.TenantOf(ev.Path) == "" {
		return model.CounterSpec{}, false
	}
	return spec, true
}

func (s *ReconcileService) handleEvent(ctx context.Context, feed docstore.Feed, ev *docstore.Event, spec model.CounterSpec) error {
	outcome, err := s.reconcile(ctx, ev, spec)
	if err != nil {
		s.metrics.ReconcileTotal.WithLabelValues("retry").Inc()
		s.logger.Warn("Reconciliation failed, will redeliver",
			zap.String("path", ev.Path),
			zap.Int("attempts", ev.Attempts),
			zap.Error(err))
		if nackErr := feed.Nack(ctx, ev); nackErr != nil {
			s.logger.Warn("Failed to nack event", zap.Int64("event_id", ev.ID), zap.Error(nackErr))
		}
		return err
	}

	s.metrics.ReconcileTotal.WithLabelValues(outcome).Inc()
	if ackErr := feed.Ack(ctx, ev); ackErr != nil {
		s.logger.Warn("Failed to ack event", zap.Int64("event_id", ev.ID), zap.Error(ackErr))
	}
	return nil
}

// reconcile performs one assignment attempt and returns the outcome label.
// A nil error means the event is resolved and must be acked; any error
// means the event should be redelivered.
func (s *ReconcileService) reconcile(ctx context.Context, ev *docstore.Event, spec model.CounterSpec) (string, error) {
	// Re-read rather than trusting the snapshot: the event may be a
	// redelivery and the record may have been assigned meanwhile.
	doc, err := s.docs.Get(ctx, ev.Path)
	if errors.Is(err, docstore.ErrNotFound) {
		return "deleted", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read record: %w", err)
	}

	if _, assigned := model.SequenceNumberOf(doc.Fields); assigned {
		return "already_assigned", nil
	}

	tenantID := docstore.TenantOf(ev.Path)
	key := model.CounterKey{Scope: spec.Scope, Name: spec.Name}
	if spec.PerParent {
		key.ParentID = docstore.ParentID(ev.Path)
		if key.ParentID == "" {
			s.logger.Warn("Per-parent counter on top-level record, skipping",
				zap.String("path", ev.Path),
				zap.String("collection", spec.Collection))
			return "skipped", nil
		}
	}

	n, err := s.sequences.AllocateForReconciliation(ctx, tenantID, key)
	if errors.Is(err, apperrors.ErrNotFound) {
		// Record outlived its tenant; nothing to assign against.
		s.logger.Warn("Skipping record for missing tenant",
			zap.String("path", ev.Path),
			zap.String("tenant_id", tenantID))
		return "orphaned", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to allocate for %s: %w", ev.Path, err)
	}

	_, err = s.docs.Patch(ctx, ev.Path, map[string]any{model.SequenceField: n}, doc.Version)
	if errors.Is(err, docstore.ErrConflict) {
		// The record changed under us. If the concurrent writer assigned a
		// number, we lost the race and our allocation becomes a gap; that
		// is the accepted cost of never reusing numbers.
		fresh, readErr := s.docs.Get(ctx, ev.Path)
		if errors.Is(readErr, docstore.ErrNotFound) {
			return "deleted", nil
		}
		if readErr != nil {
			return "", fmt.Errorf("failed to re-read after conflict: %w", readErr)
		}
		if _, assigned := model.SequenceNumberOf(fresh.Fields); assigned {
			return "lost_race", nil
		}
		return "", fmt.Errorf("record %s changed during assignment: %w", ev.Path, err)
	}
	if errors.Is(err, docstore.ErrNotFound) {
		return "deleted", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to patch sequence number: %w", err)
	}

	s.logger.Debug("Assigned sequence number",
		zap.String("path", ev.Path),
		zap.String("counter", key.String()),
		zap.Int64("sequence_number", n))
	return "assigned", nil
}
