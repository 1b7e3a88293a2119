package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/fieldline/coordinator/internal/apperrors"
	"github.com/fieldline/coordinator/internal/docstore"
	"github.com/fieldline/coordinator/internal/metrics"
	"github.com/fieldline/coordinator/internal/model"
	"github.com/fieldline/coordinator/internal/schema"
	"go.uber.org/zap"
)

// MigrationConfig tunes the migration coordinator.
type MigrationConfig struct {
	// BatchSize is the number of documents rewritten per transaction batch
	BatchSize int
	// StallThreshold is how long an in-progress migration may run before
	// the sweep force-fails it
	StallThreshold time.Duration
	// SweepInterval is how often the stall sweep scans tenants
	SweepInterval time.Duration
	// EstimateThroughput is the assumed documents-per-second used for
	// duration estimates
	EstimateThroughput int64
}

func (c *MigrationConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = 4 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Minute
	}
	if c.EstimateThroughput <= 0 {
		c.EstimateThroughput = 200
	}
}

// MigrationService coordinates tenant schema migrations: estimation,
// batched execution, rollback and the stall sweep. Migration state lives in
// the tenant document; progress updates there double as the liveness signal
// the sweep watches.
type MigrationService struct {
	docs     docstore.Store
	tenants  *TenantService
	registry *schema.Registry
	cfg      MigrationConfig
	metrics  *metrics.Metrics
	logger   *zap.Logger

	// running tracks migrations executing in this process, for shutdown
	running sync.WaitGroup
}

// NewMigrationService creates a new migration coordinator.
func NewMigrationService(
	docs docstore.Store,
	tenants *TenantService,
	registry *schema.Registry,
	cfg MigrationConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *MigrationService {
	cfg.applyDefaults()
	return &MigrationService{
		docs:     docs,
		tenants:  tenants,
		registry: registry,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
	}
}

// Estimate computes the scope of a migration without touching any data.
func (s *MigrationService) Estimate(ctx context.Context, caller model.CallerContext, tenantID string, targetVersion int) (*model.MigrationEstimate, error) {
	if !caller.OwnerOf(tenantID) {
		return nil, fmt.Errorf("caller %s: %w", caller.CallerID, apperrors.ErrPermissionDenied)
	}

	transform, ok := s.registry.Lookup(targetVersion)
	if !ok {
		return nil, fmt.Errorf("%w: no transform registered for version %d", apperrors.ErrInvalidArgument, targetVersion)
	}
	if _, err := s.tenants.GetTenant(ctx, tenantID); err != nil {
		return nil, err
	}

	estimate := &model.MigrationEstimate{
		TargetVersion:         targetVersion,
		DocumentsByCollection: make(map[string]int64),
	}
	for _, collection := range transform.Collections() {
		count, err := s.docs.Count(ctx, docstore.RecordCollection(tenantID, collection))
		if err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", collection, err)
		}
		estimate.DocumentsByCollection[collection] = count
		estimate.EstimatedDocuments += count
	}

	seconds := estimate.EstimatedDocuments / s.cfg.EstimateThroughput
	if estimate.EstimatedDocuments%s.cfg.EstimateThroughput != 0 {
		seconds++
	}
	estimate.EstimatedDuration = time.Duration(seconds) * time.Second
	return estimate, nil
}

// Execute starts a migration to targetVersion. It validates preconditions,
// marks the migration in progress (which closes the write gate), and runs
// the batch loop in the background. Progress is polled through the tenant
// document. A failed migration to the same version may be retried.
func (s *MigrationService) Execute(ctx context.Context, caller model.CallerContext, tenantID string, targetVersion int) error {
	if !caller.OwnerOf(tenantID) {
		return fmt.Errorf("caller %s: %w", caller.CallerID, apperrors.ErrPermissionDenied)
	}

	transform, ok := s.registry.Lookup(targetVersion)
	if !ok {
		return fmt.Errorf("%w: no transform registered for version %d", apperrors.ErrInvalidArgument, targetVersion)
	}

	err := s.updateTenant(ctx, tenantID, func(tenant *model.Tenant) error {
		if targetVersion != tenant.SchemaVersion+1 {
			return fmt.Errorf("%w: tenant is at version %d, cannot migrate to %d",
				apperrors.ErrMigrationPrecondition, tenant.SchemaVersion, targetVersion)
		}
		if tenant.MigrationInProgress() {
			return fmt.Errorf("%w: another migration is in progress", apperrors.ErrMigrationPrecondition)
		}
		if prev := tenant.Migration(targetVersion); prev != nil && !prev.CanTransition(model.MigrationStatusInProgress) {
			return fmt.Errorf("%w: migration to version %d is %s",
				apperrors.ErrMigrationPrecondition, targetVersion, prev.Status)
		}

		tenant.SetMigration(&model.MigrationState{
			TargetVersion: targetVersion,
			Status:        model.MigrationStatusInProgress,
			StartedAt:     time.Now(),
			TriggeredBy:   caller.CallerID,
		})
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Migration started",
		zap.String("tenant_id", tenantID),
		zap.Int("target_version", targetVersion),
		zap.String("triggered_by", caller.CallerID))

	s.running.Add(1)
	go func() {
		defer s.running.Done()
		s.run(context.Background(), tenantID, targetVersion, transform)
	}()

	return nil
}

// run executes the batch loop for one migration. Batch failures mark the
// migration failed and leave the schema version unchanged; documents
// already rewritten stay rewritten, which transforms tolerate by being
// idempotent.
func (s *MigrationService) run(ctx context.Context, tenantID string, targetVersion int, transform schema.Transform) {
	var processed int64
	for _, collection := range transform.Collections() {
		if _, err := s.rewriteCollection(ctx, tenantID, collection, transform.Apply, targetVersion, &processed); err != nil {
			s.fail(ctx, tenantID, targetVersion, err)
			return
		}
	}

	err := s.updateTenant(ctx, tenantID, func(tenant *model.Tenant) error {
		state := tenant.Migration(targetVersion)
		if state == nil || !state.CanTransition(model.MigrationStatusCompleted) {
			return fmt.Errorf("migration to version %d no longer in progress", targetVersion)
		}
		state.Status = model.MigrationStatusCompleted
		state.DocumentsProcessed = processed
		tenant.SchemaVersion = targetVersion
		return nil
	})
	if err != nil {
		// The sweep may have force-failed us while the last batch ran.
		s.logger.Error("Failed to record migration completion",
			zap.String("tenant_id", tenantID),
			zap.Int("target_version", targetVersion),
			zap.Error(err))
		return
	}

	s.metrics.MigrationsTotal.WithLabelValues(string(model.MigrationStatusCompleted)).Inc()
	s.logger.Info("Migration completed",
		zap.String("tenant_id", tenantID),
		zap.Int("target_version", targetVersion),
		zap.Int64("documents_processed", processed))
}

// rewriteCollection pages through a collection and rewrites each batch in
// its own transaction, recording progress on the tenant document after
// every batch.
func (s *MigrationService) rewriteCollection(
	ctx context.Context,
	tenantID, collection string,
	rewrite func(map[string]any) (map[string]any, error),
	targetVersion int,
	processed *int64,
) (int64, error) {
	collectionPath := docstore.RecordCollection(tenantID, collection)
	afterPath := ""
	var total int64

	for {
		docs, err := s.docs.List(ctx, collectionPath, afterPath, s.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("failed to list %s: %w", collection, err)
		}
		if len(docs) == 0 {
			return total, nil
		}

		paths := make([]string, len(docs))
		for i, doc := range docs {
			paths[i] = doc.Path
		}

		err = s.docs.RunTransaction(ctx, func(tx docstore.Tx) error {
			for _, path := range paths {
				doc, err := tx.Get(path)
				if errors.Is(err, docstore.ErrNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				fields, err := rewrite(doc.Fields)
				if err != nil {
					return fmt.Errorf("transform failed for %s: %w", path, err)
				}
				tx.Set(path, fields)
			}
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("batch at %q: %w", afterPath, err)
		}

		total += int64(len(docs))
		*processed += int64(len(docs))
		afterPath = docs[len(docs)-1].Path

		if err := s.recordProgress(ctx, tenantID, targetVersion, *processed); err != nil {
			return total, err
		}

		if len(docs) < s.cfg.BatchSize {
			return total, nil
		}
	}
}

// recordProgress updates the documentsProcessed count on the tenant
// document, which is where clients poll migration progress. The stall sweep
// does not look at this count; it fails any run older than the threshold,
// so a single run must finish within it.
func (s *MigrationService) recordProgress(ctx context.Context, tenantID string, targetVersion int, processed int64) error {
	err := s.updateTenant(ctx, tenantID, func(tenant *model.Tenant) error {
		state := tenant.Migration(targetVersion)
		if state == nil || state.Status != model.MigrationStatusInProgress {
			return fmt.Errorf("migration to version %d no longer in progress", targetVersion)
		}
		state.DocumentsProcessed = processed
		return nil
	})
	if err != nil {
		return err
	}
	s.metrics.MigrationDocumentsProcessed.
		WithLabelValues(tenantID, strconv.Itoa(targetVersion)).
		Set(float64(processed))
	return nil
}

func (s *MigrationService) fail(ctx context.Context, tenantID string, targetVersion int, cause error) {
	s.logger.Error("Migration failed",
		zap.String("tenant_id", tenantID),
		zap.Int("target_version", targetVersion),
		zap.Error(cause))

	err := s.updateTenant(ctx, tenantID, func(tenant *model.Tenant) error {
		state := tenant.Migration(targetVersion)
		if state == nil || !state.CanTransition(model.MigrationStatusFailed) {
			return fmt.Errorf("migration to version %d not failable", targetVersion)
		}
		state.Status = model.MigrationStatusFailed
		state.Error = cause.Error()
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to record migration failure",
			zap.String("tenant_id", tenantID),
			zap.Int("target_version", targetVersion),
			zap.Error(err))
		return
	}
	s.metrics.MigrationsTotal.WithLabelValues(string(model.MigrationStatusFailed)).Inc()
}

// Rollback reverts a completed or failed migration one version back,
// running the transform's Revert over the affected collections
// synchronously. Only single-step rollbacks are supported.
func (s *MigrationService) Rollback(ctx context.Context, caller model.CallerContext, tenantID string, toVersion int) error {
	if !caller.OwnerOf(tenantID) {
		return fmt.Errorf("caller %s: %w", caller.CallerID, apperrors.ErrPermissionDenied)
	}

	fromVersion := toVersion + 1
	transform, ok := s.registry.Lookup(fromVersion)
	if !ok {
		return fmt.Errorf("%w: no transform registered for version %d", apperrors.ErrInvalidArgument, fromVersion)
	}

	tenant, err := s.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	state := tenant.Migration(fromVersion)
	if state == nil {
		return fmt.Errorf("%w: no migration to version %d recorded", apperrors.ErrMigrationPrecondition, fromVersion)
	}
	if !state.CanTransition(model.MigrationStatusRolledBack) {
		return fmt.Errorf("%w: migration to version %d is %s",
			apperrors.ErrMigrationPrecondition, fromVersion, state.Status)
	}

	var reverted int64
	for _, collection := range transform.Collections() {
		if _, err := s.rewriteCollectionReverse(ctx, tenantID, collection, transform.Revert, &reverted); err != nil {
			return fmt.Errorf("rollback of %s: %w", collection, err)
		}
	}

	err = s.updateTenant(ctx, tenantID, func(tenant *model.Tenant) error {
		state := tenant.Migration(fromVersion)
		if state == nil || !state.CanTransition(model.MigrationStatusRolledBack) {
			return fmt.Errorf("%w: migration state changed during rollback", apperrors.ErrMigrationPrecondition)
		}
		state.Status = model.MigrationStatusRolledBack
		tenant.SchemaVersion = toVersion
		return nil
	})
	if err != nil {
		return err
	}

	s.metrics.MigrationsTotal.WithLabelValues(string(model.MigrationStatusRolledBack)).Inc()
	s.logger.Info("Migration rolled back",
		zap.String("tenant_id", tenantID),
		zap.Int("from_version", fromVersion),
		zap.Int("to_version", toVersion),
		zap.Int64("documents_reverted", reverted))
	return nil
}

func (s *MigrationService) rewriteCollectionReverse(
	ctx context.Context,
	tenantID, collection string,
	rewrite func(map[string]any) (map[string]any, error),
	processed *int64,
) (int64, error) {
	// Rollback reuses the forward batch loop; progress is not recorded on
	// the tenant document because rollback is synchronous.
	collectionPath := docstore.RecordCollection(tenantID, collection)
	afterPath := ""
	var total int64

	for {
		docs, err := s.docs.List(ctx, collectionPath, afterPath, s.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("failed to list %s: %w", collection, err)
		}
		if len(docs) == 0 {
			return total, nil
		}

		err = s.docs.RunTransaction(ctx, func(tx docstore.Tx) error {
			for _, d := range docs {
				doc, err := tx.Get(d.Path)
				if errors.Is(err, docstore.ErrNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				fields, err := rewrite(doc.Fields)
				if err != nil {
					return fmt.Errorf("revert failed for %s: %w", d.Path, err)
				}
				tx.Set(d.Path, fields)
			}
			return nil
		})
		if err != nil {
			return total, err
		}

		total += int64(len(docs))
		*processed += int64(len(docs))
		afterPath = docs[len(docs)-1].Path
		if len(docs) < s.cfg.BatchSize {
			return total, nil
		}
	}
}

// RunStallSweep scans tenants on an interval and force-fails migrations
// that have been in progress longer than the stall threshold, reopening
// the write gate. Runs until the context is cancelled.
func (s *MigrationService) RunStallSweep(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *MigrationService) sweepOnce(ctx context.Context) {
	after := ""
	for {
		tenants, err := s.tenants.ListTenants(ctx, after, 100)
		if err != nil {
			s.logger.Error("Stall sweep failed to list tenants", zap.Error(err))
			return
		}
		if len(tenants) == 0 {
			return
		}

		now := time.Now()
		for _, tenant := range tenants {
			for _, state := range tenant.Migrations {
				if state.Stalled(s.cfg.StallThreshold, now) {
					s.failStalled(ctx, tenant.TenantID, state.TargetVersion)
				}
			}
		}

		after = tenants[len(tenants)-1].TenantID
		if len(tenants) < 100 {
			return
		}
	}
}

func (s *MigrationService) failStalled(ctx context.Context, tenantID string, targetVersion int) {
	err := s.updateTenant(ctx, tenantID, func(tenant *model.Tenant) error {
		state := tenant.Migration(targetVersion)
		if state == nil || !state.Stalled(s.cfg.StallThreshold, time.Now()) {
			return fmt.Errorf("migration no longer stalled")
		}
		state.Status = model.MigrationStatusFailed
		state.Error = "stalled: no progress within threshold"
		return nil
	})
	if err != nil {
		s.logger.Warn("Failed to fail stalled migration",
			zap.String("tenant_id", tenantID),
			zap.Int("target_version", targetVersion),
			zap.Error(err))
		return
	}

	s.metrics.MigrationsStalled.Inc()
	s.metrics.MigrationsTotal.WithLabelValues(string(model.MigrationStatusFailed)).Inc()
	s.logger.Warn("Force-failed stalled migration",
		zap.String("tenant_id", tenantID),
		zap.Int("target_version", targetVersion))
}

// Wait blocks until background migrations started by this instance finish.
func (s *MigrationService) Wait() {
	s.running.Wait()
}

// updateTenant applies fn to the tenant document inside a transaction with
// a small retry budget for version conflicts, then invalidates the tenant
// cache so the write gate sees the change.
func (s *MigrationService) updateTenant(ctx context.Context, tenantID string, fn func(*model.Tenant) error) error {
	path := docstore.TenantPath(tenantID)

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = s.docs.RunTransaction(ctx, func(tx docstore.Tx) error {
			doc, err := tx.Get(path)
			if errors.Is(err, docstore.ErrNotFound) {
				return fmt.Errorf("tenant %s: %w", tenantID, apperrors.ErrNotFound)
			}
			if err != nil {
				return err
			}
			tenant, err := model.TenantFromFields(doc.Fields)
			if err != nil {
				return err
			}
			if err := fn(tenant); err != nil {
				return err
			}
			tenant.UpdatedAt = time.Now()
			fields, err := tenant.Fields()
			if err != nil {
				return err
			}
			tx.Set(path, fields)
			return nil
		})
		if !errors.Is(err, docstore.ErrConflict) {
			break
		}
	}
	if err != nil {
		return err
	}

	s.tenants.InvalidateCache(ctx, tenantID)
	return nil
}
