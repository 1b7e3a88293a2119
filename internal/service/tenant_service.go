package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldline/coordinator/internal/apperrors"
	"github.com/fieldline/coordinator/internal/docstore"
	"github.com/fieldline/coordinator/internal/model"
	"github.com/fieldline/coordinator/internal/store"
	"go.uber.org/zap"
)

// TenantService manages tenant documents and fronts them with a TTL cache.
// The write gate consults tenant state on every mutation, so lookups must
// stay cheap; the cache is invalidated whenever the migration coordinator
// changes tenant state.
type TenantService struct {
	docs     docstore.Store
	cache    store.Cache
	cacheTTL time.Duration
	logger   *zap.Logger
}

// NewTenantService creates a new tenant service.
func NewTenantService(docs docstore.Store, cache store.Cache, cacheTTL time.Duration, logger *zap.Logger) *TenantService {
	return &TenantService{
		docs:     docs,
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

// GetTenant retrieves a tenant, using the cache when possible.
func (s *TenantService) GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	cacheKey := s.tenantCacheKey(tenantID)
	if cached, err := s.cache.Get(ctx, cacheKey); err == nil {
		if tenant, ok := cached.(*model.Tenant); ok {
			return tenant, nil
		}
	}

	doc, err := s.docs.Get(ctx, docstore.TenantPath(tenantID))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tenant: %w", err)
	}

	tenant, err := model.TenantFromFields(doc.Fields)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, cacheKey, tenant, s.cacheTTL); err != nil {
		s.logger.Warn("Failed to cache tenant",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
	}

	return tenant, nil
}

// CreateTenant provisions a new tenant at schema version 1.
func (s *TenantService) CreateTenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", apperrors.ErrInvalidArgument)
	}

	now := time.Now()
	tenant := &model.Tenant{
		TenantID:      tenantID,
		SchemaVersion: 1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	path := docstore.TenantPath(tenantID)
	err := s.docs.RunTransaction(ctx, func(tx docstore.Tx) error {
		if _, err := tx.Get(path); err == nil {
			return fmt.Errorf("tenant %s: %w", tenantID, apperrors.ErrAlreadyExists)
		} else if !errors.Is(err, docstore.ErrNotFound) {
			return err
		}
		fields, err := tenant.Fields()
		if err != nil {
			return err
		}
		tx.Set(path, fields)
		return nil
	})
	if errors.Is(err, docstore.ErrConflict) {
		// Lost a create race; the tenant exists now.
		return nil, fmt.Errorf("tenant %s: %w", tenantID, apperrors.ErrAlreadyExists)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("Created tenant", zap.String("tenant_id", tenantID))

	if err := s.cache.Set(ctx, s.tenantCacheKey(tenantID), tenant, s.cacheTTL); err != nil {
		s.logger.Warn("Failed to cache new tenant",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
	}

	return tenant, nil
}

// DeleteTenant removes a tenant document. Tenant data cleanup is a
// separate operational concern.
func (s *TenantService) DeleteTenant(ctx context.Context, tenantID string) error {
	err := s.docs.Delete(ctx, docstore.TenantPath(tenantID))
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("tenant %s: %w", tenantID, apperrors.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to delete tenant: %w", err)
	}

	s.logger.Info("Deleted tenant", zap.String("tenant_id", tenantID))
	s.InvalidateCache(ctx, tenantID)
	return nil
}

// ListTenants pages through all tenant documents. Used by the stall sweep.
func (s *TenantService) ListTenants(ctx context.Context, afterTenantID string, limit int) ([]*model.Tenant, error) {
	afterPath := ""
	if afterTenantID != "" {
		afterPath = docstore.TenantPath(afterTenantID)
	}

	docs, err := s.docs.List(ctx, "tenants", afterPath, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}

	tenants := make([]*model.Tenant, 0, len(docs))
	for _, doc := range docs {
		tenant, err := model.TenantFromFields(doc.Fields)
		if err != nil {
			s.logger.Warn("Skipping malformed tenant document",
				zap.String("path", doc.Path),
				zap.Error(err))
			continue
		}
		tenants = append(tenants, tenant)
	}
	return tenants, nil
}

// InvalidateCache drops the cached tenant. Called by the migration
// coordinator after every tenant state change so the write gate observes
// transitions promptly.
func (s *TenantService) InvalidateCache(ctx context.Context, tenantID string) {
	if err := s.cache.Delete(ctx, s.tenantCacheKey(tenantID)); err != nil {
		s.logger.Warn("Failed to invalidate tenant cache",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
	}
}

func (s *TenantService) tenantCacheKey(tenantID string) string {
	return fmt.Sprintf("tenant:%s", tenantID)
}
