package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/fieldline/coordinator/internal/apperrors"
	"github.com/fieldline/coordinator/internal/docstore"
	"github.com/fieldline/coordinator/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTenantFixture() (*TenantService, *docstore.Memory) {
	docs := docstore.NewMemory()
	cache := store.NewInMemoryCache(100, zap.NewNop())
	return NewTenantService(docs, cache, time.Minute, zap.NewNop()), docs
}

func TestCreateTenant_Defaults(t *testing.T) {
	tenants, _ := newTenantFixture()
	ctx := context.Background()

	tenant, err := tenants.CreateTenant(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", tenant.TenantID)
	assert.Equal(t, 1, tenant.SchemaVersion)
	assert.False(t, tenant.MigrationInProgress())

	_, err = tenants.CreateTenant(ctx, "t1")
	assert.ErrorIs(t, err, apperrors.ErrAlreadyExists)

	_, err = tenants.CreateTenant(ctx, "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
}

func TestGetTenant_ServesFromCache(t *testing.T) {
	tenants, docs := newTenantFixture()
	ctx := context.Background()

	_, err := tenants.CreateTenant(ctx, "t1")
	require.NoError(t, err)

	// Remove the backing document; the cached copy still serves reads
	require.NoError(t, docs.Delete(ctx, docstore.TenantPath("t1")))
	tenant, err := tenants.GetTenant(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", tenant.TenantID)

	tenants.InvalidateCache(ctx, "t1")
	_, err = tenants.GetTenant(ctx, "t1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestGetTenant_NotFound(t *testing.T) {
	tenants, _ := newTenantFixture()

	_, err := tenants.GetTenant(context.Background(), "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestDeleteTenant(t *testing.T) {
	tenants, _ := newTenantFixture()
	ctx := context.Background()

	_, err := tenants.CreateTenant(ctx, "t1")
	require.NoError(t, err)

	require.NoError(t, tenants.DeleteTenant(ctx, "t1"))
	_, err = tenants.GetTenant(ctx, "t1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	assert.ErrorIs(t, tenants.DeleteTenant(ctx, "t1"), apperrors.ErrNotFound)
}

func TestListTenants_Pages(t *testing.T) {
	tenants, _ := newTenantFixture()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := tenants.CreateTenant(ctx, fmt.Sprintf("t%d", i))
		require.NoError(t, err)
	}

	page, err := tenants.ListTenants(ctx, "", 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "t0", page[0].TenantID)

	page, err = tenants.ListTenants(ctx, page[2].TenantID, 3)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "t3", page[0].TenantID)
	assert.Equal(t, "t4", page[1].TenantID)
}
