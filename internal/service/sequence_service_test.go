package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/fieldline/coordinator/internal/apperrors"
	"github.com/fieldline/coordinator/internal/docstore"
	"github.com/fieldline/coordinator/internal/metrics"
	"github.com/fieldline/coordinator/internal/model"
	"github.com/fieldline/coordinator/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testCounterSpecs = []model.CounterSpec{
	{Collection: "jobs", Scope: "job", Name: "number"},
	{Collection: "invoices", Scope: "invoice", Name: "number"},
	{Collection: "items", Scope: "job", Name: "ordinal", PerParent: true},
}

type sequenceFixture struct {
	docs      *docstore.Memory
	tenants   *TenantService
	sequences *SequenceService
}

func newSequenceFixture(t *testing.T) *sequenceFixture {
	t.Helper()
	logger := zap.NewNop()
	docs := docstore.NewMemory()
	cache := store.NewInMemoryCache(100, logger)
	tenants := NewTenantService(docs, cache, time.Minute, logger)

	_, err := tenants.CreateTenant(context.Background(), "t1")
	require.NoError(t, err)

	sequences := NewSequenceService(docs, tenants, testCounterSpecs, SequenceConfig{
		MaxAttempts: 50,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}, metrics.NewTestMetrics(), logger)

	return &sequenceFixture{docs: docs, tenants: tenants, sequences: sequences}
}

func member(tenantID string) model.CallerContext {
	return model.CallerContext{TenantID: tenantID, CallerID: "user-1", Role: model.RoleMember}
}

func owner(tenantID string) model.CallerContext {
	return model.CallerContext{TenantID: tenantID, CallerID: "owner-1", Role: model.RoleOwner}
}

func TestAllocate_SequentialNumbers(t *testing.T) {
	f := newSequenceFixture(t)
	ctx := context.Background()
	key := model.CounterKey{Scope: "job", Name: "number"}

	for want := int64(1); want <= 5; want++ {
		n, err := f.sequences.Allocate(ctx, member("t1"), "t1", key)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	current, err := f.sequences.Current(ctx, member("t1"), "t1", key)
	require.NoError(t, err)
	assert.Equal(t, int64(5), current)
}

func TestAllocate_ConcurrentUniqueAndGapFree(t *testing.T) {
	f := newSequenceFixture(t)
	ctx := context.Background()
	key := model.CounterKey{Scope: "job", Name: "number"}

	const workers = 20
	results := make([]int64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := f.sequences.Allocate(ctx, member("t1"), "t1", key)
			require.NoError(t, err)
			results[i] = n
		}(i)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	for i, n := range results {
		assert.Equal(t, int64(i+1), n, "allocations must be unique and gap-free")
	}
}

func TestAllocate_IndependentCounters(t *testing.T) {
	f := newSequenceFixture(t)
	ctx := context.Background()

	jobNum, err := f.sequences.Allocate(ctx, member("t1"), "t1", model.CounterKey{Scope: "job", Name: "number"})
	require.NoError(t, err)
	invoiceNum, err := f.sequences.Allocate(ctx, member("t1"), "t1", model.CounterKey{Scope: "invoice", Name: "number"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), jobNum)
	assert.Equal(t, int64(1), invoiceNum)
}

func TestAllocate_PerParentOrdinals(t *testing.T) {
	f := newSequenceFixture(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := f.sequences.Allocate(ctx, member("t1"), "t1", model.CounterKey{Scope: "job", ParentID: "j1", Name: "ordinal"})
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	// A different parent starts its own ordinal sequence
	n, err := f.sequences.Allocate(ctx, member("t1"), "t1", model.CounterKey{Scope: "job", ParentID: "j2", Name: "ordinal"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAllocate_UnknownScopeRejected(t *testing.T) {
	f := newSequenceFixture(t)

	_, err := f.sequences.Allocate(context.Background(), member("t1"), "t1", model.CounterKey{Scope: "payment", Name: "number"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
}

func TestAllocate_MalformedKeyRejected(t *testing.T) {
	f := newSequenceFixture(t)

	_, err := f.sequences.Allocate(context.Background(), member("t1"), "t1", model.CounterKey{Scope: "job", Name: "num/ber"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)

	_, err = f.sequences.Allocate(context.Background(), member("t1"), "t1", model.CounterKey{Scope: "job"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
}

func TestAllocate_CrossTenantDenied(t *testing.T) {
	f := newSequenceFixture(t)

	_, err := f.sequences.Allocate(context.Background(), member("t2"), "t1", model.CounterKey{Scope: "job", Name: "number"})
	assert.ErrorIs(t, err, apperrors.ErrPermissionDenied)
}

func TestAllocate_MissingTenant(t *testing.T) {
	f := newSequenceFixture(t)

	_, err := f.sequences.Allocate(context.Background(), member("ghost"), "ghost", model.CounterKey{Scope: "job", Name: "number"})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

// conflictingStore fails every transaction with a version conflict.
type conflictingStore struct {
	*docstore.Memory
}

func (s *conflictingStore) RunTransaction(ctx context.Context, fn func(tx docstore.Tx) error) error {
	return docstore.ErrConflict
}

func TestAllocate_RetryBudgetExhausted(t *testing.T) {
	logger := zap.NewNop()
	docs := &conflictingStore{Memory: docstore.NewMemory()}
	cache := store.NewInMemoryCache(100, logger)
	tenants := NewTenantService(docs.Memory, cache, time.Minute, logger)
	_, err := tenants.CreateTenant(context.Background(), "t1")
	require.NoError(t, err)

	sequences := NewSequenceService(docs, tenants, testCounterSpecs, SequenceConfig{
		MaxAttempts: 2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	}, metrics.NewTestMetrics(), logger)

	_, err = sequences.Allocate(context.Background(), member("t1"), "t1", model.CounterKey{Scope: "job", Name: "number"})
	assert.ErrorIs(t, err, apperrors.ErrTransientConflict)
}
