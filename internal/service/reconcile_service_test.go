package service

import (
	"context"
	"testing"
	"time"

	"github.com/fieldline/coordinator/internal/docstore"
	"github.com/fieldline/coordinator/internal/metrics"
	"github.com/fieldline/coordinator/internal/model"
	"github.com/fieldline/coordinator/internal/store"
	"github.com/fieldline/coordinator/internal/util/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type reconcileFixture struct {
	docs      *docstore.Memory
	sequences *SequenceService
	reconcile *ReconcileService
	pool      *workerpool.Pool
}

func newReconcileFixture(t *testing.T) *reconcileFixture {
	t.Helper()
	logger := zap.NewNop()
	docs := docstore.NewMemory()
	cache := store.NewInMemoryCache(100, logger)
	tenants := NewTenantService(docs, cache, time.Minute, logger)
	m := metrics.NewTestMetrics()

	_, err := tenants.CreateTenant(context.Background(), "t1")
	require.NoError(t, err)

	sequences := NewSequenceService(docs, tenants, testCounterSpecs, SequenceConfig{
		MaxAttempts: 50,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}, m, logger)

	pool := workerpool.New(workerpool.Config{Name: "reconciler-test", MaxWorkers: 4, QueueSize: 64, Logger: logger})
	t.Cleanup(pool.Stop)

	reconcile := NewReconcileService(docs, sequences, testCounterSpecs, pool, m, logger)
	return &reconcileFixture{docs: docs, sequences: sequences, reconcile: reconcile, pool: pool}
}

func (f *reconcileFixture) start(t *testing.T) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	feed, err := f.docs.Watch(ctx)
	require.NoError(t, err)
	go f.reconcile.Run(ctx, feed)
	return cancel
}

func sequenceOf(t *testing.T, docs *docstore.Memory, path string) (int64, bool) {
	t.Helper()
	doc, err := docs.Get(context.Background(), path)
	require.NoError(t, err)
	return model.SequenceNumberOf(doc.Fields)
}

func TestReconcile_AssignsNumberToSyncedRecord(t *testing.T) {
	f := newReconcileFixture(t)
	cancel := f.start(t)
	defer cancel()
	ctx := context.Background()

	// A record synced from an offline client has no sequence number
	path := docstore.RecordPath("t1", "jobs", "j1")
	_, err := f.docs.Set(ctx, path, map[string]any{"title": "fix boiler"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		n, ok := sequenceOf(t, f.docs, path)
		return ok && n == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestReconcile_PreservesExistingNumber(t *testing.T) {
	f := newReconcileFixture(t)
	cancel := f.start(t)
	defer cancel()
	ctx := context.Background()

	// A connected client already allocated its number
	path := docstore.RecordPath("t1", "jobs", "j1")
	_, err := f.docs.Set(ctx, path, map[string]any{"title": "fix boiler", model.SequenceField: int64(7)})
	require.NoError(t, err)

	// Give the reconciler time to observe the event, then verify it left
	// both the record and the counter alone
	time.Sleep(100 * time.Millisecond)
	n, ok := sequenceOf(t, f.docs, path)
	require.True(t, ok)
	assert.Equal(t, int64(7), n)

	current, err := f.sequences.Current(ctx, member("t1"), "t1", model.CounterKey{Scope: "job", Name: "number"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), current)
}

func TestReconcile_ManyRecordsGetUniqueNumbers(t *testing.T) {
	f := newReconcileFixture(t)
	cancel := f.start(t)
	defer cancel()
	ctx := context.Background()

	const records = 10
	paths := make([]string, records)
	for i := 0; i < records; i++ {
		paths[i] = docstore.RecordPath("t1", "jobs", string(rune('a'+i)))
		_, err := f.docs.Set(ctx, paths[i], map[string]any{"title": "job"})
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		for _, p := range paths {
			if _, ok := sequenceOf(t, f.docs, p); !ok {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	seen := make(map[int64]bool)
	for _, p := range paths {
		n, _ := sequenceOf(t, f.docs, p)
		assert.False(t, seen[n], "sequence number %d assigned twice", n)
		assert.GreaterOrEqual(t, n, int64(1))
		assert.LessOrEqual(t, n, int64(records))
		seen[n] = true
	}
}

func TestReconcile_PerParentOrdinals(t *testing.T) {
	f := newReconcileFixture(t)
	cancel := f.start(t)
	defer cancel()
	ctx := context.Background()

	itemPath := "tenants/t1/jobs/j1/items/i1"
	_, err := f.docs.Set(ctx, itemPath, map[string]any{"description": "copper pipe"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		n, ok := sequenceOf(t, f.docs, itemPath)
		return ok && n == 1
	}, 5*time.Second, 5*time.Millisecond)

	// The ordinal came from the parent-scoped counter
	current, err := f.sequences.Current(ctx, member("t1"), "t1", model.CounterKey{Scope: "job", ParentID: "j1", Name: "ordinal"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), current)
}

func TestReconcile_IgnoresUnsequencedCollections(t *testing.T) {
	f := newReconcileFixture(t)
	cancel := f.start(t)
	defer cancel()
	ctx := context.Background()

	path := docstore.RecordPath("t1", "notes", "n1")
	_, err := f.docs.Set(ctx, path, map[string]any{"text": "hello"})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	_, ok := sequenceOf(t, f.docs, path)
	assert.False(t, ok)
}

func TestReconcile_RedeliveryIsIdempotent(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()

	path := docstore.RecordPath("t1", "jobs", "j1")
	doc, err := f.docs.Set(ctx, path, map[string]any{"title": "fix boiler"})
	require.NoError(t, err)

	spec := model.CounterSpec{Collection: "jobs", Scope: "job", Name: "number"}
	ev := &docstore.Event{ID: 1, Path: path, After: doc}

	outcome, err := f.reconcile.reconcile(ctx, ev, spec)
	require.NoError(t, err)
	assert.Equal(t, "assigned", outcome)

	// A redelivered event finds the number already there
	outcome, err = f.reconcile.reconcile(ctx, ev, spec)
	require.NoError(t, err)
	assert.Equal(t, "already_assigned", outcome)

	n, ok := sequenceOf(t, f.docs, path)
	require.True(t, ok)
	assert.Equal(t, int64(1), n)
}

func TestReconcile_DeletedRecordResolves(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()

	path := docstore.RecordPath("t1", "jobs", "j1")
	doc, err := f.docs.Set(ctx, path, map[string]any{"title": "fix boiler"})
	require.NoError(t, err)
	require.NoError(t, f.docs.Delete(ctx, path))

	spec := model.CounterSpec{Collection: "jobs", Scope: "job", Name: "number"}
	outcome, err := f.reconcile.reconcile(ctx, &docstore.Event{ID: 1, Path: path, After: doc}, spec)
	require.NoError(t, err)
	assert.Equal(t, "deleted", outcome)
}

func TestReconcile_LostRaceAbandonsAllocation(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()

	path := docstore.RecordPath("t1", "jobs", "j1")
	doc, err := f.docs.Set(ctx, path, map[string]any{"title": "fix boiler"})
	require.NoError(t, err)

	// A concurrent writer assigns a number after our snapshot
	_, err = f.docs.Patch(ctx, path, map[string]any{model.SequenceField: int64(3)}, doc.Version)
	require.NoError(t, err)

	spec := model.CounterSpec{Collection: "jobs", Scope: "job", Name: "number"}
	outcome, err := f.reconcile.reconcile(ctx, &docstore.Event{ID: 1, Path: path, After: doc}, spec)
	require.NoError(t, err)
	assert.Equal(t, "already_assigned", outcome)

	n, ok := sequenceOf(t, f.docs, path)
	require.True(t, ok)
	assert.Equal(t, int64(3), n)
}
