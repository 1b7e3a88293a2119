package syncqueue

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fieldline/coordinator/internal/apperrors"
	"github.com/fieldline/coordinator/internal/metrics"
	"github.com/fieldline/coordinator/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingTarget captures replayed operations and fails on demand.
type recordingTarget struct {
	mu      sync.Mutex
	applied []string
	failing map[string]error
	block   chan struct{}
	entered chan struct{}
}

func newRecordingTarget() *recordingTarget {
	return &recordingTarget{failing: make(map[string]error)}
}

func (rt *recordingTarget) failOn(recordID string, err error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.failing[recordID] = err
}

func (rt *recordingTarget) clearFailure(recordID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.failing, recordID)
}

func (rt *recordingTarget) appliedOps() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]string, len(rt.applied))
	copy(out, rt.applied)
	return out
}

func (rt *recordingTarget) apply(kind, recordID string) error {
	if rt.block != nil {
		select {
		case rt.entered <- struct{}{}:
		default:
		}
		<-rt.block
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if err, ok := rt.failing[recordID]; ok {
		return err
	}
	rt.applied = append(rt.applied, kind+":"+recordID)
	return nil
}

func (rt *recordingTarget) CreateRecord(ctx context.Context, tenantID, collection, recordID string, fields map[string]any) error {
	return rt.apply("create", recordID)
}

func (rt *recordingTarget) UpdateRecord(ctx context.Context, tenantID, collection, recordID string, fields map[string]any) error {
	return rt.apply("update", recordID)
}

func (rt *recordingTarget) DeleteRecord(ctx context.Context, tenantID, collection, recordID string) error {
	return rt.apply("delete", recordID)
}

func newTestQueue(t *testing.T, target Target) *Queue {
	t.Helper()
	store, err := NewSQLiteStore(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return New(store, target, Config{
		DefaultMaxRetries: 2,
		BaseBackoff:       time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
	}, metrics.NewTestMetrics(), zap.NewNop())
}

func createOp(recordID string) *model.SyncOperation {
	return &model.SyncOperation{
		Kind:       model.OpCreateRecord,
		TenantID:   "t1",
		Collection: "jobs",
		RecordID:   recordID,
		Fields:     map[string]any{"title": "job " + recordID},
	}
}

func TestQueue_DrainReplaysInOrder(t *testing.T) {
	target := newRecordingTarget()
	q := newTestQueue(t, target)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, createOp("j1")))
	require.NoError(t, q.Enqueue(ctx, &model.SyncOperation{
		Kind: model.OpUpdateRecord, TenantID: "t1", Collection: "jobs", RecordID: "j1",
		Fields: map[string]any{"done": true},
	}))
	require.NoError(t, q.Enqueue(ctx, &model.SyncOperation{
		Kind: model.OpDeleteRecord, TenantID: "t1", Collection: "jobs", RecordID: "j2",
	}))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, depth)

	require.NoError(t, q.DrainOnReconnect(ctx))

	assert.Equal(t, []string{"create:j1", "update:j1", "delete:j2"}, target.appliedOps())

	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestQueue_DeadLettersPoisonedOpAndContinues(t *testing.T) {
	target := newRecordingTarget()
	target.failOn("bad", fmt.Errorf("server keeps rejecting this"))
	q := newTestQueue(t, target)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, createOp("bad")))
	require.NoError(t, q.Enqueue(ctx, createOp("good")))

	require.NoError(t, q.DrainOnReconnect(ctx))

	// The poisoned operation did not wedge the queue
	assert.Equal(t, []string{"create:good"}, target.appliedOps())

	letters, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "bad", letters[0].Operation.RecordID)
	assert.Contains(t, letters[0].Reason, "rejecting")

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestQueue_RetryCountSurvivesAcrossPasses(t *testing.T) {
	target := newRecordingTarget()
	target.failOn("j1", fmt.Errorf("temporarily unavailable"))
	q := newTestQueue(t, target)
	ctx := context.Background()

	op := createOp("j1")
	op.MaxRetries = 50
	require.NoError(t, q.Enqueue(ctx, op))

	// Early passes fail and back off, then the target recovers
	go func() {
		time.Sleep(15 * time.Millisecond)
		target.clearFailure("j1")
	}()

	require.NoError(t, q.DrainOnReconnect(ctx))
	assert.Equal(t, []string{"create:j1"}, target.appliedOps())
}

func TestQueue_DrainIsSingleFlight(t *testing.T) {
	target := newRecordingTarget()
	target.block = make(chan struct{})
	target.entered = make(chan struct{}, 1)
	q := newTestQueue(t, target)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, createOp("j1")))

	done := make(chan error, 1)
	go func() { done <- q.DrainOnReconnect(ctx) }()

	// Second drain while the first is parked inside the target
	<-target.entered
	assert.ErrorIs(t, q.DrainOnReconnect(ctx), apperrors.ErrDrainInProgress)

	close(target.block)
	require.NoError(t, <-done)
}

func TestQueue_RequeueDeadLetter(t *testing.T) {
	target := newRecordingTarget()
	target.failOn("j1", fmt.Errorf("rejected"))
	q := newTestQueue(t, target)
	ctx := context.Background()

	op := createOp("j1")
	require.NoError(t, q.Enqueue(ctx, op))
	require.NoError(t, q.DrainOnReconnect(ctx))

	letters, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)

	// Operator fixes the cause and requeues
	target.clearFailure("j1")
	require.NoError(t, q.Requeue(ctx, letters[0].Operation.ID))
	require.NoError(t, q.DrainOnReconnect(ctx))

	assert.Equal(t, []string{"create:j1"}, target.appliedOps())
	letters, err = q.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestQueue_DiscardDeadLetter(t *testing.T) {
	target := newRecordingTarget()
	target.failOn("j1", fmt.Errorf("rejected"))
	q := newTestQueue(t, target)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, createOp("j1")))
	require.NoError(t, q.DrainOnReconnect(ctx))

	letters, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)

	require.NoError(t, q.Discard(ctx, letters[0].Operation.ID))

	letters, err = q.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, letters)

	assert.ErrorIs(t, q.Discard(ctx, "missing"), apperrors.ErrNotFound)
}

func TestQueue_EnqueueValidatesOperation(t *testing.T) {
	q := newTestQueue(t, newRecordingTarget())
	ctx := context.Background()

	err := q.Enqueue(ctx, &model.SyncOperation{Kind: "rename_tenant", TenantID: "t1", Collection: "jobs", RecordID: "j1"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)

	err = q.Enqueue(ctx, &model.SyncOperation{Kind: model.OpCreateRecord, Collection: "jobs", RecordID: "j1", Fields: map[string]any{}})
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, createOp("j1")))
	op2 := createOp("j2")
	require.NoError(t, store.Append(ctx, op2))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	depth, err := reopened.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	head, err := reopened.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, "j1", head.RecordID)

	require.NoError(t, reopened.Remove(ctx, head.ID))
	head, err = reopened.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, "j2", head.RecordID)
}

func TestSQLiteStore_HeadEmpty(t *testing.T) {
	store, err := NewSQLiteStore(":memory:", zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Head(context.Background())
	assert.ErrorIs(t, err, ErrEmpty)
}
