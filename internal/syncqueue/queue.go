package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/fieldline/coordinator/internal/apperrors"
	"github.com/fieldline/coordinator/internal/metrics"
	"github.com/fieldline/coordinator/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Target is the server-side surface the queue replays against.
type Target interface {
	CreateRecord(ctx context.Context, tenantID, collection, recordID string, fields map[string]any) error
	UpdateRecord(ctx context.Context, tenantID, collection, recordID string, fields map[string]any) error
	DeleteRecord(ctx context.Context, tenantID, collection, recordID string) error
}

// Config tunes queue behavior.
type Config struct {
	// DefaultMaxRetries applies to operations enqueued without an explicit
	// retry budget
	DefaultMaxRetries int
	// BaseBackoff is the initial delay between failed drain passes
	BaseBackoff time.Duration
	// MaxBackoff caps the delay between drain passes
	MaxBackoff time.Duration
}

func (c *Config) applyDefaults() {
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// Queue is the offline sync queue. Mutations made while disconnected are
// appended here and replayed strictly in order on reconnect: one operation
// at a time, never reordered, never skipped except by dead-lettering.
type Queue struct {
	store    Store
	target   Target
	cfg      Config
	draining atomic.Bool
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// New creates a sync queue over the given durable store and replay target.
func New(store Store, target Target, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Queue {
	cfg.applyDefaults()
	return &Queue{
		store:   store,
		target:  target,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

// Enqueue buffers a mutation for later replay. The operation is persisted
// before Enqueue returns; a crash immediately after loses nothing.
func (q *Queue) Enqueue(ctx context.Context, op *model.SyncOperation) error {
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if op.MaxRetries <= 0 {
		op.MaxRetries = q.cfg.DefaultMaxRetries
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now()
	}
	if err := op.Validate(); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidArgument, err)
	}

	if err := q.store.Append(ctx, op); err != nil {
		return err
	}
	q.updateDepthGauge(ctx)

	q.logger.Debug("Enqueued sync operation",
		zap.String("op_id", op.ID),
		zap.String("kind", string(op.Kind)),
		zap.String("record_id", op.RecordID))
	return nil
}

// DrainOnReconnect replays the queue until it is empty or the context is
// cancelled. At most one drain runs per queue instance; a second call
// while one is active returns ErrDrainInProgress.
//
// Replay is strictly FIFO and single-flight. An operation that fails has
// its retry count incremented; once the count reaches the operation's
// budget it is dead-lettered and replay continues with the next operation,
// so one poisoned mutation cannot wedge the queue. A failure below the
// budget ends the current pass, and the next pass starts after a jittered
// backoff so a struggling server is not hammered.
func (q *Queue) DrainOnReconnect(ctx context.Context) error {
	if !q.draining.CompareAndSwap(false, true) {
		return apperrors.ErrDrainInProgress
	}
	defer q.draining.Store(false)

	pass := 0
	for {
		done, err := q.drainPass(ctx)
		if err != nil {
			return err
		}
		if done {
			q.logger.Info("Sync queue drained")
			return nil
		}

		pass++
		delay := q.passBackoff(pass)
		q.logger.Info("Drain pass interrupted, backing off",
			zap.Int("pass", pass),
			zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// drainPass replays from the head until the queue empties or an operation
// fails without exhausting its budget. Returns true when the queue is
// empty.
func (q *Queue) drainPass(ctx context.Context) (bool, error) {
	for {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		op, err := q.store.Head(ctx)
		if errors.Is(err, ErrEmpty) {
			q.updateDepthGauge(ctx)
			return true, nil
		}
		if err != nil {
			return false, err
		}

		replayErr := q.replay(ctx, op)
		if replayErr == nil {
			if err := q.store.Remove(ctx, op.ID); err != nil {
				return false, err
			}
			q.metrics.SyncReplaysTotal.WithLabelValues("applied").Inc()
			q.updateDepthGauge(ctx)
			continue
		}

		op.RetryCount++
		q.logger.Warn("Sync replay failed",
			zap.String("op_id", op.ID),
			zap.String("kind", string(op.Kind)),
			zap.Int("retry_count", op.RetryCount),
			zap.Int("max_retries", op.MaxRetries),
			zap.Error(replayErr))

		if op.RetryCount >= op.MaxRetries {
			if err := q.deadLetter(ctx, op, replayErr); err != nil {
				return false, err
			}
			// The head is cleared; later operations get their chance.
			continue
		}

		if err := q.store.UpdateRetryCount(ctx, op.ID, op.RetryCount); err != nil {
			return false, err
		}
		q.metrics.SyncReplaysTotal.WithLabelValues("retried").Inc()
		return false, nil
	}
}

func (q *Queue) replay(ctx context.Context, op *model.SyncOperation) error {
	switch op.Kind {
	case model.OpCreateRecord:
		return q.target.CreateRecord(ctx, op.TenantID, op.Collection, op.RecordID, op.Fields)
	case model.OpUpdateRecord:
		return q.target.UpdateRecord(ctx, op.TenantID, op.Collection, op.RecordID, op.Fields)
	case model.OpDeleteRecord:
		return q.target.DeleteRecord(ctx, op.TenantID, op.Collection, op.RecordID)
	default:
		return fmt.Errorf("%w: unknown operation kind %q", apperrors.ErrInvalidArgument, op.Kind)
	}
}

func (q *Queue) deadLetter(ctx context.Context, op *model.SyncOperation, cause error) error {
	err := q.store.AddDeadLetter(ctx, &model.DeadLetter{
		Operation:      op,
		Reason:         cause.Error(),
		DeadLetteredAt: time.Now(),
	})
	if err != nil {
		return err
	}

	q.metrics.SyncReplaysTotal.WithLabelValues("dead_lettered").Inc()
	q.updateDepthGauge(ctx)
	q.updateDeadLetterGauge(ctx)
	q.logger.Error("Dead-lettered sync operation",
		zap.String("op_id", op.ID),
		zap.String("kind", string(op.Kind)),
		zap.String("record_id", op.RecordID),
		zap.Error(cause))
	return nil
}

// Depth returns the number of queued operations.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	return q.store.Depth(ctx)
}

// DeadLetters returns the operations awaiting manual handling.
func (q *Queue) DeadLetters(ctx context.Context) ([]*model.DeadLetter, error) {
	return q.store.DeadLetters(ctx)
}

// Discard permanently drops a dead-lettered operation.
func (q *Queue) Discard(ctx context.Context, opID string) error {
	if _, err := q.store.RemoveDeadLetter(ctx, opID); err != nil {
		if errors.Is(err, ErrEmpty) {
			return fmt.Errorf("dead letter %s: %w", opID, apperrors.ErrNotFound)
		}
		return err
	}
	q.updateDeadLetterGauge(ctx)
	q.logger.Info("Discarded dead-lettered operation", zap.String("op_id", opID))
	return nil
}

// Requeue moves a dead-lettered operation back to the tail of the queue
// with a fresh retry budget.
func (q *Queue) Requeue(ctx context.Context, opID string) error {
	dl, err := q.store.RemoveDeadLetter(ctx, opID)
	if err != nil {
		if errors.Is(err, ErrEmpty) {
			return fmt.Errorf("dead letter %s: %w", opID, apperrors.ErrNotFound)
		}
		return err
	}

	op := dl.Operation
	op.RetryCount = 0
	if err := q.store.Append(ctx, op); err != nil {
		return err
	}
	q.updateDepthGauge(ctx)
	q.updateDeadLetterGauge(ctx)
	q.logger.Info("Requeued dead-lettered operation", zap.String("op_id", opID))
	return nil
}

func (q *Queue) passBackoff(pass int) time.Duration {
	d := q.cfg.BaseBackoff << uint(pass-1)
	if d > q.cfg.MaxBackoff || d <= 0 {
		d = q.cfg.MaxBackoff
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func (q *Queue) updateDepthGauge(ctx context.Context) {
	if depth, err := q.store.Depth(ctx); err == nil {
		q.metrics.SyncQueueDepth.Set(float64(depth))
	}
}

func (q *Queue) updateDeadLetterGauge(ctx context.Context) {
	if letters, err := q.store.DeadLetters(ctx); err == nil {
		q.metrics.SyncQueueDeadLetters.Set(float64(len(letters)))
	}
}
