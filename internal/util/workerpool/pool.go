// Package workerpool provides a bounded pool of goroutines. The
// reconciliation dispatcher uses it to process change events concurrently
// while keeping the number of in-flight allocations capped.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Task is a unit of work.
type Task struct {
	ID string
	Fn func(context.Context) error
}

// Pool manages a fixed set of workers pulling from a bounded queue.
type Pool struct {
	name      string
	taskQueue chan Task
	logger    *zap.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}

	completed uint64
	failed    uint64
	rejected  uint64
}

// Config holds pool configuration.
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// New creates and starts a worker pool.
func New(cfg Config) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &Pool{
		name:      cfg.Name,
		taskQueue: make(chan Task, cfg.QueueSize),
		logger:    cfg.Logger,
		stopChan:  make(chan struct{}),
	}

	for i := 0; i < cfg.MaxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.String("name", cfg.Name),
		zap.Int("max_workers", cfg.MaxWorkers),
		zap.Int("queue_size", cfg.QueueSize))

	return p
}

// Submit enqueues a task, blocking while the queue is full. Returns an
// error if the pool is stopped or the context expires first.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case <-p.stopChan:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("worker pool %s is stopped", p.name)
	case <-ctx.Done():
		atomic.AddUint64(&p.rejected, 1)
		return ctx.Err()
	case p.taskQueue <- task:
		return nil
	}
}

// Stop drains outstanding tasks and waits for workers to exit.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
		close(p.taskQueue)
	})
	p.wg.Wait()

	p.logger.Info("Worker pool stopped",
		zap.String("name", p.name),
		zap.Uint64("completed", atomic.LoadUint64(&p.completed)),
		zap.Uint64("failed", atomic.LoadUint64(&p.failed)),
		zap.Uint64("rejected", atomic.LoadUint64(&p.rejected)))
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for task := range p.taskQueue {
		if err := task.Fn(context.Background()); err != nil {
			atomic.AddUint64(&p.failed, 1)
			p.logger.Warn("Task failed",
				zap.String("pool", p.name),
				zap.Int("worker", id),
				zap.String("task_id", task.ID),
				zap.Error(err))
			continue
		}
		atomic.AddUint64(&p.completed, 1)
	}
}

// Completed returns the number of successfully executed tasks.
func (p *Pool) Completed() uint64 {
	return atomic.LoadUint64(&p.completed)
}
