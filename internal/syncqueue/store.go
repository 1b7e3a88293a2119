// Package syncqueue implements the client-side offline sync queue: a
// durable FIFO of buffered mutations replayed in order when connectivity
// returns, with per-operation retry accounting and a dead-letter set for
// operations the server keeps rejecting.
package syncqueue

import (
	"context"
	"errors"

	"github.com/fieldline/coordinator/internal/model"
)

// ErrEmpty is returned by Head when no operations are queued.
var ErrEmpty = errors.New("sync queue is empty")

// Store is the durable backing for the queue. Operations survive process
// restarts; FIFO order is the insertion order.
type Store interface {
	// Append adds an operation to the tail of the queue
	Append(ctx context.Context, op *model.SyncOperation) error
	// Head returns the oldest queued operation, or ErrEmpty
	Head(ctx context.Context) (*model.SyncOperation, error)
	// Remove deletes a queued operation by id
	Remove(ctx context.Context, opID string) error
	// UpdateRetryCount persists a new retry count for a queued operation
	UpdateRetryCount(ctx context.Context, opID string, retryCount int) error
	// Depth returns the number of queued operations
	Depth(ctx context.Context) (int, error)
	// AddDeadLetter moves an operation into the dead-letter set
	AddDeadLetter(ctx context.Context, dl *model.DeadLetter) error
	// DeadLetters returns all dead-lettered operations, oldest first
	DeadLetters(ctx context.Context) ([]*model.DeadLetter, error)
	// RemoveDeadLetter deletes a dead-lettered operation by operation id
	RemoveDeadLetter(ctx context.Context, opID string) (*model.DeadLetter, error)
	// Close releases the store
	Close() error
}
