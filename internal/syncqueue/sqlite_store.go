package syncqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fieldline/coordinator/internal/model"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable queue backing. An autoincrement rowid gives
// the FIFO order; operation payloads are stored as JSON.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (or creates) the queue database at path. Use
// ":memory:" for an ephemeral queue in tests.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sync queue database: %w", err)
	}
	// The queue is accessed from one process; a single connection avoids
	// table-lock errors under the pure-Go driver.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Sync queue store opened", zap.String("path", path))
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sync_operations (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			op_id TEXT NOT NULL UNIQUE,
			retry_count INTEGER NOT NULL DEFAULT 0,
			payload TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS dead_letters (
			op_id TEXT PRIMARY KEY,
			reason TEXT NOT NULL,
			dead_lettered_at TEXT NOT NULL,
			payload TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create sync queue schema: %w", err)
	}
	return nil
}

// Append adds an operation to the tail of the queue.
func (s *SQLiteStore) Append(ctx context.Context, op *model.SyncOperation) error {
	payload, err := op.Marshal()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sync_operations (op_id, retry_count, payload) VALUES (?, ?, ?)`,
		op.ID, op.RetryCount, string(payload))
	if err != nil {
		return fmt.Errorf("failed to append sync operation: %w", err)
	}
	return nil
}

// Head returns the oldest queued operation.
func (s *SQLiteStore) Head(ctx context.Context) (*model.SyncOperation, error) {
	var payload string
	var retryCount int
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, retry_count FROM sync_operations ORDER BY seq LIMIT 1`,
	).Scan(&payload, &retryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queue head: %w", err)
	}

	op, err := model.UnmarshalSyncOperation([]byte(payload))
	if err != nil {
		return nil, err
	}
	op.RetryCount = retryCount
	return op, nil
}

// Remove deletes a queued operation by id.
func (s *SQLiteStore) Remove(ctx context.Context, opID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_operations WHERE op_id = ?`, opID)
	if err != nil {
		return fmt.Errorf("failed to remove sync operation: %w", err)
	}
	return nil
}

// UpdateRetryCount persists a new retry count for a queued operation.
func (s *SQLiteStore) UpdateRetryCount(ctx context.Context, opID string, retryCount int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_operations SET retry_count = ? WHERE op_id = ?`, retryCount, opID)
	if err != nil {
		return fmt.Errorf("failed to update retry count: %w", err)
	}
	return nil
}

// Depth returns the number of queued operations.
func (s *SQLiteStore) Depth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_operations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sync operations: %w", err)
	}
	return n, nil
}

// AddDeadLetter moves an operation into the dead-letter set. The queued
// row is removed in the same transaction.
func (s *SQLiteStore) AddDeadLetter(ctx context.Context, dl *model.DeadLetter) error {
	payload, err := dl.Operation.Marshal()
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin dead-letter transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sync_operations WHERE op_id = ?`, dl.Operation.ID); err != nil {
		return fmt.Errorf("failed to dequeue dead-lettered operation: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO dead_letters (op_id, reason, dead_lettered_at, payload) VALUES (?, ?, ?, ?)`,
		dl.Operation.ID, dl.Reason, dl.DeadLetteredAt.UTC().Format(time.RFC3339Nano), string(payload)); err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dead letter: %w", err)
	}
	return nil
}

// DeadLetters returns all dead-lettered operations, oldest first.
func (s *SQLiteStore) DeadLetters(ctx context.Context) ([]*model.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT reason, dead_lettered_at, payload FROM dead_letters ORDER BY dead_lettered_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var letters []*model.DeadLetter
	for rows.Next() {
		var reason, at, payload string
		if err := rows.Scan(&reason, &at, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		op, err := model.UnmarshalSyncOperation([]byte(payload))
		if err != nil {
			return nil, err
		}
		dl := &model.DeadLetter{Operation: op, Reason: reason}
		dl.DeadLetteredAt, _ = parseSQLiteTime(at)
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}

// RemoveDeadLetter deletes a dead-lettered operation and returns it.
func (s *SQLiteStore) RemoveDeadLetter(ctx context.Context, opID string) (*model.DeadLetter, error) {
	var reason, at, payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT reason, dead_lettered_at, payload FROM dead_letters WHERE op_id = ?`, opID,
	).Scan(&reason, &at, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letter: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE op_id = ?`, opID); err != nil {
		return nil, fmt.Errorf("failed to remove dead letter: %w", err)
	}

	op, err := model.UnmarshalSyncOperation([]byte(payload))
	if err != nil {
		return nil, err
	}
	dl := &model.DeadLetter{Operation: op, Reason: reason}
	dl.DeadLetteredAt, _ = parseSQLiteTime(at)
	return dl, nil
}

// Close releases the store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func parseSQLiteTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

var _ Store = (*SQLiteStore)(nil)
