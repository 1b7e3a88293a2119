package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Postgres is the production store implementation. Documents live in a
// single table keyed by hierarchical path with a JSONB payload and a
// version column. Change events are appended to an outbox table in the same
// transaction as the write, then delivered by a polling feed with a
// visibility lease, giving at-least-once semantics.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger

	pollInterval time.Duration
	leaseFor     time.Duration
}

// NewPostgres connects to PostgreSQL and ensures the schema exists.
func NewPostgres(ctx context.Context, connString string, logger *zap.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	s := &Postgres{
		pool:         pool,
		logger:       logger,
		pollInterval: 250 * time.Millisecond,
		leaseFor:     30 * time.Second,
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *Postgres) ensureSchema(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS documents (
			path       TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			fields     JSONB NOT NULL,
			version    BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS documents_collection_idx ON documents (collection, path);

		CREATE TABLE IF NOT EXISTS document_events (
			id           BIGSERIAL PRIMARY KEY,
			path         TEXT NOT NULL,
			before       JSONB,
			after        JSONB,
			attempts     INT NOT NULL DEFAULT 0,
			acked        BOOLEAN NOT NULL DEFAULT FALSE,
			available_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS document_events_pending_idx
			ON document_events (available_at) WHERE NOT acked;
	`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to ensure docstore schema: %w", err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, path string) (*Doc, error) {
	query := `SELECT fields, version, updated_at FROM documents WHERE path = $1`

	var fieldsJSON []byte
	doc := &Doc{Path: path}
	err := s.pool.QueryRow(ctx, query, path).Scan(&fieldsJSON, &doc.Version, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	if err := json.Unmarshal(fieldsJSON, &doc.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode document fields: %w", err)
	}
	return doc, nil
}

func (s *Postgres) Set(ctx context.Context, path string, fields map[string]any) (*Doc, error) {
	err := s.RunTransaction(ctx, func(tx Tx) error {
		tx.Set(path, fields)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, path)
}

func (s *Postgres) Patch(ctx context.Context, path string, fields map[string]any, expectVersion int64) (*Doc, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin patch: %w", err)
	}
	defer tx.Rollback(ctx)

	before, err := getForUpdate(ctx, tx, path)
	if err != nil {
		return nil, err
	}
	if before.Version != expectVersion {
		return nil, ErrConflict
	}

	merged := make(map[string]any, len(before.Fields)+len(fields))
	for k, v := range before.Fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	after, err := upsert(ctx, tx, path, merged)
	if err != nil {
		return nil, err
	}
	if err := appendEvent(ctx, tx, path, before, after); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit patch: %w", err)
	}
	return after, nil
}

func (s *Postgres) Delete(ctx context.Context, path string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback(ctx)

	before, err := getForUpdate(ctx, tx, path)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM documents WHERE path = $1`, path); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if err := appendEvent(ctx, tx, path, before, nil); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// RunTransaction executes fn inside a database transaction. Reads through
// the handle take row locks, so racing transactions on existing documents
// serialize instead of conflicting. A read of a missing document takes no
// lock, so first writes are checked at commit: a document that appeared
// since the read, or a raced insert, surfaces ErrConflict and the caller
// retries against the now-present row under a real lock.
func (s *Postgres) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	dbtx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbtx.Rollback(ctx)

	ptx := &postgresTx{ctx: ctx, tx: dbtx, reads: make(map[string]int64)}
	if err := fn(ptx); err != nil {
		return err
	}

	for _, w := range ptx.writes {
		before, err := getForUpdate(ctx, dbtx, w.path)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if readVersion, wasRead := ptx.reads[w.path]; wasRead {
			var current int64
			if before != nil {
				current = before.Version
			}
			if current != readVersion {
				return ErrConflict
			}
		}
		if w.delete {
			if before == nil {
				continue
			}
			if _, err := dbtx.Exec(ctx, `DELETE FROM documents WHERE path = $1`, w.path); err != nil {
				return fmt.Errorf("failed to delete document: %w", err)
			}
			if err := appendEvent(ctx, dbtx, w.path, before, nil); err != nil {
				return err
			}
			continue
		}
		var after *Doc
		if before == nil {
			after, err = insertIfAbsent(ctx, dbtx, w.path, w.fields)
		} else {
			after, err = upsert(ctx, dbtx, w.path, w.fields)
		}
		if err != nil {
			return err
		}
		if err := appendEvent(ctx, dbtx, w.path, before, after); err != nil {
			return err
		}
	}

	if err := dbtx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Postgres) List(ctx context.Context, collection string, afterPath string, limit int) ([]*Doc, error) {
	query := `
		SELECT path, fields, version, updated_at
		FROM documents
		WHERE collection = $1 AND path > $2
		ORDER BY path
		LIMIT $3
	`
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.pool.Query(ctx, query, collection, afterPath, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	docs := make([]*Doc, 0)
	for rows.Next() {
		var fieldsJSON []byte
		doc := &Doc{}
		if err := rows.Scan(&doc.Path, &fieldsJSON, &doc.Version, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		if err := json.Unmarshal(fieldsJSON, &doc.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode document fields: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *Postgres) Count(ctx context.Context, collection string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM documents WHERE collection = $1`, collection).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return count, nil
}

func (s *Postgres) Watch(ctx context.Context) (Feed, error) {
	feedCtx, cancel := context.WithCancel(context.Background())
	return &postgresFeed{store: s, ctx: feedCtx, cancel: cancel}, nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) Close() {
	s.pool.Close()
}

// CleanupAckedEvents deletes delivered events older than the TTL to keep
// the outbox bounded. Run periodically from main.
func (s *Postgres) CleanupAckedEvents(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl)
	result, err := s.pool.Exec(ctx,
		`DELETE FROM document_events WHERE acked AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup acked events: %w", err)
	}
	return result.RowsAffected(), nil
}

// getForUpdate reads a document with a row lock inside a transaction.
func getForUpdate(ctx context.Context, tx pgx.Tx, path string) (*Doc, error) {
	var fieldsJSON []byte
	doc := &Doc{Path: path}
	err := tx.QueryRow(ctx,
		`SELECT fields, version, updated_at FROM documents WHERE path = $1 FOR UPDATE`,
		path).Scan(&fieldsJSON, &doc.Version, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document for update: %w", err)
	}
	if err := json.Unmarshal(fieldsJSON, &doc.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode document fields: %w", err)
	}
	return doc, nil
}

func upsert(ctx context.Context, tx pgx.Tx, path string, fields map[string]any) (*Doc, error) {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document fields: %w", err)
	}

	query := `
		INSERT INTO documents (path, collection, fields, version, updated_at)
		VALUES ($1, $2, $3, 1, NOW())
		ON CONFLICT (path) DO UPDATE
		SET fields = EXCLUDED.fields, version = documents.version + 1, updated_at = NOW()
		RETURNING version, updated_at
	`

	doc := &Doc{Path: path, Fields: fields}
	err = tx.QueryRow(ctx, query, path, CollectionOf(path), fieldsJSON).Scan(&doc.Version, &doc.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert document: %w", err)
	}
	return doc, nil
}

// insertIfAbsent creates a document only when no row exists. A raced first
// write hits the conflict clause, inserts nothing and surfaces ErrConflict,
// never silently overwriting the winner's row.
func insertIfAbsent(ctx context.Context, tx pgx.Tx, path string, fields map[string]any) (*Doc, error) {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document fields: %w", err)
	}

	query := `
		INSERT INTO documents (path, collection, fields, version, updated_at)
		VALUES ($1, $2, $3, 1, NOW())
		ON CONFLICT (path) DO NOTHING
		RETURNING version, updated_at
	`

	doc := &Doc{Path: path, Fields: fields}
	err = tx.QueryRow(ctx, query, path, CollectionOf(path), fieldsJSON).Scan(&doc.Version, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert document: %w", err)
	}
	return doc, nil
}

func appendEvent(ctx context.Context, tx pgx.Tx, path string, before, after *Doc) error {
	var beforeJSON, afterJSON []byte
	var err error
	if before != nil {
		if beforeJSON, err = json.Marshal(before.Fields); err != nil {
			return fmt.Errorf("failed to encode before snapshot: %w", err)
		}
	}
	if after != nil {
		if afterJSON, err = json.Marshal(after.Fields); err != nil {
			return fmt.Errorf("failed to encode after snapshot: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO document_events (path, before, after) VALUES ($1, $2, $3)`,
		path, beforeJSON, afterJSON)
	if err != nil {
		return fmt.Errorf("failed to append change event: %w", err)
	}
	return nil
}

type postgresTx struct {
	ctx    context.Context
	tx     pgx.Tx
	reads  map[string]int64
	writes []txWrite
}

// Get reads under a row lock and records the observed version; a missing
// document is recorded as version 0 so the commit can detect a raced
// creation.
func (t *postgresTx) Get(path string) (*Doc, error) {
	doc, err := getForUpdate(t.ctx, t.tx, path)
	if errors.Is(err, ErrNotFound) {
		t.reads[path] = 0
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	t.reads[path] = doc.Version
	return doc, nil
}

func (t *postgresTx) Set(path string, fields map[string]any) {
	t.writes = append(t.writes, txWrite{path: path, fields: fields})
}

func (t *postgresTx) Delete(path string) {
	t.writes = append(t.writes, txWrite{path: path, delete: true})
}

// postgresFeed polls the outbox. Claimed events get a visibility lease;
// events neither acked nor nacked within the lease are redelivered.
type postgresFeed struct {
	store  *Postgres
	ctx    context.Context
	cancel context.CancelFunc
}

func (f *postgresFeed) Next(ctx context.Context) (*Event, error) {
	for {
		ev, err := f.claim(ctx)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			return ev, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.ctx.Done():
			return nil, fmt.Errorf("feed closed")
		case <-time.After(f.store.pollInterval):
		}
	}
}

func (f *postgresFeed) claim(ctx context.Context) (*Event, error) {
	query := `
		UPDATE document_events
		SET available_at = NOW() + $1::interval
		WHERE id = (
			SELECT id FROM document_events
			WHERE NOT acked AND available_at <= NOW()
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, path, before, after, attempts
	`

	var beforeJSON, afterJSON []byte
	ev := &Event{}
	err := f.store.pool.QueryRow(ctx, query, f.store.leaseFor.String()).Scan(
		&ev.ID, &ev.Path, &beforeJSON, &afterJSON, &ev.Attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim change event: %w", err)
	}

	if beforeJSON != nil {
		before := &Doc{Path: ev.Path}
		if err := json.Unmarshal(beforeJSON, &before.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode before snapshot: %w", err)
		}
		ev.Before = before
	}
	if afterJSON != nil {
		after := &Doc{Path: ev.Path}
		if err := json.Unmarshal(afterJSON, &after.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode after snapshot: %w", err)
		}
		ev.After = after
	}
	return ev, nil
}

func (f *postgresFeed) Ack(ctx context.Context, ev *Event) error {
	_, err := f.store.pool.Exec(ctx,
		`UPDATE document_events SET acked = TRUE WHERE id = $1`, ev.ID)
	if err != nil {
		return fmt.Errorf("failed to ack event: %w", err)
	}
	return nil
}

func (f *postgresFeed) Nack(ctx context.Context, ev *Event) error {
	// Linear redelivery delay; the reconciler owns real backoff decisions.
	delay := time.Duration(ev.Attempts+1) * time.Second
	_, err := f.store.pool.Exec(ctx,
		`UPDATE document_events SET attempts = attempts + 1, available_at = NOW() + $2::interval WHERE id = $1`,
		ev.ID, delay.String())
	if err != nil {
		return fmt.Errorf("failed to nack event: %w", err)
	}
	return nil
}

func (f *postgresFeed) Close() error {
	f.cancel()
	return nil
}

var (
	_ Store = (*Postgres)(nil)
	_ Feed  = (*postgresFeed)(nil)
)
