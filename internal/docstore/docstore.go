// Package docstore provides the transactional, hierarchically addressed
// document store the coordinator runs on. Two implementations exist: an
// in-memory store for tests and local mode, and a PostgreSQL store for
// production. Both offer atomic read-modify-write transactions with
// optimistic concurrency and an at-least-once change feed with before/after
// snapshots.
package docstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a document does not exist
	ErrNotFound = errors.New("document not found")
	// ErrConflict is returned when a transaction or conditional patch lost a
	// race; the caller must retry the whole read-modify-write cycle
	ErrConflict = errors.New("document version conflict")
)

// Doc is a stored document snapshot. Version increments on every write and
// backs conditional patches.
type Doc struct {
	Path      string
	Fields    map[string]any
	Version   int64
	UpdatedAt time.Time
}

// Clone returns a deep-enough copy safe to hand to callers.
func (d *Doc) Clone() *Doc {
	if d == nil {
		return nil
	}
	fields := make(map[string]any, len(d.Fields))
	for k, v := range d.Fields {
		fields[k] = v
	}
	return &Doc{Path: d.Path, Fields: fields, Version: d.Version, UpdatedAt: d.UpdatedAt}
}

// Event is a change notification with before/after snapshots. Delivery is
// at-least-once: an event stays pending until acked, and a nack schedules
// redelivery with the attempt count incremented.
type Event struct {
	ID       int64
	Path     string
	Before   *Doc
	After    *Doc
	Attempts int
}

// Feed is a change-notification subscription.
type Feed interface {
	// Next blocks until an event is available or the context is done
	Next(ctx context.Context) (*Event, error)
	// Ack marks the event as delivered
	Ack(ctx context.Context, ev *Event) error
	// Nack schedules the event for redelivery
	Nack(ctx context.Context, ev *Event) error
	// Close releases the subscription
	Close() error
}

// Tx is the handle passed to a transaction function. Reads are tracked; the
// transaction commits only if every document read is unchanged at commit
// time, otherwise RunTransaction returns ErrConflict.
type Tx interface {
	Get(path string) (*Doc, error)
	Set(path string, fields map[string]any)
	Delete(path string)
}

// Store is the document store contract consumed by the coordinator.
type Store interface {
	// Get reads a single document
	Get(ctx context.Context, path string) (*Doc, error)
	// Set unconditionally writes a document (upsert)
	Set(ctx context.Context, path string, fields map[string]any) (*Doc, error)
	// Patch merges fields into a document only if its version still equals
	// expectVersion; ErrConflict otherwise
	Patch(ctx context.Context, path string, fields map[string]any, expectVersion int64) (*Doc, error)
	// Delete removes a document
	Delete(ctx context.Context, path string) error
	// RunTransaction executes fn with optimistic isolation; ErrConflict on
	// commit race
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error
	// List returns documents in a collection ordered by path, starting
	// after afterPath ("" for the beginning), up to limit
	List(ctx context.Context, collection string, afterPath string, limit int) ([]*Doc, error)
	// Count returns the number of documents in a collection
	Count(ctx context.Context, collection string) (int64, error)
	// Watch subscribes to the change feed for all collections
	Watch(ctx context.Context) (Feed, error)
	// Ping checks connectivity
	Ping(ctx context.Context) error
	// Close releases resources
	Close()
}

// TenantPath returns the document path of a tenant's metadata document.
func TenantPath(tenantID string) string {
	return "tenants/" + tenantID
}

// CounterPath returns the document path of a sequence counter.
func CounterPath(tenantID, storageKey string) string {
	return "tenants/" + tenantID + "/counters/" + storageKey
}

// RecordPath returns the document path of a record in a top-level tenant
// collection.
func RecordPath(tenantID, collection, recordID string) string {
	return "tenants/" + tenantID + "/" + collection + "/" + recordID
}

// RecordCollection returns the collection path of a top-level tenant
// collection.
func RecordCollection(tenantID, collection string) string {
	return "tenants/" + tenantID + "/" + collection
}

// CollectionOf returns the collection path a document belongs to:
// "tenants/t1/jobs/j1" -> "tenants/t1/jobs".
func CollectionOf(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

// BaseName returns the final segment of a collection path:
// "tenants/t1/jobs" -> "jobs".
func BaseName(collection string) string {
	idx := strings.LastIndex(collection, "/")
	if idx < 0 {
		return collection
	}
	return collection[idx+1:]
}

// TenantOf extracts the tenant id from a tenant-scoped path:
// "tenants/t1/jobs/j1" -> "t1". Empty string if the path is not
// tenant-scoped.
func TenantOf(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[0] != "tenants" {
		return ""
	}
	return parts[1]
}

// ParentID returns the id of the record one level up from a nested
// document: "tenants/t1/jobs/j1/items/i1" -> "j1". Empty string for
// top-level documents.
func ParentID(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) < 6 {
		return ""
	}
	return parts[len(parts)-3]
}
