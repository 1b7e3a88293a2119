package docstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is the in-memory store implementation. It provides real optimistic
// concurrency: a transaction whose read set changed before commit fails
// with ErrConflict, exactly like the production store. Used by tests and
// local single-process mode.
type Memory struct {
	mu          sync.Mutex
	docs        map[string]*Doc
	nextEventID int64
	feeds       []*memoryFeed
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]*Doc)}
}

func (m *Memory) Get(ctx context.Context, path string) (*Doc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[path]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

func (m *Memory) Set(ctx context.Context, path string, fields map[string]any) (*Doc, error) {
	m.mu.Lock()
	before := m.docs[path]
	doc := m.write(path, fields)
	ev := m.event(path, before, doc)
	m.mu.Unlock()

	m.emit(ev)
	return doc.Clone(), nil
}

func (m *Memory) Patch(ctx context.Context, path string, fields map[string]any, expectVersion int64) (*Doc, error) {
	m.mu.Lock()
	before, ok := m.docs[path]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if before.Version != expectVersion {
		m.mu.Unlock()
		return nil, ErrConflict
	}
	merged := make(map[string]any, len(before.Fields)+len(fields))
	for k, v := range before.Fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	doc := m.write(path, merged)
	ev := m.event(path, before, doc)
	m.mu.Unlock()

	m.emit(ev)
	return doc.Clone(), nil
}

func (m *Memory) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	before, ok := m.docs[path]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.docs, path)
	ev := m.event(path, before, nil)
	m.mu.Unlock()

	m.emit(ev)
	return nil
}

// RunTransaction executes fn optimistically. Reads performed through the
// transaction handle are version-tracked; the commit applies staged writes
// only if no read document changed in the meantime.
func (m *Memory) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{store: m, reads: make(map[string]int64)}
	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	for path, version := range tx.reads {
		current := int64(0)
		if doc, ok := m.docs[path]; ok {
			current = doc.Version
		}
		if current != version {
			m.mu.Unlock()
			return ErrConflict
		}
	}

	events := make([]*Event, 0, len(tx.writes))
	for _, w := range tx.writes {
		before := m.docs[w.path]
		if w.delete {
			if before == nil {
				continue
			}
			delete(m.docs, w.path)
			events = append(events, m.event(w.path, before, nil))
			continue
		}
		doc := m.write(w.path, w.fields)
		events = append(events, m.event(w.path, before, doc))
	}
	m.mu.Unlock()

	for _, ev := range events {
		m.emit(ev)
	}
	return nil
}

func (m *Memory) List(ctx context.Context, collection string, afterPath string, limit int) ([]*Doc, error) {
	m.mu.Lock()
	paths := make([]string, 0)
	for path := range m.docs {
		if CollectionOf(path) == collection && (afterPath == "" || path > afterPath) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	if limit > 0 && len(paths) > limit {
		paths = paths[:limit]
	}
	docs := make([]*Doc, 0, len(paths))
	for _, path := range paths {
		docs = append(docs, m.docs[path].Clone())
	}
	m.mu.Unlock()
	return docs, nil
}

func (m *Memory) Count(ctx context.Context, collection string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for path := range m.docs {
		if CollectionOf(path) == collection {
			count++
		}
	}
	return count, nil
}

func (m *Memory) Watch(ctx context.Context) (Feed, error) {
	feed := &memoryFeed{notify: make(chan struct{}, 1)}
	m.mu.Lock()
	m.feeds = append(m.feeds, feed)
	m.mu.Unlock()
	return feed, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() {}

// write stores a document under lock and returns the stored copy.
func (m *Memory) write(path string, fields map[string]any) *Doc {
	var version int64 = 1
	if prev, ok := m.docs[path]; ok {
		version = prev.Version + 1
	}
	cloned := make(map[string]any, len(fields))
	for k, v := range fields {
		cloned[k] = v
	}
	doc := &Doc{Path: path, Fields: cloned, Version: version, UpdatedAt: time.Now()}
	m.docs[path] = doc
	return doc
}

// event builds a change event under lock.
func (m *Memory) event(path string, before, after *Doc) *Event {
	m.nextEventID++
	return &Event{
		ID:     m.nextEventID,
		Path:   path,
		Before: before.Clone(),
		After:  after.Clone(),
	}
}

func (m *Memory) emit(ev *Event) {
	if ev == nil {
		return
	}
	m.mu.Lock()
	feeds := make([]*memoryFeed, len(m.feeds))
	copy(feeds, m.feeds)
	m.mu.Unlock()

	for _, feed := range feeds {
		feed.push(ev)
	}
}

type txWrite struct {
	path   string
	fields map[string]any
	delete bool
}

type memoryTx struct {
	store  *Memory
	reads  map[string]int64
	writes []txWrite
}

func (tx *memoryTx) Get(path string) (*Doc, error) {
	// Staged writes within the same transaction are not visible to reads;
	// transactions read the committed state.
	doc, err := tx.store.Get(context.Background(), path)
	if err != nil {
		if err == ErrNotFound {
			tx.reads[path] = 0
		}
		return nil, err
	}
	tx.reads[path] = doc.Version
	return doc, nil
}

func (tx *memoryTx) Set(path string, fields map[string]any) {
	tx.writes = append(tx.writes, txWrite{path: path, fields: fields})
}

func (tx *memoryTx) Delete(path string) {
	tx.writes = append(tx.writes, txWrite{path: path, delete: true})
}

type memoryFeed struct {
	mu      sync.Mutex
	pending []*Event
	notify  chan struct{}
	closed  bool
}

func (f *memoryFeed) push(ev *Event) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.pending = append(f.pending, ev)
	f.mu.Unlock()

	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *memoryFeed) Next(ctx context.Context) (*Event, error) {
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return nil, fmt.Errorf("feed closed")
		}
		if len(f.pending) > 0 {
			ev := f.pending[0]
			f.pending = f.pending[1:]
			f.mu.Unlock()
			return ev, nil
		}
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.notify:
		}
	}
}

func (f *memoryFeed) Ack(ctx context.Context, ev *Event) error { return nil }

// Nack requeues the event at the tail with the attempt count incremented.
func (f *memoryFeed) Nack(ctx context.Context, ev *Event) error {
	redelivery := *ev
	redelivery.Attempts = ev.Attempts + 1
	f.push(&redelivery)
	return nil
}

func (f *memoryFeed) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

var (
	_ Store = (*Memory)(nil)
	_ Feed  = (*memoryFeed)(nil)
)
