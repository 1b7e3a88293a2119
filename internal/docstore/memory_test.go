package docstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_SetAndGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	doc, err := m.Set(ctx, "tenants/t1/jobs/j1", map[string]any{"title": "fix boiler"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)

	doc, err = m.Set(ctx, "tenants/t1/jobs/j1", map[string]any{"title": "fix boiler", "done": true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Version)

	got, err := m.Get(ctx, "tenants/t1/jobs/j1")
	require.NoError(t, err)
	assert.Equal(t, true, got.Fields["done"])

	_, err = m.Get(ctx, "tenants/t1/jobs/missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_Patch_VersionCheck(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	doc, err := m.Set(ctx, "tenants/t1/jobs/j1", map[string]any{"title": "a"})
	require.NoError(t, err)

	patched, err := m.Patch(ctx, "tenants/t1/jobs/j1", map[string]any{"title": "b"}, doc.Version)
	require.NoError(t, err)
	assert.Equal(t, "b", patched.Fields["title"])

	// Stale version loses
	_, err = m.Patch(ctx, "tenants/t1/jobs/j1", map[string]any{"title": "c"}, doc.Version)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemory_RunTransaction_ConflictOnChangedRead(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Set(ctx, "tenants/t1/counters/job:number", map[string]any{"current": int64(1)})
	require.NoError(t, err)

	err = m.RunTransaction(ctx, func(tx Tx) error {
		if _, err := tx.Get("tenants/t1/counters/job:number"); err != nil {
			return err
		}
		// Another writer sneaks in between read and commit
		_, err := m.Set(ctx, "tenants/t1/counters/job:number", map[string]any{"current": int64(2)})
		require.NoError(t, err)

		tx.Set("tenants/t1/counters/job:number", map[string]any{"current": int64(3)})
		return nil
	})
	assert.ErrorIs(t, err, ErrConflict)

	// The losing transaction must not have written anything
	doc, err := m.Get(ctx, "tenants/t1/counters/job:number")
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Fields["current"])
}

func TestMemory_RunTransaction_ConflictOnCreatedRead(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	err := m.RunTransaction(ctx, func(tx Tx) error {
		_, err := tx.Get("tenants/t1/counters/job:number")
		require.ErrorIs(t, err, ErrNotFound)

		// The document appears before commit
		_, err = m.Set(ctx, "tenants/t1/counters/job:number", map[string]any{"current": int64(5)})
		require.NoError(t, err)

		tx.Set("tenants/t1/counters/job:number", map[string]any{"current": int64(1)})
		return nil
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemory_Feed_DeliversAndRedelivers(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	feed, err := m.Watch(ctx)
	require.NoError(t, err)
	defer feed.Close()

	_, err = m.Set(ctx, "tenants/t1/jobs/j1", map[string]any{"title": "a"})
	require.NoError(t, err)

	ev, err := feed.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tenants/t1/jobs/j1", ev.Path)
	assert.Nil(t, ev.Before)
	require.NotNil(t, ev.After)
	assert.Equal(t, 0, ev.Attempts)

	require.NoError(t, feed.Nack(ctx, ev))

	redelivered, err := feed.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, redelivered.ID)
	assert.Equal(t, 1, redelivered.Attempts)
	require.NoError(t, feed.Ack(ctx, redelivered))
}

func TestMemory_Feed_DeleteCarriesBeforeSnapshot(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := m.Set(ctx, "tenants/t1/jobs/j1", map[string]any{"title": "a"})
	require.NoError(t, err)

	feed, err := m.Watch(ctx)
	require.NoError(t, err)
	defer feed.Close()

	require.NoError(t, m.Delete(ctx, "tenants/t1/jobs/j1"))

	ev, err := feed.Next(ctx)
	require.NoError(t, err)
	assert.Nil(t, ev.After)
	require.NotNil(t, ev.Before)
	assert.Equal(t, "a", ev.Before.Fields["title"])
}

func TestMemory_List_PagesInPathOrder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for _, id := range []string{"j3", "j1", "j2"} {
		_, err := m.Set(ctx, "tenants/t1/jobs/"+id, map[string]any{"id": id})
		require.NoError(t, err)
	}
	// A different collection must not leak in
	_, err := m.Set(ctx, "tenants/t1/invoices/i1", map[string]any{"id": "i1"})
	require.NoError(t, err)

	page, err := m.List(ctx, "tenants/t1/jobs", "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "tenants/t1/jobs/j1", page[0].Path)
	assert.Equal(t, "tenants/t1/jobs/j2", page[1].Path)

	page, err = m.List(ctx, "tenants/t1/jobs", page[1].Path, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "tenants/t1/jobs/j3", page[0].Path)

	count, err := m.Count(ctx, "tenants/t1/jobs")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, "tenants/t1", TenantPath("t1"))
	assert.Equal(t, "tenants/t1/counters/job:number", CounterPath("t1", "job:number"))
	assert.Equal(t, "tenants/t1/jobs", CollectionOf("tenants/t1/jobs/j1"))
	assert.Equal(t, "jobs", BaseName("tenants/t1/jobs"))
	assert.Equal(t, "t1", TenantOf("tenants/t1/jobs/j1"))
	assert.Equal(t, "", TenantOf("config/global"))
	assert.Equal(t, "j1", ParentID("tenants/t1/jobs/j1/items/i1"))
	assert.Equal(t, "", ParentID("tenants/t1/jobs/j1"))
}
