package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredAddress_ApplyRevertRoundTrip(t *testing.T) {
	tr := StructuredAddress{}

	original := map[string]any{
		"title":   "Fix gutter",
		"address": "12 Elm St, Springfield",
		"status":  "open",
	}

	migrated, err := tr.Apply(original)
	require.NoError(t, err)

	assert.NotContains(t, migrated, "address")
	site, ok := migrated["site"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "12 Elm St, Springfield", site["raw"])
	assert.Equal(t, "Fix gutter", migrated["title"])

	// Apply does not mutate its input
	assert.Equal(t, "12 Elm St, Springfield", original["address"])

	reverted, err := tr.Revert(migrated)
	require.NoError(t, err)
	assert.Equal(t, original, reverted)
}

func TestStructuredAddress_ApplyIsIdempotent(t *testing.T) {
	tr := StructuredAddress{}

	migrated := map[string]any{
		"title": "Fix gutter",
		"site":  map[string]any{"raw": "12 Elm St", "city": "Springfield"},
	}

	again, err := tr.Apply(migrated)
	require.NoError(t, err)
	assert.Equal(t, migrated, again)
}

func TestStructuredAddress_ApplyMissingAddress(t *testing.T) {
	tr := StructuredAddress{}

	out, err := tr.Apply(map[string]any{"title": "No address on file"})
	require.NoError(t, err)

	site, ok := out["site"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "", site["raw"])
}

func TestStructuredAddress_RevertToleratesOldShape(t *testing.T) {
	tr := StructuredAddress{}

	// A document a rollback already processed keeps its address as-is.
	out, err := tr.Revert(map[string]any{"title": "x", "address": "1 Main St"})
	require.NoError(t, err)
	assert.Equal(t, "1 Main St", out["address"])

	_, err = tr.Revert(map[string]any{"title": "neither shape"})
	assert.Error(t, err)
}

func TestRegistry_RejectsDuplicateVersion(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(StructuredAddress{}))

	err := r.Register(StructuredAddress{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegistry_LookupAndVersions(t *testing.T) {
	r := Default()

	tr, ok := r.Lookup(2)
	require.True(t, ok)
	assert.Equal(t, []string{"jobs"}, tr.Collections())

	_, ok = r.Lookup(99)
	assert.False(t, ok)

	assert.Equal(t, []int{2}, r.Versions())
}
