// Package schema defines the per-version document transformations the
// migration coordinator applies. Each schema version bump ships a Transform
// that can rewrite a document's fields forward and back. Readers are
// expected to tolerate both shapes during a migration window via per-field
// presence checks, so transforms must be additive-first: write the new
// shape without destroying information needed by Revert.
package schema

import (
	"fmt"
	"sort"
	"sync"
)

// Transform rewrites documents of the named collections between two
// adjacent schema versions.
type Transform interface {
	// Version is the schema version this transform migrates TO
	Version() int
	// Collections lists the top-level tenant collections affected
	Collections() []string
	// Apply rewrites fields from version-1 shape to version shape
	Apply(fields map[string]any) (map[string]any, error)
	// Revert rewrites fields from version shape back to version-1 shape
	Revert(fields map[string]any) (map[string]any, error)
}

// Registry holds the known transforms keyed by target version.
type Registry struct {
	mu         sync.RWMutex
	transforms map[int]Transform
}

// NewRegistry creates an empty transform registry.
func NewRegistry() *Registry {
	return &Registry{transforms: make(map[int]Transform)}
}

// Register adds a transform. Registering two transforms for the same
// target version is a programming error.
func (r *Registry) Register(t Transform) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.transforms[t.Version()]; exists {
		return fmt.Errorf("transform for version %d already registered", t.Version())
	}
	r.transforms[t.Version()] = t
	return nil
}

// Lookup returns the transform targeting the given version.
func (r *Registry) Lookup(targetVersion int) (Transform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transforms[targetVersion]
	return t, ok
}

// Versions returns the registered target versions in ascending order.
func (r *Registry) Versions() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := make([]int, 0, len(r.transforms))
	for v := range r.transforms {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions
}
