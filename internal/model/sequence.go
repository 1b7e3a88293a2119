package model

import (
	"fmt"
	"strings"
)

// CounterKey identifies a logical monotonic counter within a tenant. Top
// level counters (job numbers, invoice numbers) use Scope + Name; ordinal
// counters scoped to a parent record (line items within a job) additionally
// carry the parent record id. The structured form avoids ad hoc string
// concatenation collisions between counter names and record ids.
type CounterKey struct {
	Scope    string `json:"scope"`
	ParentID string `json:"parentId,omitempty"`
	Name     string `json:"name"`
}

// Validate checks the key for storage safety.
func (k CounterKey) Validate() error {
	if k.Scope == "" {
		return fmt.Errorf("counter scope is required")
	}
	if k.Name == "" {
		return fmt.Errorf("counter name is required")
	}
	for _, part := range []string{k.Scope, k.ParentID, k.Name} {
		if strings.ContainsAny(part, "/:") {
			return fmt.Errorf("counter key part %q contains reserved characters", part)
		}
	}
	return nil
}

// StorageKey resolves the structured key to its canonical storage form.
// Parts are joined with ':' which Validate guarantees cannot appear inside
// a part, so distinct keys never collide.
func (k CounterKey) StorageKey() string {
	if k.ParentID == "" {
		return k.Scope + ":" + k.Name
	}
	return k.Scope + ":" + k.ParentID + ":" + k.Name
}

func (k CounterKey) String() string {
	return k.StorageKey()
}

// SequenceCounter is the persisted state of one counter. Mutated exclusively
// by the sequence allocator inside a document transaction.
type SequenceCounter struct {
	TenantID string     `json:"tenantId"`
	Key      CounterKey `json:"key"`
	Current  int64      `json:"current"`
}

// CounterSpec declares that records of a collection carry a canonical
// sequence number drawn from the named counter. PerParent counters are
// ordinals scoped to the enclosing record (line items within a job).
type CounterSpec struct {
	Collection string `mapstructure:"collection"`
	Scope      string `mapstructure:"scope"`
	Name       string `mapstructure:"name"`
	PerParent  bool   `mapstructure:"per_parent"`
}
