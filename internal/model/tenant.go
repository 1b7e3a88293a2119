package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Tenant represents an isolated customer namespace. All documents, counters
// and migrations are scoped to one tenant. SchemaVersion and Migrations are
// mutated only by the migration coordinator; everything else treats the
// tenant document as read-only.
type Tenant struct {
	TenantID      string                  `json:"tenantId"`
	SchemaVersion int                     `json:"schemaVersion"`
	Migrations    map[int]*MigrationState `json:"migrations,omitempty"`
	CreatedAt     time.Time               `json:"createdAt"`
	UpdatedAt     time.Time               `json:"updatedAt"`
}

// MigrationInProgress reports whether any migration for this tenant is
// currently running. The write gate observes this.
func (t *Tenant) MigrationInProgress() bool {
	for _, m := range t.Migrations {
		if m.Status == MigrationStatusInProgress {
			return true
		}
	}
	return false
}

// Migration returns the migration state for a target version, or nil.
func (t *Tenant) Migration(targetVersion int) *MigrationState {
	if t.Migrations == nil {
		return nil
	}
	return t.Migrations[targetVersion]
}

// SetMigration records migration state for a target version.
func (t *Tenant) SetMigration(m *MigrationState) {
	if t.Migrations == nil {
		t.Migrations = make(map[int]*MigrationState)
	}
	t.Migrations[m.TargetVersion] = m
}

// Fields serializes the tenant for document storage.
func (t *Tenant) Fields() (map[string]any, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tenant: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tenant fields: %w", err)
	}
	return fields, nil
}

// TenantFromFields deserializes a tenant from document fields.
func TenantFromFields(fields map[string]any) (*Tenant, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tenant fields: %w", err)
	}
	var tenant Tenant
	if err := json.Unmarshal(data, &tenant); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tenant: %w", err)
	}
	return &tenant, nil
}
