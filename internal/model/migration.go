package model

import "time"

// MigrationStatus represents the status of a schema migration
type MigrationStatus string

const (
	// MigrationStatusPending indicates the migration has been requested but
	// has not started processing documents yet
	MigrationStatusPending MigrationStatus = "pending"
	// MigrationStatusInProgress indicates the migration is processing batches
	MigrationStatusInProgress MigrationStatus = "in_progress"
	// MigrationStatusCompleted indicates the migration finished and the
	// tenant schema version was advanced
	MigrationStatusCompleted MigrationStatus = "completed"
	// MigrationStatusFailed indicates the migration aborted; the tenant
	// remains on the old schema version
	MigrationStatusFailed MigrationStatus = "failed"
	// MigrationStatusRolledBack indicates an operator reverted the migration
	MigrationStatusRolledBack MigrationStatus = "rolled_back"
)

// MigrationState tracks one schema migration attempt for a tenant. It is
// persisted inside the tenant document, keyed by target version, and
// retained after completion for audit.
type MigrationState struct {
	TargetVersion      int             `json:"targetVersion"`
	Status             MigrationStatus `json:"status"`
	DocumentsProcessed int64           `json:"documentsProcessed"`
	Error              string          `json:"error,omitempty"`
	StartedAt          time.Time       `json:"startedAt"`
	TriggeredBy        string          `json:"triggeredBy"`
}

// CanTransition reports whether a status transition is allowed. Transitions
// are monotonic: the only revisit permitted is failed -> in_progress (an
// operator retry).
func (m *MigrationState) CanTransition(to MigrationStatus) bool {
	switch m.Status {
	case MigrationStatusPending:
		return to == MigrationStatusInProgress || to == MigrationStatusFailed
	case MigrationStatusInProgress:
		return to == MigrationStatusCompleted || to == MigrationStatusFailed
	case MigrationStatusFailed:
		return to == MigrationStatusInProgress || to == MigrationStatusRolledBack
	case MigrationStatusCompleted:
		return to == MigrationStatusRolledBack
	default:
		return false
	}
}

// Stalled reports whether an in-progress migration has exceeded the stall
// threshold and should be force-failed by the sweep.
func (m *MigrationState) Stalled(threshold time.Duration, now time.Time) bool {
	return m.Status == MigrationStatusInProgress && now.Sub(m.StartedAt) > threshold
}

// VersionRange is the closed range of tenant schema versions a deployment
// understands. The write gate rejects mutations for tenants outside it.
type VersionRange struct {
	Min int
	Max int
}

// Contains reports whether the version falls inside the range.
func (r VersionRange) Contains(version int) bool {
	return version >= r.Min && version <= r.Max
}

// MigrationEstimate is the result of a dry-run scope estimation
type MigrationEstimate struct {
	TargetVersion         int              `json:"targetVersion"`
	DocumentsByCollection map[string]int64 `json:"documentsByCollection"`
	EstimatedDocuments    int64            `json:"estimatedDocuments"`
	EstimatedDuration     time.Duration    `json:"estimatedDuration"`
}
