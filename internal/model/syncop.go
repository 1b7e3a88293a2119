package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// OpKind is the closed set of operations a disconnected client can buffer.
// Dispatch is an explicit switch on this tag, not a string-keyed lookup.
type OpKind string

const (
	// OpCreateRecord creates a record in a tenant collection
	OpCreateRecord OpKind = "create_record"
	// OpUpdateRecord patches fields on an existing record
	OpUpdateRecord OpKind = "update_record"
	// OpDeleteRecord deletes a record
	OpDeleteRecord OpKind = "delete_record"
)

// Valid reports whether the kind is part of the closed set.
func (k OpKind) Valid() bool {
	switch k {
	case OpCreateRecord, OpUpdateRecord, OpDeleteRecord:
		return true
	default:
		return false
	}
}

// SyncOperation is a buffered client mutation awaiting replay. Created when
// a mutation cannot reach the server, removed on successful replay, and
// moved to the dead-letter set after exceeding MaxRetries.
type SyncOperation struct {
	ID         string         `json:"id"`
	Kind       OpKind         `json:"kind"`
	TenantID   string         `json:"tenantId"`
	Collection string         `json:"collection"`
	RecordID   string         `json:"recordId"`
	Fields     map[string]any `json:"fields,omitempty"`
	EnqueuedAt time.Time      `json:"enqueuedAt"`
	RetryCount int            `json:"retryCount"`
	MaxRetries int            `json:"maxRetries"`
}

// Validate checks the operation before it is accepted into the queue.
func (op *SyncOperation) Validate() error {
	if !op.Kind.Valid() {
		return fmt.Errorf("unknown operation kind: %q", op.Kind)
	}
	if op.TenantID == "" {
		return fmt.Errorf("operation tenant id is required")
	}
	if op.Collection == "" {
		return fmt.Errorf("operation collection is required")
	}
	if op.RecordID == "" {
		return fmt.Errorf("operation record id is required")
	}
	if op.Kind != OpDeleteRecord && op.Fields == nil {
		return fmt.Errorf("operation fields are required for %s", op.Kind)
	}
	return nil
}

// Marshal serializes the operation for durable queue storage.
func (op *SyncOperation) Marshal() ([]byte, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sync operation: %w", err)
	}
	return data, nil
}

// UnmarshalSyncOperation deserializes a stored operation.
func UnmarshalSyncOperation(data []byte) (*SyncOperation, error) {
	var op SyncOperation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sync operation: %w", err)
	}
	return &op, nil
}

// DeadLetter is a sync operation that exhausted its retry budget. It stays
// visible until a user discards it or requeues it manually.
type DeadLetter struct {
	Operation      *SyncOperation `json:"operation"`
	Reason         string         `json:"reason"`
	DeadLetteredAt time.Time      `json:"deadLetteredAt"`
}
