package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldline/coordinator/internal/apperrors"
	"github.com/fieldline/coordinator/internal/docstore"
	"github.com/fieldline/coordinator/internal/model"
	"go.uber.org/zap"
)

// RecordService handles record reads and writes on behalf of clients. All
// mutations pass through the write gate; reads never do. Record creation
// does not allocate sequence numbers itself: connected clients allocate
// via the sequence API before writing, and records synced without a number
// are picked up by the reconciliation handler off the change feed.
type RecordService struct {
	docs    docstore.Store
	gate    *WriteGateService
	retries int
	logger  *zap.Logger
}

// NewRecordService creates a new record service.
func NewRecordService(docs docstore.Store, gate *WriteGateService, logger *zap.Logger) *RecordService {
	return &RecordService{
		docs:    docs,
		gate:    gate,
		retries: 3,
		logger:  logger,
	}
}

// Get reads a record. Reads are never gated.
func (s *RecordService) Get(ctx context.Context, caller model.CallerContext, tenantID, collection, recordID string) (*docstore.Doc, error) {
	if !caller.MemberOf(tenantID) {
		return nil, fmt.Errorf("caller %s: %w", caller.CallerID, apperrors.ErrPermissionDenied)
	}
	doc, err := s.docs.Get(ctx, docstore.RecordPath(tenantID, collection, recordID))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("record %s/%s: %w", collection, recordID, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	return doc, nil
}

// Create writes a new record. Creation is idempotent: replaying a create
// for an existing record returns the stored record unchanged, which is
// what the offline sync queue relies on when a drain is interrupted after
// the server applied the operation.
func (s *RecordService) Create(ctx context.Context, caller model.CallerContext, tenantID, collection, recordID string, fields map[string]any) (*docstore.Doc, error) {
	if !caller.MemberOf(tenantID) {
		return nil, fmt.Errorf("caller %s: %w", caller.CallerID, apperrors.ErrPermissionDenied)
	}
	if err := s.gate.Check(ctx, tenantID); err != nil {
		return nil, err
	}

	path := docstore.RecordPath(tenantID, collection, recordID)
	err := s.docs.RunTransaction(ctx, func(tx docstore.Tx) error {
		if _, err := tx.Get(path); err == nil {
			return nil
		} else if !errors.Is(err, docstore.ErrNotFound) {
			return err
		}
		tx.Set(path, fields)
		return nil
	})
	if errors.Is(err, docstore.ErrConflict) {
		// A concurrent create won; fall through to return the stored doc.
	} else if err != nil {
		return nil, fmt.Errorf("failed to create record: %w", err)
	}

	doc, err := s.docs.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read back record: %w", err)
	}
	return doc, nil
}

// Update merges fields into an existing record. Once a sequence number is
// assigned it is immutable; updates that try to change it are stripped of
// that field rather than rejected, matching what offline clients replay.
func (s *RecordService) Update(ctx context.Context, caller model.CallerContext, tenantID, collection, recordID string, fields map[string]any) (*docstore.Doc, error) {
	if !caller.MemberOf(tenantID) {
		return nil, fmt.Errorf("caller %s: %w", caller.CallerID, apperrors.ErrPermissionDenied)
	}
	if err := s.gate.Check(ctx, tenantID); err != nil {
		return nil, err
	}

	path := docstore.RecordPath(tenantID, collection, recordID)

	var err error
	for attempt := 0; attempt < s.retries; attempt++ {
		err = s.docs.RunTransaction(ctx, func(tx docstore.Tx) error {
			doc, err := tx.Get(path)
			if errors.Is(err, docstore.ErrNotFound) {
				return fmt.Errorf("record %s/%s: %w", collection, recordID, apperrors.ErrNotFound)
			}
			if err != nil {
				return err
			}

			merged := make(map[string]any, len(doc.Fields)+len(fields))
			for k, v := range doc.Fields {
				merged[k] = v
			}
			_, assigned := model.SequenceNumberOf(doc.Fields)
			for k, v := range fields {
				if k == model.SequenceField && assigned {
					continue
				}
				merged[k] = v
			}
			merged["updatedAt"] = time.Now().UTC().Format(time.RFC3339Nano)

			tx.Set(path, merged)
			return nil
		})
		if !errors.Is(err, docstore.ErrConflict) {
			break
		}
	}
	if errors.Is(err, docstore.ErrConflict) {
		return nil, fmt.Errorf("record %s/%s: %w", collection, recordID, apperrors.ErrTransientConflict)
	}
	if err != nil {
		return nil, err
	}

	doc, err := s.docs.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read back record: %w", err)
	}
	return doc, nil
}

// Delete removes a record. Deleting a record that does not exist is a
// no-op so replayed deletes from the sync queue succeed.
func (s *RecordService) Delete(ctx context.Context, caller model.CallerContext, tenantID, collection, recordID string) error {
	if !caller.MemberOf(tenantID) {
		return fmt.Errorf("caller %s: %w", caller.CallerID, apperrors.ErrPermissionDenied)
	}
	if err := s.gate.Check(ctx, tenantID); err != nil {
		return err
	}

	err := s.docs.Delete(ctx, docstore.RecordPath(tenantID, collection, recordID))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// List pages through a tenant collection.
func (s *RecordService) List(ctx context.Context, caller model.CallerContext, tenantID, collection, afterRecordID string, limit int) ([]*docstore.Doc, error) {
	if !caller.MemberOf(tenantID) {
		return nil, fmt.Errorf("caller %s: %w", caller.CallerID, apperrors.ErrPermissionDenied)
	}
	afterPath := ""
	if afterRecordID != "" {
		afterPath = docstore.RecordPath(tenantID, collection, afterRecordID)
	}
	docs, err := s.docs.List(ctx, docstore.RecordCollection(tenantID, collection), afterPath, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return docs, nil
}
