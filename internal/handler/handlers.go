// Package handler provides the HTTP request handlers for the coordinator
// API.
package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fieldline/coordinator/internal/apperrors"
	"github.com/fieldline/coordinator/internal/middleware"
	"github.com/fieldline/coordinator/internal/model"
	"github.com/fieldline/coordinator/internal/service"
	"go.uber.org/zap"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	tenants      *service.TenantService
	sequences    *service.SequenceService
	migrations   *service.MigrationService
	records      *service.RecordService
	idempotency  *service.IdempotencyService
	errorHandler *apperrors.Handler
	logger       *zap.Logger
	timeout      time.Duration
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(
	tenants *service.TenantService,
	sequences *service.SequenceService,
	migrations *service.MigrationService,
	records *service.RecordService,
	idempotency *service.IdempotencyService,
	errorHandler *apperrors.Handler,
	logger *zap.Logger,
	timeout time.Duration,
) *Handlers {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Handlers{
		tenants:      tenants,
		sequences:    sequences,
		migrations:   migrations,
		records:      records,
		idempotency:  idempotency,
		errorHandler: errorHandler,
		logger:       logger,
		timeout:      timeout,
	}
}

// caller extracts the authenticated caller or writes a 401.
func (h *Handlers) caller(w http.ResponseWriter, r *http.Request) (model.CallerContext, bool) {
	caller, ok := middleware.CallerFrom(r.Context())
	if !ok {
		h.errorHandler.HandleError(w, r, fmt.Errorf("%w: no caller in request", apperrors.ErrUnauthenticated))
		return model.CallerContext{}, false
	}
	return caller, true
}

func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *Handlers) decodeJSON(w http.ResponseWriter, r *http.Request, requestID string, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		h.errorHandler.WriteValidationError(w, "invalid JSON body: "+err.Error(), requestID)
		return false
	}
	return true
}
