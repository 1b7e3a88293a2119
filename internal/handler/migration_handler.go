package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

type migrationRequest struct {
	TargetVersion int `json:"targetVersion"`
}

type rollbackRequest struct {
	ToVersion int `json:"toVersion"`
}

// EstimateMigration handles POST /v1/tenants/{tenant_id}/migrations/estimate.
func (h *Handlers) EstimateMigration(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	tenantID := mux.Vars(r)["tenant_id"]
	var req migrationRequest
	if !h.decodeJSON(w, r, requestID, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	estimate, err := h.migrations.Estimate(ctx, caller, tenantID, req.TargetVersion)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":                "ok",
		"targetVersion":         estimate.TargetVersion,
		"documentsByCollection": estimate.DocumentsByCollection,
		"estimatedDocuments":    estimate.EstimatedDocuments,
		"estimatedSeconds":      int64(estimate.EstimatedDuration / time.Second),
	})
}

// ExecuteMigration handles POST /v1/tenants/{tenant_id}/migrations. The
// migration runs in the background; progress is polled via GetTenant.
func (h *Handlers) ExecuteMigration(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	tenantID := mux.Vars(r)["tenant_id"]
	var req migrationRequest
	if !h.decodeJSON(w, r, requestID, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.migrations.Execute(ctx, caller, tenantID, req.TargetVersion); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusAccepted, map[string]any{
		"status":        "accepted",
		"tenantId":      tenantID,
		"targetVersion": req.TargetVersion,
	})
}

// RollbackMigration handles POST /v1/tenants/{tenant_id}/migrations/rollback.
// Rollback is synchronous.
func (h *Handlers) RollbackMigration(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	tenantID := mux.Vars(r)["tenant_id"]
	var req rollbackRequest
	if !h.decodeJSON(w, r, requestID, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	if err := h.migrations.Rollback(ctx, caller, tenantID, req.ToVersion); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"tenantId":  tenantID,
		"toVersion": req.ToVersion,
	})
}
