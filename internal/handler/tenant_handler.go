package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/fieldline/coordinator/internal/apperrors"
	"github.com/gorilla/mux"
)

type createTenantRequest struct {
	TenantID string `json:"tenantId"`
}

// CreateTenant handles POST /v1/tenants.
func (h *Handlers) CreateTenant(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if _, ok := h.caller(w, r); !ok {
		return
	}

	var req createTenantRequest
	if !h.decodeJSON(w, r, requestID, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	tenant, err := h.tenants.CreateTenant(ctx, req.TenantID)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusCreated, map[string]any{
		"status": "ok",
		"tenant": tenant,
	})
}

// GetTenant handles GET /v1/tenants/{tenant_id}. The response includes the
// migration states, which is how clients poll migration progress.
func (h *Handlers) GetTenant(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	tenantID := mux.Vars(r)["tenant_id"]
	if !caller.MemberOf(tenantID) {
		h.errorHandler.HandleError(w, r, fmt.Errorf("caller %s: %w", caller.CallerID, apperrors.ErrPermissionDenied))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	tenant, err := h.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, map[string]any{
		"status": "ok",
		"tenant": tenant,
	})
}
