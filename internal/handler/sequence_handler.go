package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/fieldline/coordinator/internal/model"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type allocateSequenceRequest struct {
	Scope    string `json:"scope"`
	ParentID string `json:"parentId,omitempty"`
	Name     string `json:"name"`
}

type allocateSequenceResponse struct {
	Status         string `json:"status"`
	TenantID       string `json:"tenantId"`
	Counter        string `json:"counter"`
	SequenceNumber int64  `json:"sequenceNumber"`
}

// AllocateSequence handles POST /v1/tenants/{tenant_id}/sequences. When an
// Idempotency-Key header is present, the first successful response is
// cached and replayed to retries, so a client that lost the response does
// not burn a second number.
func (h *Handlers) AllocateSequence(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	tenantID := mux.Vars(r)["tenant_id"]
	var req allocateSequenceRequest
	if !h.decodeJSON(w, r, requestID, &req) {
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey != "" {
		if cached, hit := h.idempotency.Lookup(r.Context(), tenantID, idempotencyKey); hit {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write(cached)
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	key := model.CounterKey{Scope: req.Scope, ParentID: req.ParentID, Name: req.Name}
	n, err := h.sequences.Allocate(ctx, caller, tenantID, key)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	resp := allocateSequenceResponse{
		Status:         "ok",
		TenantID:       tenantID,
		Counter:        key.String(),
		SequenceNumber: n,
	}

	if idempotencyKey != "" {
		if body, err := json.Marshal(resp); err == nil {
			h.idempotency.Record(ctx, tenantID, idempotencyKey, body)
		} else {
			h.logger.Warn("Failed to marshal response for idempotency cache", zap.Error(err))
		}
	}

	h.writeJSONResponse(w, http.StatusOK, resp)
}

// GetSequence handles GET /v1/tenants/{tenant_id}/sequences. It reports
// the last allocated number without advancing the counter.
func (h *Handlers) GetSequence(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	tenantID := mux.Vars(r)["tenant_id"]
	query := r.URL.Query()
	key := model.CounterKey{
		Scope:    query.Get("scope"),
		ParentID: query.Get("parentId"),
		Name:     query.Get("name"),
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	n, err := h.sequences.Current(ctx, caller, tenantID, key)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, allocateSequenceResponse{
		Status:         "ok",
		TenantID:       tenantID,
		Counter:        key.String(),
		SequenceNumber: n,
	})
}
