package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
)

// CreateRecord handles PUT /v1/tenants/{tenant_id}/records/{collection}/{record_id}.
// Creation is idempotent: replaying a create for an existing record
// returns the stored record, which the offline sync queue relies on.
func (h *Handlers) CreateRecord(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	vars := mux.Vars(r)
	var fields map[string]any
	if !h.decodeJSON(w, r, requestID, &fields) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	doc, err := h.records.Create(ctx, caller, vars["tenant_id"], vars["collection"], vars["record_id"], fields)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"path":    doc.Path,
		"fields":  doc.Fields,
		"version": doc.Version,
	})
}

// UpdateRecord handles PATCH /v1/tenants/{tenant_id}/records/{collection}/{record_id}.
func (h *Handlers) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	vars := mux.Vars(r)
	var fields map[string]any
	if !h.decodeJSON(w, r, requestID, &fields) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	doc, err := h.records.Update(ctx, caller, vars["tenant_id"], vars["collection"], vars["record_id"], fields)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"path":    doc.Path,
		"fields":  doc.Fields,
		"version": doc.Version,
	})
}

// GetRecord handles GET /v1/tenants/{tenant_id}/records/{collection}/{record_id}.
// Reads are never gated by migrations.
func (h *Handlers) GetRecord(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	vars := mux.Vars(r)
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	doc, err := h.records.Get(ctx, caller, vars["tenant_id"], vars["collection"], vars["record_id"])
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"path":    doc.Path,
		"fields":  doc.Fields,
		"version": doc.Version,
	})
}

// DeleteRecord handles DELETE /v1/tenants/{tenant_id}/records/{collection}/{record_id}.
func (h *Handlers) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	vars := mux.Vars(r)
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.records.Delete(ctx, caller, vars["tenant_id"], vars["collection"], vars["record_id"]); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, map[string]any{"status": "ok"})
}
