// Package health provides liveness and readiness endpoints for the
// coordinator.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/fieldline/coordinator/internal/docstore"
	"github.com/fieldline/coordinator/internal/store"
	"go.uber.org/zap"
)

// HealthCheck reports process liveness and dependency readiness.
type HealthCheck struct {
	docs        docstore.Store
	idempotency store.IdempotencyStore
	logger      *zap.Logger
}

// NewHealthCheck creates a new HealthCheck instance.
func NewHealthCheck(docs docstore.Store, idempotency store.IdempotencyStore, logger *zap.Logger) *HealthCheck {
	return &HealthCheck{
		docs:        docs,
		idempotency: idempotency,
		logger:      logger,
	}
}

// ReadinessResponse is the body of the readiness check.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// LivenessHandler handles GET /health requests.
func (hc *HealthCheck) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// ReadinessHandler handles GET /ready requests. The coordinator is ready
// when the document store answers a ping; the idempotency store being down
// degrades replay protection but does not block traffic.
func (hc *HealthCheck) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{
		"docstore":    "healthy",
		"idempotency": "healthy",
	}
	ready := true

	if err := hc.docs.Ping(ctx); err != nil {
		hc.logger.Warn("Document store ping failed", zap.Error(err))
		checks["docstore"] = "unhealthy"
		ready = false
	}
	if err := hc.idempotency.Ping(ctx); err != nil {
		checks["idempotency"] = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(ReadinessResponse{Status: "not_ready", Checks: checks})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(ReadinessResponse{Status: "ready", Checks: checks})
}
