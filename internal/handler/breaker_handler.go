package handler

import (
	"log/slog"
	"net/http"

	"github.com/dandantas/scout/internal/resilience"
	"github.com/dandantas/scout/pkg/middleware"
)

// BreakerHandler exposes circuit breaker state for operators
type BreakerHandler struct {
	breakers *resilience.Breakers
}

// NewBreakerHandler creates a new breaker handler
func NewBreakerHandler(breakers *resilience.Breakers) *BreakerHandler {
	return &BreakerHandler{breakers: breakers}
}

// BreakerListResponse lists every known breaker
type BreakerListResponse struct {
	Data []resilience.BreakerSnapshot `json:"data"`
}

// List handles GET /api/v1/circuit-breakers
func (h *BreakerHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, BreakerListResponse{Data: h.breakers.Snapshots()})
}

// Reset handles POST /api/v1/circuit-breakers/{name}/reset
func (h *BreakerHandler) Reset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !h.breakers.Reset(name) {
		writeError(w, http.StatusNotFound, "Circuit breaker not found")
		return
	}

	slog.Info("Circuit breaker reset by operator",
		"dependency", name,
		"principal", middleware.Principal(r.Context()),
		"correlation_id", middleware.GetCorrelationID(r),
	)

	cb, _ := h.breakers.Lookup(name)
	writeJSON(w, http.StatusOK, cb.Snapshot())
}
