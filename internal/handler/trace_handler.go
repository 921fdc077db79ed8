package handler

import (
	"net/http"

	"github.com/dandantas/scout/internal/trace"
)

// TraceHandler serves retained traces for diagnosis
type TraceHandler struct {
	store *trace.Store
}

// NewTraceHandler creates a new trace handler
func NewTraceHandler(store *trace.Store) *TraceHandler {
	return &TraceHandler{store: store}
}

// Get handles GET /api/v1/traces/{id}
func (h *TraceHandler) Get(w http.ResponseWriter, r *http.Request) {
	tc, ok := h.store.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Trace not found")
		return
	}
	writeJSON(w, http.StatusOK, tc.Snapshot())
}
