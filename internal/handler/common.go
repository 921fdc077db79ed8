package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/dandantas/scout/internal/model"
	"github.com/dandantas/scout/internal/resilience"
	"github.com/dandantas/scout/internal/service"
	"github.com/dandantas/scout/internal/trace"
	"github.com/dandantas/scout/pkg/middleware"
)

var classifier = resilience.NewClassifier()

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Category  string `json:"category,omitempty"`
	Field     string `json:"field,omitempty"`
	Retryable bool   `json:"retryable"`
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
	})
}

// writeServiceError maps service failures to responses. Unexpected errors
// are logged in full and reported with their user-safe message only.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *model.ValidationError
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:    http.StatusText(http.StatusBadRequest),
			Message:  validation.Message,
			Category: string(resilience.CategoryValidation),
			Field:    validation.Field,
		})
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "Search not found")
	case errors.Is(err, service.ErrCapacityExceeded), errors.Is(err, service.ErrShuttingDown):
		w.Header().Set("Retry-After", "5")
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error:     http.StatusText(http.StatusServiceUnavailable),
			Message:   err.Error(),
			Category:  "capacity",
			Retryable: true,
		})
	default:
		cl := classifier.Classify(err)
		status := http.StatusInternalServerError
		if cl.Category == resilience.CategoryCircuitOpen {
			status = http.StatusServiceUnavailable
		}
		trace.Logger(r.Context()).Error("Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"category", cl.Category,
			"error", err,
		)
		writeJSON(w, status, ErrorResponse{
			Error:     http.StatusText(status),
			Message:   cl.UserMessage,
			Category:  string(cl.Category),
			Retryable: cl.Retryable || cl.Category == resilience.CategoryCircuitOpen,
		})
	}
}

// ownedJob loads the job and hides it from callers that do not own it
func ownedJob(r *http.Request, orch *service.Orchestrator, id string) (*model.Job, error) {
	if uuid.Validate(id) != nil {
		return nil, service.ErrNotFound
	}
	job, err := orch.GetStatus(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != middleware.Principal(r.Context()) {
		slog.Debug("Search hidden from non-owner",
			"job_id", id,
			"correlation_id", middleware.GetCorrelationID(r),
		)
		return nil, service.ErrNotFound
	}
	return job, nil
}

// parseQueryInt parses an integer query parameter with a default value
func parseQueryInt(r *http.Request, key string, defaultValue int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

// parseQueryUint parses an unsigned integer query parameter with a default value
func parseQueryUint(r *http.Request, key string, defaultValue uint64) uint64 {
	value := r.URL.Query().Get(key)
	if value == "" {
		return defaultValue
	}

	v, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return defaultValue
	}
	return v
}
