package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/dandantas/scout/internal/resilience"
	"github.com/dandantas/scout/internal/worker"
)

// Pinger reports whether the datastore is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles service health and readiness checks
type HealthHandler struct {
	db        Pinger
	pool      *worker.WorkerPool
	breakers  *resilience.Breakers
	startTime time.Time
	version   string
}

// NewHealthHandler creates a new health handler. db is nil when the server
// runs without persistence.
func NewHealthHandler(db Pinger, pool *worker.WorkerPool, breakers *resilience.Breakers, version string) *HealthHandler {
	return &HealthHandler{
		db:        db,
		pool:      pool,
		breakers:  breakers,
		startTime: time.Now(),
		version:   version,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	Timestamp     string            `json:"timestamp"`
	MongoDB       string            `json:"mongodb"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	QueueLength   int               `json:"queue_length"`
	ActiveJobs    int               `json:"active_jobs"`
	Breakers      map[string]string `json:"circuit_breakers"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Ready   bool   `json:"ready"`
	MongoDB string `json:"mongodb"`
}

func (h *HealthHandler) mongoStatus(ctx context.Context) string {
	if h.db == nil {
		return "disabled"
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		return "disconnected"
	}
	return "connected"
}

// Health returns the service health status. A degraded datastore or an open
// breaker is reported but does not make the service unhealthy.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	breakers := make(map[string]string)
	status := "healthy"
	for _, s := range h.breakers.Snapshots() {
		breakers[s.Name] = s.State.String()
		if s.State != resilience.StateClosed {
			status = "degraded"
		}
	}

	mongo := h.mongoStatus(r.Context())
	if mongo == "disconnected" {
		status = "degraded"
	}

	response := HealthResponse{
		Status:        status,
		Version:       h.version,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		MongoDB:       mongo,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		QueueLength:   h.pool.GetJobQueueLength(),
		ActiveJobs:    h.pool.Active(),
		Breakers:      breakers,
	}

	writeJSON(w, http.StatusOK, response)
}

// Ready returns the service readiness status. The server can accept work
// without the datastore, so only a pool that is not accepting makes it unready.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	response := ReadyResponse{
		Ready:   h.pool.Accepting(),
		MongoDB: h.mongoStatus(r.Context()),
	}

	statusCode := http.StatusOK
	if !response.Ready {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, response)
}
