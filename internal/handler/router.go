package handler

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dandantas/scout/internal/trace"
	"github.com/dandantas/scout/pkg/middleware"
)

// Router handles HTTP routing
type Router struct {
	searchHandler  *SearchHandler
	streamHandler  *StreamHandler
	wsHandler      *WebSocketHandler
	breakerHandler *BreakerHandler
	traceHandler   *TraceHandler
	healthHandler  *HealthHandler
	traces         *trace.Store
	apiKeys        map[string]string
	corsConfig     middleware.CORSConfig
}

// NewRouter creates a new router
func NewRouter(
	searchHandler *SearchHandler,
	streamHandler *StreamHandler,
	wsHandler *WebSocketHandler,
	breakerHandler *BreakerHandler,
	traceHandler *TraceHandler,
	healthHandler *HealthHandler,
	traces *trace.Store,
	apiKeys map[string]string,
	corsConfig middleware.CORSConfig,
) *Router {
	return &Router{
		searchHandler:  searchHandler,
		streamHandler:  streamHandler,
		wsHandler:      wsHandler,
		breakerHandler: breakerHandler,
		traceHandler:   traceHandler,
		healthHandler:  healthHandler,
		traces:         traces,
		apiKeys:        apiKeys,
		corsConfig:     corsConfig,
	}
}

// Handler returns the configured HTTP handler with middleware
func (rt *Router) Handler() http.Handler {
	api := http.NewServeMux()

	api.HandleFunc("POST /api/v1/searches", rt.searchHandler.Submit)
	api.HandleFunc("GET /api/v1/searches", rt.searchHandler.List)
	api.HandleFunc("GET /api/v1/searches/{id}", rt.searchHandler.Get)
	api.HandleFunc("DELETE /api/v1/searches/{id}", rt.searchHandler.Cancel)
	api.HandleFunc("POST /api/v1/searches/{id}/cancel", rt.searchHandler.Cancel)
	api.HandleFunc("GET /api/v1/searches/{id}/progress", rt.searchHandler.Progress)
	api.HandleFunc("GET /api/v1/stream", rt.streamHandler.Stream)
	api.Handle("GET /ws", rt.wsHandler)

	api.HandleFunc("GET /api/v1/circuit-breakers", rt.breakerHandler.List)
	api.HandleFunc("POST /api/v1/circuit-breakers/{name}/reset", rt.breakerHandler.Reset)
	api.HandleFunc("GET /api/v1/traces/{id}", rt.traceHandler.Get)

	mux := http.NewServeMux()

	// Health and metrics endpoints (no auth)
	mux.HandleFunc("GET /health", rt.healthHandler.Health)
	mux.HandleFunc("GET /ready", rt.healthHandler.Ready)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("/api/", middleware.Auth(rt.apiKeys)(api))
	mux.Handle("/ws", middleware.Auth(rt.apiKeys)(api))

	// Apply middleware (CORS first to handle preflight requests)
	handler := middleware.CORS(rt.corsConfig)(mux)
	handler = middleware.Recovery(handler)
	handler = middleware.Logging(handler)
	handler = middleware.Correlation(rt.traces)(handler)

	return handler
}
