package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dandantas/scout/internal/broadcast"
	"github.com/dandantas/scout/internal/config"
	"github.com/dandantas/scout/internal/database"
	"github.com/dandantas/scout/internal/handler"
	"github.com/dandantas/scout/internal/janitor"
	"github.com/dandantas/scout/internal/metrics"
	"github.com/dandantas/scout/internal/provider"
	"github.com/dandantas/scout/internal/registry"
	"github.com/dandantas/scout/internal/resilience"
	"github.com/dandantas/scout/internal/service"
	"github.com/dandantas/scout/internal/trace"
	"github.com/dandantas/scout/internal/worker"
	"github.com/dandantas/scout/pkg/middleware"
)

const version = "1.0.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize logger
	closeLog := config.InitLogger(cfg)
	defer closeLog()

	slog.Info("Starting Scout Search Service", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to MongoDB. Without it the service runs memory-only.
	var (
		store  service.JobStore
		pinger handler.Pinger
	)
	if cfg.Mongo.Enabled {
		db, err := database.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.Database, cfg.Mongo.Timeout)
		if err != nil {
			slog.Warn("MongoDB unavailable, running without persistence", "error", err)
		} else {
			defer func() {
				if err := db.Disconnect(context.Background()); err != nil {
					slog.Error("Failed to disconnect from MongoDB", "error", err)
				}
			}()
			if err := database.CreateIndexes(ctx, db, cfg.Mongo.Retention); err != nil {
				slog.Error("Failed to create indexes", "error", err)
			}
			store = database.NewJobRepository(db)
			pinger = db
		}
	}

	// Resilience layer
	classifier := resilience.NewClassifier()
	retry := resilience.NewRetryManager(classifier)
	breakers := resilience.NewBreakers(cfg.BreakerDefaults(), classifier)
	guard := resilience.NewGuard(breakers, retry, cfg.RetryPolicy())

	storePolicy := cfg.RetryPolicy()
	storePolicy.MaxRetries = min(storePolicy.MaxRetries, 2)
	storePolicy.AttemptTimeout = cfg.Job.StoreTimeout
	guard.SetPolicy(service.DepDatastore, storePolicy)

	metrics.Instrument(guard, retry)

	// Search capability
	capability, err := provider.NewHTTPProvider(cfg.ProviderSettings(), nil)
	if err != nil {
		slog.Error("Failed to configure search provider", "error", err)
		os.Exit(1)
	}

	// Job engine
	reg := registry.New()
	hub := broadcast.NewHub()
	traces := trace.NewStore(cfg.Janitor.TraceRetention)
	pool := worker.NewWorkerPool(cfg.Worker.PoolSize, cfg.Worker.QueueSize)
	pool.Start()

	orch := service.NewOrchestrator(reg, hub, pool, guard, capability, store, traces, service.Options{
		StageDelay:          cfg.Job.StageDelay,
		DefaultTimeout:      cfg.Job.DefaultTimeout,
		SubQueryConcurrency: cfg.Job.SubQueryConcurrency,
		StoreTimeout:        cfg.Job.StoreTimeout,
	})

	if n, err := orch.Recover(ctx); err != nil {
		slog.Error("Failed to recover interrupted searches", "error", err)
	} else if n > 0 {
		slog.Info("Recovered interrupted searches", "count", n)
	}

	// Retention sweeps
	sweeper := janitor.New(reg, hub, traces, cfg.Job.Retention, cfg.Janitor.Schedule)
	if err := sweeper.Start(); err != nil {
		slog.Error("Failed to start janitor", "error", err)
		os.Exit(1)
	}

	// Initialize handlers
	searchHandler := handler.NewSearchHandler(orch, hub, cfg.HTTP.LongPollMax)
	streamHandler := handler.NewStreamHandler(orch, hub)
	wsHandler := handler.NewWebSocketHandler(orch, hub)
	breakerHandler := handler.NewBreakerHandler(breakers)
	traceHandler := handler.NewTraceHandler(traces)
	healthHandler := handler.NewHealthHandler(pinger, pool, breakers, version)

	// Create CORS config
	corsConfig := middleware.CORSConfig{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           cfg.CORS.MaxAge,
	}

	// Create router
	router := handler.NewRouter(
		searchHandler,
		streamHandler,
		wsHandler,
		breakerHandler,
		traceHandler,
		healthHandler,
		traces,
		cfg.Auth.APIKeys,
		corsConfig,
	)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      router.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		slog.Info("Starting HTTP server", "port", cfg.HTTP.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	slog.Info("Received shutdown signal, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	// Stop the janitor first so it does not race the final archival
	sweeper.Stop(shutdownCtx)

	// Cancel live searches and drain the pool; this also ends progress streams
	slog.Info("Stopping search orchestrator...")
	if err := orch.Shutdown(shutdownCtx); err != nil {
		slog.Error("Orchestrator shutdown error", "error", err)
	}

	slog.Info("Shutting down HTTP server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Scout Search Service stopped")
}
