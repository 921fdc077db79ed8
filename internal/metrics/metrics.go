package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsSubmitted tracks accepted search submissions
	JobsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scout_jobs_submitted_total",
			Help: "Total number of accepted search jobs",
		},
	)

	// JobsRejected tracks submissions refused before a job was created
	JobsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scout_jobs_rejected_total",
			Help: "Total number of rejected search submissions",
		},
		[]string{"reason"},
	)

	// JobsFinished tracks jobs reaching a terminal status
	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scout_jobs_finished_total",
			Help: "Total number of search jobs reaching a terminal status",
		},
		[]string{"status"},
	)

	// JobDuration tracks wall time from start to terminal status
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scout_job_duration_seconds",
			Help:    "Search job duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"status"},
	)

	// JobsActive tracks jobs currently executing on the worker pool
	JobsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scout_jobs_active",
			Help: "Number of search jobs currently executing",
		},
	)

	// QueueDepth tracks jobs waiting for a worker
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scout_job_queue_depth",
			Help: "Number of search jobs waiting for a worker",
		},
	)

	// DependencyCalls tracks guarded dependent calls by outcome
	DependencyCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scout_dependency_calls_total",
			Help: "Total number of guarded dependency calls",
		},
		[]string{"dependency", "outcome"},
	)

	// DependencyLatency tracks guarded call latency including retries
	DependencyLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scout_dependency_latency_seconds",
			Help:    "Guarded dependency call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"dependency"},
	)

	// RetryAttempts tracks failed attempts by classified category
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scout_retry_attempts_total",
			Help: "Total number of failed dependency attempts",
		},
		[]string{"operation", "category", "decision"},
	)

	// BreakerState tracks the state of each circuit breaker (0 closed, 1 open, 2 half-open)
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scout_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"dependency"},
	)

	// BreakerTransitions tracks circuit breaker state changes
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scout_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"dependency", "from", "to"},
	)

	// BroadcastSubscribers tracks live progress subscriptions
	BroadcastSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scout_broadcast_subscribers",
			Help: "Number of live progress subscriptions",
		},
	)

	// JanitorPurged tracks records removed by retention sweeps
	JanitorPurged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scout_janitor_purged_total",
			Help: "Total number of records removed by retention sweeps",
		},
		[]string{"kind"},
	)
)

// StoreConnectionsInUse tracks job store connections checked out of the pool
var StoreConnectionsInUse = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "scout_store_connections_in_use",
		Help: "Number of job store connections checked out of the driver pool",
	},
)
