package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dandantas/scout/internal/broadcast"
	"github.com/dandantas/scout/internal/metrics"
	"github.com/dandantas/scout/internal/registry"
	"github.com/dandantas/scout/internal/trace"
)

// Janitor runs retention sweeps over the in-memory job registry, its
// progress topics and the trace store
type Janitor struct {
	registry     *registry.Registry
	hub          *broadcast.Hub
	traces       *trace.Store
	jobRetention time.Duration
	schedule     string

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// New creates a janitor. The schedule accepts standard five-field cron
// expressions and descriptors such as "@every 1m".
func New(reg *registry.Registry, hub *broadcast.Hub, traces *trace.Store, jobRetention time.Duration, schedule string) *Janitor {
	return &Janitor{
		registry:     reg,
		hub:          hub,
		traces:       traces,
		jobRetention: jobRetention,
		schedule:     schedule,
	}
}

// ParseSchedule validates a janitor schedule expression
func ParseSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}
	return nil
}

// Start schedules the sweep. Calling Start twice has no effect.
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(j.schedule, func() { j.Sweep(time.Now().UTC()) }); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", j.schedule, err)
	}
	c.Start()
	j.cron = c
	j.running = true

	slog.Info("Starting janitor",
		"schedule", j.schedule,
		"job_retention", j.jobRetention,
	)
	return nil
}

// Stop halts scheduling and waits for a running sweep, bounded by ctx
func (j *Janitor) Stop(ctx context.Context) {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	c := j.cron
	j.running = false
	j.mu.Unlock()

	slog.Info("Stopping janitor")
	select {
	case <-c.Stop().Done():
		slog.Info("Janitor stopped")
	case <-ctx.Done():
		slog.Warn("Timeout waiting for janitor sweep to complete")
	}
}

// Sweep removes terminal jobs that finished before now minus the job
// retention, their progress topics, and expired traces
func (j *Janitor) Sweep(now time.Time) (jobs, traces int) {
	start := time.Now()

	if j.jobRetention > 0 {
		ids := j.registry.PurgeTerminal(now.Add(-j.jobRetention))
		for _, id := range ids {
			j.hub.Remove(id)
		}
		jobs = len(ids)
		metrics.JanitorPurged.WithLabelValues("job").Add(float64(jobs))
	}

	if j.traces != nil {
		traces = j.traces.Sweep(now)
		metrics.JanitorPurged.WithLabelValues("trace").Add(float64(traces))
	}

	if jobs > 0 || traces > 0 {
		slog.Info("Retention sweep completed",
			"jobs_purged", jobs,
			"traces_purged", traces,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return jobs, traces
}
