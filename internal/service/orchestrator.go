package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dandantas/scout/internal/broadcast"
	"github.com/dandantas/scout/internal/metrics"
	"github.com/dandantas/scout/internal/model"
	"github.com/dandantas/scout/internal/registry"
	"github.com/dandantas/scout/internal/resilience"
	"github.com/dandantas/scout/internal/trace"
	"github.com/dandantas/scout/internal/worker"
)

// Options tunes job execution
type Options struct {
	// StageDelay paces progress between stages, zero disables pacing
	StageDelay time.Duration
	// DefaultTimeout is the job deadline used when a submission sets none
	DefaultTimeout time.Duration
	// SubQueryConcurrency bounds concurrent sub-queries within one job
	SubQueryConcurrency int
	// StoreTimeout bounds each datastore call
	StoreTimeout time.Duration
}

// CancelResult is the outcome of a cancel request
type CancelResult struct {
	Job             *model.Job
	AlreadyTerminal bool
}

// Orchestrator runs the search job state machine:
// PENDING -> PROCESSING -> COMPLETED | FAILED | CANCELLED
type Orchestrator struct {
	registry   *registry.Registry
	hub        *broadcast.Hub
	pool       *worker.WorkerPool
	guard      *resilience.Guard
	capability Capability
	store      JobStore
	traces     *trace.Store
	opts       Options
	now        func() time.Time

	mu        sync.Mutex
	closing   bool
	deadlines map[string]*time.Timer

	background sync.WaitGroup
}

// NewOrchestrator creates a new orchestrator. store and traces may be nil.
func NewOrchestrator(
	reg *registry.Registry,
	hub *broadcast.Hub,
	pool *worker.WorkerPool,
	guard *resilience.Guard,
	capability Capability,
	store JobStore,
	traces *trace.Store,
	opts Options,
) *Orchestrator {
	if opts.SubQueryConcurrency <= 0 {
		opts.SubQueryConcurrency = 4
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	return &Orchestrator{
		registry:   reg,
		hub:        hub,
		pool:       pool,
		guard:      guard,
		capability: capability,
		store:      store,
		traces:     traces,
		opts:       opts,
		now:        time.Now,
		deadlines:  make(map[string]*time.Timer),
	}
}

// Submit validates cfg, registers a PENDING job and queues its execution.
// It returns as soon as the job is queued.
func (o *Orchestrator) Submit(ctx context.Context, ownerID string, cfg model.SearchConfig) (*model.Job, error) {
	if o.isClosing() {
		return nil, ErrShuttingDown
	}

	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		metrics.JobsRejected.WithLabelValues("validation").Inc()
		return nil, err
	}

	tc := trace.New("search.job", trace.ID(ctx))
	job := &model.Job{
		ID:            uuid.New().String(),
		OwnerID:       ownerID,
		CorrelationID: tc.ID,
		Config:        cfg,
		Status:        model.StatusPending,
		Progress:      0,
		CurrentStep:   model.StepQueued,
		Results:       []model.SearchResult{},
		CreatedAt:     o.now().UTC(),
	}

	if err := o.registry.Create(job); err != nil {
		return nil, fmt.Errorf("failed to register search job: %w", err)
	}
	if o.traces != nil {
		o.traces.Put(tc)
	}

	// Published before queueing so the worker's first event always follows it
	if _, err := o.hub.Publish(job.ID, model.EventFromJob(job, false)); err != nil {
		slog.Warn("Failed to publish progress event", "job_id", job.ID, "error", err)
	}

	// Armed before queueing so a fast job always finds its timer to disarm
	o.armDeadline(job)

	err := o.pool.Submit(worker.Task{
		JobID:         job.ID,
		CorrelationID: tc.ID,
		Run: func(poolCtx context.Context) {
			o.execute(poolCtx, job.ID, tc)
		},
	})
	if err != nil {
		o.disarmDeadline(job.ID)
		o.registry.Delete(job.ID)
		o.hub.Remove(job.ID)
		metrics.JobsRejected.WithLabelValues("capacity").Inc()
		slog.Warn("Search job rejected",
			"job_id", job.ID,
			"correlation_id", trace.ID(ctx),
			"error", err,
		)
		if errors.Is(err, worker.ErrPoolStopped) {
			return nil, ErrShuttingDown
		}
		return nil, ErrCapacityExceeded
	}

	metrics.JobsSubmitted.Inc()

	slog.Info("Search job submitted",
		"job_id", job.ID,
		"owner_id", ownerID,
		"correlation_id", tc.ID,
		"request_id", trace.ID(ctx),
		"filters", len(cfg.Filters),
	)

	return job.Clone(), nil
}

// GetStatus returns the current snapshot of a job. Jobs purged from memory
// are looked up in the job store.
func (o *Orchestrator) GetStatus(ctx context.Context, id string) (*model.Job, error) {
	job, err := o.registry.Get(id)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, registry.ErrNotFound) {
		return nil, err
	}
	if o.store == nil {
		return nil, ErrNotFound
	}

	stored, _, err := resilience.Run(ctx, o.guard, resilience.Call{
		Dependency: DepDatastore,
		Operation:  "get",
		Idempotent: true,
	}, func(ctx context.Context) (*model.Job, error) {
		ctx, cancel := context.WithTimeout(ctx, o.opts.StoreTimeout)
		defer cancel()
		job, err := o.store.GetByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// A miss is a healthy answer from the datastore
			return nil, nil
		}
		return job, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load search %s: %w", id, err)
	}
	if stored == nil {
		return nil, ErrNotFound
	}
	return stored, nil
}

// List returns the owner's jobs held in memory, newest first
func (o *Orchestrator) List(ownerID string) []*model.Job {
	return o.registry.List(func(j *model.Job) bool {
		return j.OwnerID == ownerID
	})
}

// Cancel requests cooperative cancellation. Cancelling a terminal job reports
// its status without emitting a new event.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (CancelResult, error) {
	job, err := o.cancel(id, model.CancelReasonRequested)
	switch {
	case err == nil:
		slog.Info("Search job cancelled",
			"job_id", id,
			"correlation_id", job.CorrelationID,
			"request_id", trace.ID(ctx),
			"progress", job.Progress,
		)
		return CancelResult{Job: job}, nil
	case errors.Is(err, registry.ErrTerminal):
		return CancelResult{Job: job, AlreadyTerminal: true}, nil
	case errors.Is(err, registry.ErrNotFound):
		stored, getErr := o.GetStatus(ctx, id)
		if getErr != nil {
			return CancelResult{}, getErr
		}
		// Only terminal records reach the store outside of recovery
		return CancelResult{Job: stored, AlreadyTerminal: true}, nil
	default:
		return CancelResult{}, err
	}
}

// cancel moves a live job to CANCELLED and signals its token. The caller that
// wins the terminal transition finalizes the job.
func (o *Orchestrator) cancel(id, reason string) (*model.Job, error) {
	job, err := o.transition(id, false, func(j *model.Job) {
		now := o.now().UTC()
		j.Status = model.StatusCancelled
		j.CancelReason = reason
		j.CancelledAt = &now
		j.EstimatedTimeRemainingMs = nil
		if j.StartedAt != nil {
			j.Metrics.ElapsedMs = now.Sub(*j.StartedAt).Milliseconds()
		}
	})
	if err != nil {
		return job, err
	}

	if token, tokErr := o.registry.Token(id); tokErr == nil {
		token.Cancel(reason)
	}
	o.finalize(job, true)
	return job, nil
}

// Recover marks jobs left unfinished by a previous process as failed. It
// returns the number of records updated.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	if o.store == nil {
		return 0, nil
	}

	jobs, _, err := resilience.Run(ctx, o.guard, resilience.Call{
		Dependency: DepDatastore,
		Operation:  "list_unfinished",
		Idempotent: true,
	}, func(ctx context.Context) ([]*model.Job, error) {
		ctx, cancel := context.WithTimeout(ctx, o.opts.StoreTimeout)
		defer cancel()
		return o.store.ListUnfinished(ctx)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list unfinished searches: %w", err)
	}

	recovered := 0
	for _, job := range jobs {
		now := o.now().UTC()
		job.Status = model.StatusFailed
		job.CompletedAt = &now
		job.EstimatedTimeRemainingMs = nil
		job.Error = &model.JobError{
			Category:  string(resilience.CategoryUnknown),
			Message:   "The search was interrupted by a service restart. Please submit it again.",
			Retryable: true,
			Step:      job.CurrentStep,
		}
		if err := o.save(ctx, job); err != nil {
			slog.Error("Failed to mark interrupted search as failed",
				"job_id", job.ID,
				"correlation_id", job.CorrelationID,
				"error", err,
			)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		slog.Warn("Marked interrupted searches as failed", "count", recovered)
	}
	return recovered, nil
}

// Shutdown stops accepting work, cancels live jobs and drains the pool
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()

	live := o.registry.List(func(j *model.Job) bool {
		return !j.Status.IsTerminal()
	})
	for _, job := range live {
		if _, err := o.cancel(job.ID, model.CancelReasonShutdown); err != nil && !errors.Is(err, registry.ErrTerminal) {
			slog.Warn("Failed to cancel search on shutdown", "job_id", job.ID, "error", err)
		}
	}

	err := o.pool.Stop(ctx)

	done := make(chan struct{})
	go func() {
		o.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Timed out waiting for search archival")
	}

	o.hub.Close()
	slog.Info("Orchestrator stopped", "cancelled_jobs", len(live))
	return err
}

func (o *Orchestrator) isClosing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closing
}

// transition mutates a live job and publishes the resulting event while the
// job's lock is held, so event order always matches transition order
func (o *Orchestrator) transition(id string, withResults bool, fn func(j *model.Job)) (*model.Job, error) {
	return o.registry.Update(id, func(j *model.Job) error {
		fn(j)
		if _, err := o.hub.Publish(j.ID, model.EventFromJob(j, withResults)); err != nil {
			slog.Warn("Failed to publish progress event",
				"job_id", j.ID,
				"status", j.Status,
				"error", err,
			)
		}
		return nil
	})
}

func (o *Orchestrator) armDeadline(job *model.Job) {
	timeout := o.opts.DefaultTimeout
	if job.Config.TimeoutSeconds > 0 {
		timeout = time.Duration(job.Config.TimeoutSeconds) * time.Second
	}
	if timeout <= 0 {
		return
	}

	id := job.ID
	timer := time.AfterFunc(timeout, func() {
		o.mu.Lock()
		delete(o.deadlines, id)
		o.mu.Unlock()

		if _, err := o.cancel(id, model.CancelReasonDeadline); err == nil {
			slog.Warn("Search job deadline exceeded",
				"job_id", id,
				"correlation_id", job.CorrelationID,
				"timeout", timeout.String(),
			)
		}
	})

	o.mu.Lock()
	o.deadlines[id] = timer
	o.mu.Unlock()
}

func (o *Orchestrator) disarmDeadline(id string) {
	o.mu.Lock()
	timer, ok := o.deadlines[id]
	delete(o.deadlines, id)
	o.mu.Unlock()
	if ok {
		timer.Stop()
	}
}

// finalize runs once per job, after its terminal transition
func (o *Orchestrator) finalize(job *model.Job, archive bool) {
	o.disarmDeadline(job.ID)

	started := job.CreatedAt
	if job.StartedAt != nil {
		started = *job.StartedAt
	}
	finished, _ := job.FinishedAt()
	metrics.JobsFinished.WithLabelValues(string(job.Status)).Inc()
	metrics.JobDuration.WithLabelValues(string(job.Status)).Observe(finished.Sub(started).Seconds())

	if o.traces != nil {
		if tc, ok := o.traces.Get(job.CorrelationID); ok {
			tc.Finish()
		}
	}

	if !archive || o.store == nil {
		return
	}

	o.background.Add(1)
	go func() {
		defer o.background.Done()
		ctx := context.Background()
		if o.traces != nil {
			if tc, ok := o.traces.Get(job.CorrelationID); ok {
				ctx = trace.WithContext(ctx, tc)
			}
		}
		if err := o.save(ctx, job); err != nil {
			trace.Logger(ctx).Error("Failed to archive search job",
				"job_id", job.ID,
				"status", job.Status,
				"error", err,
			)
		}
	}()
}

// save persists a job record through the datastore guard
func (o *Orchestrator) save(ctx context.Context, job *model.Job) error {
	_, err := o.guard.Do(ctx, resilience.Call{
		Dependency: DepDatastore,
		Operation:  "save",
		Idempotent: true,
	}, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, o.opts.StoreTimeout)
		defer cancel()
		return o.store.Save(ctx, job)
	})
	return err
}
