package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dandantas/scout/internal/model"
	"github.com/dandantas/scout/internal/registry"
	"github.com/dandantas/scout/internal/resilience"
	"github.com/dandantas/scout/internal/trace"
)

// run holds the state of one job execution
type run struct {
	id      string
	cfg     model.SearchConfig
	token   *registry.CancelToken
	trace   *trace.Context
	logger  *slog.Logger
	started time.Time

	analysis   model.Analysis
	subQueries []model.SubQuery
	raw        []model.SearchResult
	final      []model.SearchResult

	mu         sync.Mutex
	metrics    model.JobMetrics
	stageTimes []time.Duration
}

func (r *run) addRetries(step model.Step, n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.metrics.StageRetries == nil {
		r.metrics.StageRetries = make(map[model.Step]int)
	}
	r.metrics.StageRetries[step] += n
	r.metrics.RetryAttempts += n
}

func (r *run) snapshotMetrics(now time.Time) model.JobMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.metrics
	if r.metrics.StageRetries != nil {
		m.StageRetries = make(map[model.Step]int, len(r.metrics.StageRetries))
		for k, v := range r.metrics.StageRetries {
			m.StageRetries[k] = v
		}
	}
	m.ElapsedMs = now.Sub(r.started).Milliseconds()
	return m
}

// eta estimates the remaining time from the mean duration of finished stages
func (r *run) eta(remaining int) *int64 {
	if len(r.stageTimes) == 0 || remaining <= 0 {
		zero := int64(0)
		return &zero
	}
	var total time.Duration
	for _, d := range r.stageTimes {
		total += d
	}
	ms := (total / time.Duration(len(r.stageTimes)) * time.Duration(remaining)).Milliseconds()
	return &ms
}

type stage struct {
	step model.Step
	run  func(ctx context.Context, r *run) error
}

func (o *Orchestrator) stages() []stage {
	return []stage{
		{model.StepAnalyzing, o.analyze},
		{model.StepGeneratingQueries, o.generateQueries},
		{model.StepExecutingQueries, o.executeQueries},
		{model.StepExtracting, o.extract},
		{model.StepFinalizing, o.finalizeResults},
	}
}

// execute is the background task of one job
func (o *Orchestrator) execute(poolCtx context.Context, id string, tc *trace.Context) {
	token, err := o.registry.Claim(id)
	if err != nil {
		slog.Debug("Skipping search job execution", "job_id", id, "reason", err)
		return
	}
	defer o.registry.Release(id)

	ctx := trace.WithContext(poolCtx, tc)
	logger := trace.Logger(ctx).With("job_id", id)

	started := o.now().UTC()
	job, err := o.transition(id, false, func(j *model.Job) {
		j.Status = model.StatusProcessing
		j.StartedAt = &started
		j.CurrentStep = model.StepAnalyzing
		j.Progress = 0
	})
	if err != nil {
		// Cancelled while queued
		return
	}

	logger.Info("Starting search job execution", "query_length", len(job.Config.Query))
	o.checkpoint(ctx, job, logger)

	r := &run{
		id:      id,
		cfg:     job.Config,
		token:   token,
		trace:   tc,
		logger:  logger,
		started: started,
	}
	o.runStages(ctx, r)
}

// checkpoint records that the job started so a restart can find it. The
// record is best effort; a failed save only weakens recovery.
func (o *Orchestrator) checkpoint(ctx context.Context, job *model.Job, logger *slog.Logger) {
	if o.store == nil {
		return
	}
	if err := o.save(ctx, job); err != nil {
		logger.Warn("Failed to checkpoint search job", "error", err)
	}
}

func (o *Orchestrator) runStages(ctx context.Context, r *run) {
	stages := o.stages()

	for i, st := range stages {
		if r.token.Cancelled() {
			o.stopped(r, st.step)
			return
		}

		stageStart := o.now()
		end := r.trace.Begin("stage." + string(st.step))
		err := o.runStage(ctx, r, st)
		end(err)
		r.stageTimes = append(r.stageTimes, o.now().Sub(stageStart))

		// A stage that was mid-flight when cancelled is not reported
		if r.token.Cancelled() {
			o.stopped(r, st.step)
			return
		}
		if err != nil {
			o.fail(r, st.step, err)
			return
		}

		if i == len(stages)-1 {
			o.complete(r)
			return
		}

		next := stages[i+1].step
		progress := (i + 1) * 100 / len(stages)
		withResults := st.step == model.StepExecutingQueries && r.cfg.Features.PartialResults
		_, err = o.transition(r.id, false, func(j *model.Job) {
			j.Progress = progress
			j.CurrentStep = next
			j.EstimatedTimeRemainingMs = r.eta(len(stages) - i - 1)
			j.Metrics = r.snapshotMetrics(o.now())
		})
		if err != nil {
			o.stopped(r, st.step)
			return
		}
		if withResults {
			o.publishPartial(r, progress, next)
		}

		r.logger.Debug("Search stage completed",
			"step", st.step,
			"progress", progress,
			"duration_ms", r.stageTimes[len(r.stageTimes)-1].Milliseconds(),
		)

		if !o.pace(ctx, r) {
			o.stopped(r, next)
			return
		}
	}
}

// runStage runs one stage, turning a panic in the capability into a stage
// error so the job still reaches a terminal state
func (o *Orchestrator) runStage(ctx context.Context, r *run, st stage) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Search stage panicked",
				"step", st.step,
				"panic", rec,
				"stack_trace", string(debug.Stack()),
			)
			err = resilience.WithCategory(resilience.CategoryUnknown, fmt.Errorf("stage %s panicked: %v", st.step, rec))
		}
	}()
	return st.run(ctx, r)
}

// publishPartial emits the raw results gathered so far. It goes through the
// registry so it cannot overtake a terminal event.
func (o *Orchestrator) publishPartial(r *run, progress int, step model.Step) {
	partial := model.CloneResults(r.raw)
	if len(partial) > r.cfg.MaxResults {
		partial = partial[:r.cfg.MaxResults]
	}
	_, _ = o.registry.Update(r.id, func(j *model.Job) error {
		ev := model.EventFromJob(j, false)
		ev.Progress = progress
		ev.CurrentStep = step
		ev.Results = partial
		if _, err := o.hub.Publish(j.ID, ev); err != nil {
			r.logger.Warn("Failed to publish partial results", "error", err)
		}
		return nil
	})
}

// pace waits for the configured inter-stage delay. Returns false when the
// job was cancelled during the wait.
func (o *Orchestrator) pace(ctx context.Context, r *run) bool {
	if o.opts.StageDelay <= 0 {
		return !r.token.Cancelled()
	}
	timer := time.NewTimer(o.opts.StageDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-r.token.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) stopped(r *run, step model.Step) {
	r.logger.Info("Search job stopped at checkpoint",
		"step", step,
		"reason", r.token.Reason(),
	)
}

func (o *Orchestrator) fail(r *run, step model.Step, err error) {
	cl := o.guard.Classifier().Classify(err)

	// Full context goes to the log, only the user-safe message to the job
	r.logger.Error("Search job failed",
		"step", step,
		"category", cl.Category,
		"severity", cl.Severity,
		"retryable", cl.Retryable,
		"error", err,
	)

	job, terr := o.transition(r.id, false, func(j *model.Job) {
		now := o.now().UTC()
		j.Status = model.StatusFailed
		j.CompletedAt = &now
		j.EstimatedTimeRemainingMs = nil
		j.Metrics = r.snapshotMetrics(now)
		j.Error = &model.JobError{
			Category:  string(cl.Category),
			Message:   cl.UserMessage,
			Retryable: cl.Retryable,
			Step:      step,
		}
	})
	if terr != nil {
		return
	}
	o.finalize(job, true)
}

func (o *Orchestrator) complete(r *run) {
	job, err := o.transition(r.id, true, func(j *model.Job) {
		now := o.now().UTC()
		j.Status = model.StatusCompleted
		j.Progress = 100
		j.CurrentStep = model.StepDone
		j.CompletedAt = &now
		zero := int64(0)
		j.EstimatedTimeRemainingMs = &zero
		j.Results = model.CloneResults(r.final)
		if j.Results == nil {
			j.Results = []model.SearchResult{}
		}
		j.Metrics = r.snapshotMetrics(now)
	})
	if err != nil {
		o.stopped(r, model.StepFinalizing)
		return
	}

	r.logger.Info("Search job completed",
		"results", len(job.Results),
		"elapsed_ms", job.Metrics.ElapsedMs,
		"retries", job.Metrics.RetryAttempts,
	)
	// Persisted by the finalizing stage
	o.finalize(job, false)
}

// guarded runs fn through the guard and records the trace entry and retries
func guarded[T any](ctx context.Context, o *Orchestrator, r *run, step model.Step, call resilience.Call, fn func(ctx context.Context) (T, error)) (T, error) {
	call.Abort = r.token.Done()
	end := r.trace.Begin(call.Dependency + "." + call.Operation)
	v, res, err := resilience.Run(ctx, o.guard, call, fn)
	end(err)
	r.addRetries(step, res.Retries())
	return v, err
}

func (o *Orchestrator) analyze(ctx context.Context, r *run) error {
	analysis, err := guarded(ctx, o, r, model.StepAnalyzing, resilience.Call{
		Dependency: DepAnalyzer,
		Operation:  "analyze",
		Idempotent: true,
	}, func(ctx context.Context) (model.Analysis, error) {
		return o.capability.Analyze(ctx, r.cfg)
	})
	if err != nil {
		return fmt.Errorf("analyze query: %w", err)
	}
	r.analysis = analysis
	return nil
}

func (o *Orchestrator) generateQueries(ctx context.Context, r *run) error {
	queries, err := guarded(ctx, o, r, model.StepGeneratingQueries, resilience.Call{
		Dependency: DepQueryPlanner,
		Operation:  "generate",
		Idempotent: true,
	}, func(ctx context.Context) ([]model.SubQuery, error) {
		return o.capability.GenerateSubQueries(ctx, r.cfg, r.analysis)
	})
	if err != nil {
		return fmt.Errorf("generate sub-queries: %w", err)
	}
	if len(queries) == 0 {
		return resilience.WithCategory(resilience.CategoryValidation, errors.New("no sub-queries could be generated for the search"))
	}

	r.subQueries = queries
	r.mu.Lock()
	r.metrics.TotalQueries = len(queries)
	r.mu.Unlock()
	return nil
}

// executeQueries fans sub-queries out concurrently. The stage fails only when
// every sub-query fails.
func (o *Orchestrator) executeQueries(ctx context.Context, r *run) error {
	var (
		g       errgroup.Group
		lastErr error
	)
	g.SetLimit(o.opts.SubQueryConcurrency)
	perQuery := make([][]model.SearchResult, len(r.subQueries))

	for i, q := range r.subQueries {
		// Checked before each launch, in-flight sub-queries run to completion
		if r.token.Cancelled() {
			break
		}
		g.Go(func() error {
			results, err := guarded(ctx, o, r, model.StepExecutingQueries, resilience.Call{
				Dependency: DepSearchProvider,
				Operation:  "execute",
				Idempotent: true,
			}, func(ctx context.Context) (results []model.SearchResult, err error) {
				// Sub-queries run on their own goroutines, out of runStage's reach
				defer func() {
					if rec := recover(); rec != nil {
						err = resilience.WithCategory(resilience.CategoryUnknown, fmt.Errorf("sub-query %s panicked: %v", q.ID, rec))
					}
				}()
				return o.capability.ExecuteSubQuery(ctx, q)
			})

			r.mu.Lock()
			defer r.mu.Unlock()
			if err != nil {
				r.metrics.FailedQueries++
				lastErr = err
				r.logger.Warn("Sub-query failed", "sub_query_id", q.ID, "error", err)
				return nil
			}
			r.metrics.CompletedQueries++
			perQuery[i] = results
			return nil
		})
	}
	_ = g.Wait()

	r.raw = r.raw[:0]
	for _, results := range perQuery {
		r.raw = append(r.raw, results...)
	}

	r.mu.Lock()
	completed := r.metrics.CompletedQueries
	r.mu.Unlock()
	if completed == 0 && lastErr != nil {
		return fmt.Errorf("all %d sub-queries failed: %w", len(r.subQueries), lastErr)
	}
	return nil
}

func (o *Orchestrator) extract(ctx context.Context, r *run) error {
	ranked, err := guarded(ctx, o, r, model.StepExtracting, resilience.Call{
		Dependency: DepRanker,
		Operation:  "extract_rank",
		Idempotent: true,
	}, func(ctx context.Context) ([]model.SearchResult, error) {
		return o.capability.ExtractAndRank(ctx, r.cfg, r.analysis, model.CloneResults(r.raw))
	})
	if err != nil {
		return fmt.Errorf("extract and rank: %w", err)
	}
	if len(ranked) > r.cfg.MaxResults {
		ranked = ranked[:r.cfg.MaxResults]
	}
	r.final = ranked

	var sum float64
	for _, res := range ranked {
		sum += res.Confidence
	}
	r.mu.Lock()
	if len(ranked) > 0 {
		r.metrics.AverageConfidence = sum / float64(len(ranked))
	}
	r.mu.Unlock()
	return nil
}

// finalizeResults persists the completed record. A datastore outage degrades
// to in-memory only.
func (o *Orchestrator) finalizeResults(ctx context.Context, r *run) error {
	if o.store == nil {
		return nil
	}

	job, err := o.registry.Get(r.id)
	if err != nil {
		return err
	}
	now := o.now().UTC()
	job.Status = model.StatusCompleted
	job.Progress = 100
	job.CurrentStep = model.StepDone
	job.CompletedAt = &now
	job.Results = model.CloneResults(r.final)
	job.Metrics = r.snapshotMetrics(now)

	_, err = guarded(ctx, o, r, model.StepFinalizing, resilience.Call{
		Dependency: DepDatastore,
		Operation:  "save",
		Idempotent: true,
		Fallback: func(_ context.Context, cause error) error {
			r.logger.Warn("Search result not persisted, keeping it in memory only", "error", cause)
			return nil
		},
	}, func(ctx context.Context) (struct{}, error) {
		ctx, cancel := context.WithTimeout(ctx, o.opts.StoreTimeout)
		defer cancel()
		return struct{}{}, o.store.Save(ctx, job)
	})
	return err
}
