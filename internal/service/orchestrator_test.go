package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandantas/scout/internal/broadcast"
	"github.com/dandantas/scout/internal/model"
	"github.com/dandantas/scout/internal/registry"
	"github.com/dandantas/scout/internal/resilience"
	"github.com/dandantas/scout/internal/trace"
	"github.com/dandantas/scout/internal/worker"
)

// stubCapability is a scriptable Capability
type stubCapability struct {
	mu           sync.Mutex
	analyzeErr   error
	executeFn    func(ctx context.Context, q model.SubQuery) ([]model.SearchResult, error)
	extractFn    func(results []model.SearchResult) ([]model.SearchResult, error)
	executeCalls int
}

func (s *stubCapability) Analyze(_ context.Context, cfg model.SearchConfig) (model.Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.analyzeErr != nil {
		return model.Analysis{}, s.analyzeErr
	}
	return model.Analysis{NormalizedQuery: cfg.Query, Terms: []string{cfg.Query}, Intent: "lookup"}, nil
}

func (s *stubCapability) GenerateSubQueries(_ context.Context, cfg model.SearchConfig, a model.Analysis) ([]model.SubQuery, error) {
	var out []model.SubQuery
	for _, field := range cfg.FilterFields() {
		for _, v := range cfg.Filters[field] {
			out = append(out, model.SubQuery{
				ID:      fmt.Sprintf("q%d", len(out)+1),
				Text:    a.NormalizedQuery,
				Filters: map[string][]string{field: {v}},
				Limit:   cfg.MaxResults,
			})
		}
	}
	return out, nil
}

func (s *stubCapability) ExecuteSubQuery(ctx context.Context, q model.SubQuery) ([]model.SearchResult, error) {
	s.mu.Lock()
	s.executeCalls++
	fn := s.executeFn
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, q)
	}
	return []model.SearchResult{{ID: q.ID + "-r1", Title: "result " + q.ID, Source: q.ID, Confidence: 0.8}}, nil
}

func (s *stubCapability) ExtractAndRank(_ context.Context, _ model.SearchConfig, _ model.Analysis, results []model.SearchResult) ([]model.SearchResult, error) {
	s.mu.Lock()
	fn := s.extractFn
	s.mu.Unlock()
	if fn != nil {
		return fn(results)
	}
	return results, nil
}

func (s *stubCapability) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executeCalls
}

// memStore is an in-memory JobStore
type memStore struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
	err  error
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*model.Job)}
}

func (m *memStore) Save(_ context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *memStore) GetByID(_ context.Context, id string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (m *memStore) ListUnfinished(context.Context) ([]*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Job
	for _, j := range m.jobs {
		if !j.Status.IsTerminal() {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

func (m *memStore) get(id string) (*model.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	return j, ok
}

type harness struct {
	o     *Orchestrator
	reg   *registry.Registry
	hub   *broadcast.Hub
	pool  *worker.WorkerPool
	cap   *stubCapability
	store *memStore
}

func newHarness(t *testing.T, opts Options, workers, queue int) *harness {
	t.Helper()
	classifier := resilience.NewClassifier()
	guard := resilience.NewGuard(
		resilience.NewBreakers(resilience.BreakerConfig{FailureThreshold: 50, RecoveryTimeout: time.Minute}, classifier),
		resilience.NewRetryManager(classifier),
		resilience.Policy{MaxRetries: 3, BaseDelay: time.Millisecond, BackoffMultiplier: 2, MaxDelay: 5 * time.Millisecond},
	)
	h := &harness{
		reg:   registry.New(),
		hub:   broadcast.NewHub(),
		pool:  worker.NewWorkerPool(workers, queue),
		cap:   &stubCapability{},
		store: newMemStore(),
	}
	h.o = NewOrchestrator(h.reg, h.hub, h.pool, guard, h.cap, h.store, trace.NewStore(time.Hour), opts)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.o.Shutdown(ctx)
	})
	return h
}

func validConfig() model.SearchConfig {
	return model.SearchConfig{
		Query:   "distributed tracing",
		Filters: map[string][]string{"source": {"docs", "blog"}},
	}
}

func drain(t *testing.T, sub *broadcast.Subscription) []model.ProgressEvent {
	t.Helper()
	var out []model.ProgressEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("stream did not close, got %d events", len(out))
		}
	}
}

func waitTerminal(t *testing.T, o *Orchestrator, id string) *model.Job {
	t.Helper()
	var job *model.Job
	require.Eventually(t, func() bool {
		j, err := o.GetStatus(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status.IsTerminal()
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

func progressValues(events []model.ProgressEvent) []int {
	out := make([]int, len(events))
	for i, ev := range events {
		out[i] = ev.Progress
	}
	return out
}

func TestSubmit_EmptyQueryIsRejectedWithoutCreatingJob(t *testing.T) {
	h := newHarness(t, Options{}, 1, 10)
	h.pool.Start()

	cfg := validConfig()
	cfg.Query = "   "
	job, err := h.o.Submit(context.Background(), "alice", cfg)

	require.Error(t, err)
	assert.Nil(t, job)
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "query", verr.Field)
	assert.Zero(t, h.reg.Len())
	assert.Zero(t, h.hub.Len())
	assert.Zero(t, h.pool.GetJobQueueLength())
	assert.Zero(t, h.cap.calls())
}

func TestSubmit_ReturnsPendingSnapshotImmediately(t *testing.T) {
	h := newHarness(t, Options{}, 1, 10)

	job, err := h.o.Submit(context.Background(), "alice", validConfig())
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, job.Status)
	assert.Zero(t, job.Progress)
	assert.Equal(t, model.StepQueued, job.CurrentStep)
	assert.NotEmpty(t, job.ID)
	assert.NotEmpty(t, job.CorrelationID)
	assert.Equal(t, model.DefaultMaxResults, job.Config.MaxResults)
	assert.Equal(t, 1, h.pool.GetJobQueueLength())
}

func TestPipeline_CompletesWithOrderedProgress(t *testing.T) {
	h := newHarness(t, Options{}, 2, 10)

	job, err := h.o.Submit(context.Background(), "alice", validConfig())
	require.NoError(t, err)
	sub := h.hub.Subscribe(job.ID)
	h.pool.Start()

	events := drain(t, sub)
	require.NotEmpty(t, events)

	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Sequence+1, events[i].Sequence)
		assert.GreaterOrEqual(t, events[i].Progress, events[i-1].Progress)
	}
	assert.Equal(t, []int{0, 0, 20, 40, 60, 80, 100}, progressValues(events))

	last := events[len(events)-1]
	assert.Equal(t, model.StatusCompleted, last.Status)
	assert.Equal(t, 100, last.Progress)
	assert.Equal(t, model.StepDone, last.CurrentStep)
	assert.Len(t, last.Results, 2)

	final := waitTerminal(t, h.o, job.ID)
	assert.Equal(t, model.StatusCompleted, final.Status)
	assert.Equal(t, 2, final.Metrics.TotalQueries)
	assert.Equal(t, 2, final.Metrics.CompletedQueries)
	assert.InDelta(t, 0.8, final.Metrics.AverageConfidence, 1e-9)

	stored, ok := h.store.get(job.ID)
	require.True(t, ok)
	assert.Equal(t, model.StatusCompleted, stored.Status)
}

func TestPipeline_RetryableFailuresThenSuccess(t *testing.T) {
	h := newHarness(t, Options{}, 1, 10)

	failures := 0
	var mu sync.Mutex
	h.cap.executeFn = func(_ context.Context, q model.SubQuery) ([]model.SearchResult, error) {
		mu.Lock()
		defer mu.Unlock()
		if failures < 2 {
			failures++
			return nil, resilience.WithCategory(resilience.CategoryConnection, errors.New("connection refused"))
		}
		return []model.SearchResult{{ID: q.ID, Title: "ok", Confidence: 0.5}}, nil
	}

	cfg := validConfig()
	cfg.Filters = map[string][]string{"source": {"docs"}}
	job, err := h.o.Submit(context.Background(), "alice", cfg)
	require.NoError(t, err)
	sub := h.hub.Subscribe(job.ID)
	h.pool.Start()

	events := drain(t, sub)
	final := waitTerminal(t, h.o, job.ID)

	assert.Equal(t, model.StatusCompleted, final.Status)
	assert.Equal(t, 2, final.Metrics.StageRetries[model.StepExecutingQueries])
	assert.Equal(t, 2, final.Metrics.RetryAttempts)
	assert.Equal(t, 3, h.cap.calls())

	var distinct []int
	for _, ev := range events {
		if len(distinct) == 0 || distinct[len(distinct)-1] != ev.Progress {
			distinct = append(distinct, ev.Progress)
		}
	}
	for i := 1; i < len(distinct); i++ {
		assert.Greater(t, distinct[i], distinct[i-1])
	}
	assert.Equal(t, 100, distinct[len(distinct)-1])
}

func TestPipeline_NonRetryableFailureFailsJobWithSafeError(t *testing.T) {
	h := newHarness(t, Options{}, 1, 10)
	h.cap.analyzeErr = resilience.WithCategory(resilience.CategoryAuthorization,
		errors.New("provider rejected key sk-live-123"))

	job, err := h.o.Submit(context.Background(), "alice", validConfig())
	require.NoError(t, err)
	sub := h.hub.Subscribe(job.ID)
	h.pool.Start()

	events := drain(t, sub)
	last := events[len(events)-1]
	assert.Equal(t, model.StatusFailed, last.Status)
	require.NotNil(t, last.Error)

	final := waitTerminal(t, h.o, job.ID)
	require.NotNil(t, final.Error)
	assert.Equal(t, "authorization", final.Error.Category)
	assert.False(t, final.Error.Retryable)
	assert.Equal(t, model.StepAnalyzing, final.Error.Step)
	assert.NotContains(t, final.Error.Message, "sk-live")
	assert.Zero(t, final.Progress, "progress freezes at the last reported value")
	assert.Zero(t, h.cap.calls())
}

func TestPipeline_PartialSubQueryFailureStillCompletes(t *testing.T) {
	h := newHarness(t, Options{}, 1, 10)
	h.cap.executeFn = func(_ context.Context, q model.SubQuery) ([]model.SearchResult, error) {
		if q.Filters["source"][0] == "blog" {
			return nil, resilience.WithCategory(resilience.CategoryValidation, errors.New("unsupported source"))
		}
		return []model.SearchResult{{ID: q.ID, Title: "doc", Confidence: 1}}, nil
	}

	job, err := h.o.Submit(context.Background(), "alice", validConfig())
	require.NoError(t, err)
	h.pool.Start()

	final := waitTerminal(t, h.o, job.ID)
	assert.Equal(t, model.StatusCompleted, final.Status)
	assert.Equal(t, 1, final.Metrics.CompletedQueries)
	assert.Equal(t, 1, final.Metrics.FailedQueries)
	assert.Len(t, final.Results, 1)
}

func TestCancel_WhileAwaitingDependency(t *testing.T) {
	h := newHarness(t, Options{}, 1, 10)

	release := make(chan struct{})
	h.cap.executeFn = func(ctx context.Context, q model.SubQuery) ([]model.SearchResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []model.SearchResult{{ID: q.ID}}, nil
	}

	job, err := h.o.Submit(context.Background(), "alice", validConfig())
	require.NoError(t, err)
	subA := h.hub.Subscribe(job.ID)
	subB := h.hub.Subscribe(job.ID)
	h.pool.Start()

	time.Sleep(500 * time.Millisecond)
	res, err := h.o.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.False(t, res.AlreadyTerminal)
	assert.Equal(t, model.StatusCancelled, res.Job.Status)
	assert.Equal(t, model.CancelReasonRequested, res.Job.CancelReason)
	assert.Equal(t, 40, res.Job.Progress)
	close(release)

	for _, sub := range []*broadcast.Subscription{subA, subB} {
		events := drain(t, sub)
		terminal := 0
		for _, ev := range events {
			if ev.IsTerminal() {
				terminal++
			}
		}
		assert.Equal(t, 1, terminal)
		last := events[len(events)-1]
		assert.Equal(t, model.StatusCancelled, last.Status)
		assert.Equal(t, 40, last.Progress)
	}

	require.Eventually(t, func() bool { return !h.reg.Running(job.ID) }, 2*time.Second, 5*time.Millisecond)
	final, err := h.o.GetStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, final.Status)
	assert.Equal(t, 40, final.Progress)
	assert.Empty(t, final.Results)
}

func TestCancel_TerminalJobIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{}, 1, 10)
	h.pool.Start()

	job, err := h.o.Submit(context.Background(), "alice", validConfig())
	require.NoError(t, err)
	waitTerminal(t, h.o, job.ID)

	before, ok := h.hub.Latest(job.ID)
	require.True(t, ok)

	res, err := h.o.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, res.AlreadyTerminal)
	assert.Equal(t, model.StatusCompleted, res.Job.Status)

	after, _ := h.hub.Latest(job.ID)
	assert.Equal(t, before.Sequence, after.Sequence)
}

func TestCancel_PendingJobNeverRuns(t *testing.T) {
	h := newHarness(t, Options{}, 1, 10)

	job, err := h.o.Submit(context.Background(), "alice", validConfig())
	require.NoError(t, err)
	res, err := h.o.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, res.Job.Status)

	h.pool.Start()
	require.Eventually(t, func() bool { return h.pool.GetJobQueueLength() == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.cap.calls())

	events := drain(t, h.hub.Subscribe(job.ID))
	require.Len(t, events, 1)
	assert.Equal(t, model.StatusCancelled, events[0].Status)
}

func TestCancel_UnknownJob(t *testing.T) {
	h := newHarness(t, Options{}, 1, 10)
	_, err := h.o.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeadline_BehavesLikeCancellation(t *testing.T) {
	h := newHarness(t, Options{DefaultTimeout: 100 * time.Millisecond}, 1, 10)
	h.cap.executeFn = func(ctx context.Context, q model.SubQuery) ([]model.SearchResult, error) {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		return nil, nil
	}

	job, err := h.o.Submit(context.Background(), "alice", validConfig())
	require.NoError(t, err)
	h.pool.Start()

	final := waitTerminal(t, h.o, job.ID)
	assert.Equal(t, model.StatusCancelled, final.Status)
	assert.Equal(t, model.CancelReasonDeadline, final.CancelReason)
}

func TestPipeline_CapabilityPanicFailsJob(t *testing.T) {
	h := newHarness(t, Options{}, 1, 10)
	h.cap.extractFn = func([]model.SearchResult) ([]model.SearchResult, error) {
		panic("ranker exploded")
	}

	job, err := h.o.Submit(context.Background(), "alice", validConfig())
	require.NoError(t, err)
	sub := h.hub.Subscribe(job.ID)
	h.pool.Start()

	events := drain(t, sub)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, model.StatusFailed, last.Status)
	require.NotNil(t, last.Error)
	assert.Equal(t, string(resilience.CategoryUnknown), last.Error.Category)
	assert.Equal(t, model.StepExtracting, last.Error.Step)
	assert.NotContains(t, last.Error.Message, "exploded")

	final := waitTerminal(t, h.o, job.ID)
	assert.Equal(t, model.StatusFailed, final.Status)
	assert.False(t, h.reg.Running(job.ID))
}

func TestPipeline_SubQueryPanicCountsAsFailedQuery(t *testing.T) {
	h := newHarness(t, Options{}, 1, 10)
	h.cap.executeFn = func(ctx context.Context, q model.SubQuery) ([]model.SearchResult, error) {
		if q.ID == "q1" {
			panic("provider client bug")
		}
		return []model.SearchResult{{ID: q.ID + "-r1", Confidence: 0.5}}, nil
	}
	h.pool.Start()

	job, err := h.o.Submit(context.Background(), "alice", validConfig())
	require.NoError(t, err)

	final := waitTerminal(t, h.o, job.ID)
	assert.Equal(t, model.StatusCompleted, final.Status)
	assert.Equal(t, 1, final.Metrics.FailedQueries)
	assert.Equal(t, 1, final.Metrics.CompletedQueries)
}

func armedDeadlines(o *Orchestrator) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.deadlines)
}

func TestDeadline_TimersReleasedAfterJobsFinish(t *testing.T) {
	h := newHarness(t, Options{DefaultTimeout: time.Hour}, 4, 50)
	h.pool.Start()

	var ids []string
	for i := 0; i < 20; i++ {
		job, err := h.o.Submit(context.Background(), "alice", validConfig())
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	for _, id := range ids {
		waitTerminal(t, h.o, id)
	}

	assert.Equal(t, 0, armedDeadlines(h.o))
}

func TestDeadline_RejectedSubmissionLeavesNoTimer(t *testing.T) {
	h := newHarness(t, Options{DefaultTimeout: time.Hour}, 1, 1)

	_, err := h.o.Submit(context.Background(), "alice", validConfig())
	require.NoError(t, err)
	_, err = h.o.Submit(context.Background(), "alice", validConfig())
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	assert.Equal(t, 1, armedDeadlines(h.o))
}

func TestDeadline_FiringOnFinishedJobDropsEntry(t *testing.T) {
	h := newHarness(t, Options{}, 1, 10)
	now := time.Now()
	job := &model.Job{
		ID:          "done",
		Status:      model.StatusCompleted,
		Config:      model.SearchConfig{TimeoutSeconds: 1},
		CompletedAt: &now,
	}
	require.NoError(t, h.reg.Create(job))

	h.o.armDeadline(job)
	require.Equal(t, 1, armedDeadlines(h.o))

	require.Eventually(t, func() bool { return armedDeadlines(h.o) == 0 }, 3*time.Second, 10*time.Millisecond)
	stored, err := h.reg.Get("done")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, stored.Status)
}

func TestSubmit_RejectsWhenQueueIsFull(t *testing.T) {
	h := newHarness(t, Options{}, 1, 1)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	h.cap.executeFn = func(ctx context.Context, q model.SubQuery) ([]model.SearchResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	}
	h.pool.Start()

	first, err := h.o.Submit(context.Background(), "alice", validConfig())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.reg.Running(first.ID) }, time.Second, 5*time.Millisecond)

	_, err = h.o.Submit(context.Background(), "alice", validConfig())
	require.NoError(t, err)

	_, err = h.o.Submit(context.Background(), "alice", validConfig())
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 2, h.reg.Len())
	assert.Len(t, h.o.List("alice"), 2)
	assert.Empty(t, h.o.List("bob"))
}

func TestGetStatus_FallsBackToStore(t *testing.T) {
	h := newHarness(t, Options{}, 1, 10)
	h.pool.Start()

	job, err := h.o.Submit(context.Background(), "alice", validConfig())
	require.NoError(t, err)
	waitTerminal(t, h.o, job.ID)

	require.True(t, h.reg.Delete(job.ID))
	stored, err := h.o.GetStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, stored.Status)

	_, err = h.o.GetStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFinalize_DatastoreOutageDegradesToMemory(t *testing.T) {
	h := newHarness(t, Options{}, 1, 10)
	h.store.err = resilience.WithCategory(resilience.CategoryConnection, errors.New("server selection error"))
	h.pool.Start()

	job, err := h.o.Submit(context.Background(), "alice", validConfig())
	require.NoError(t, err)

	final := waitTerminal(t, h.o, job.ID)
	assert.Equal(t, model.StatusCompleted, final.Status)
	_, ok := h.store.get(job.ID)
	assert.False(t, ok)
}

func TestExecute_CheckpointsProcessingRecord(t *testing.T) {
	h := newHarness(t, Options{}, 1, 10)
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	h.cap.executeFn = func(ctx context.Context, q model.SubQuery) ([]model.SearchResult, error) {
		entered <- struct{}{}
		<-release
		return nil, nil
	}
	h.pool.Start()

	job, err := h.o.Submit(context.Background(), "alice", validConfig())
	require.NoError(t, err)

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("sub-query never started")
	}
	stored, ok := h.store.get(job.ID)
	require.True(t, ok)
	assert.Equal(t, model.StatusProcessing, stored.Status)

	close(release)
	final := waitTerminal(t, h.o, job.ID)
	assert.Equal(t, model.StatusCompleted, final.Status)
}

func TestRecover_MarksInterruptedJobsFailed(t *testing.T) {
	h := newHarness(t, Options{}, 1, 10)
	require.NoError(t, h.store.Save(context.Background(), &model.Job{
		ID:          "stale",
		Status:      model.StatusProcessing,
		CurrentStep: model.StepExecutingQueries,
		Progress:    40,
	}))

	n, err := h.o.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, _ := h.store.get("stale")
	assert.Equal(t, model.StatusFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Equal(t, model.StepExecutingQueries, stored.Error.Step)
	assert.Equal(t, 40, stored.Progress)
}

func TestShutdown_CancelsLiveJobsAndRejectsSubmissions(t *testing.T) {
	h := newHarness(t, Options{}, 1, 10)

	job, err := h.o.Submit(context.Background(), "alice", validConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.o.Shutdown(ctx))

	final, err := h.o.GetStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, final.Status)
	assert.Equal(t, model.CancelReasonShutdown, final.CancelReason)

	_, err = h.o.Submit(context.Background(), "alice", validConfig())
	assert.ErrorIs(t, err, ErrShuttingDown)
}
