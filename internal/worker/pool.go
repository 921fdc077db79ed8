package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dandantas/scout/internal/metrics"
)

// WorkerPool bounds the number of concurrently executing search jobs.
// Submissions beyond the queue capacity are rejected rather than blocking.
type WorkerPool struct {
	workers int
	jobs    chan Task
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	active  atomic.Int64

	mu      sync.RWMutex
	started bool
	stopped bool
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(workers int, jobQueueSize int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if jobQueueSize < 0 {
		jobQueueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		workers: workers,
		jobs:    make(chan Task, jobQueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start starts the worker pool
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.started || wp.stopped {
		return
	}
	wp.started = true

	slog.Info("Starting worker pool", "workers", wp.workers, "queue_size", cap(wp.jobs))

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop stops the worker pool gracefully. Queued tasks still run; when ctx
// expires first the pool context is cancelled so running tasks can bail out.
func (wp *WorkerPool) Stop(ctx context.Context) error {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return nil
	}
	wp.stopped = true
	// Close jobs channel to signal workers to stop
	close(wp.jobs)
	wp.mu.Unlock()

	slog.Info("Stopping worker pool", "queued", len(wp.jobs), "active", wp.Active())

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.cancel()
		slog.Info("Worker pool stopped")
		return nil
	case <-ctx.Done():
		wp.cancel()
		<-done
		slog.Warn("Worker pool stop deadline exceeded, running tasks were cancelled")
		return ctx.Err()
	}
}

// Submit queues a task without blocking
func (wp *WorkerPool) Submit(task Task) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if wp.stopped {
		return ErrPoolStopped
	}

	select {
	case wp.jobs <- task:
		metrics.QueueDepth.Set(float64(len(wp.jobs)))
		slog.Debug("Job submitted to worker pool",
			"job_id", task.JobID,
			"correlation_id", task.CorrelationID,
		)
		return nil
	default:
		return ErrQueueFull
	}
}

// worker is the worker goroutine that processes tasks
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	slog.Debug("Worker started", "worker_id", id)

	for task := range wp.jobs {
		metrics.QueueDepth.Set(float64(len(wp.jobs)))
		slog.Debug("Worker processing job",
			"worker_id", id,
			"job_id", task.JobID,
			"correlation_id", task.CorrelationID,
		)
		wp.run(id, task)
	}

	slog.Debug("Worker stopped", "worker_id", id)
}

func (wp *WorkerPool) run(id int, task Task) {
	wp.active.Add(1)
	metrics.JobsActive.Inc()
	defer func() {
		wp.active.Add(-1)
		metrics.JobsActive.Dec()
		if r := recover(); r != nil {
			slog.Error("Worker recovered from panic",
				"worker_id", id,
				"job_id", task.JobID,
				"correlation_id", task.CorrelationID,
				"panic", r,
			)
		}
	}()

	task.Run(wp.ctx)
}

// GetJobQueueLength returns the current number of tasks in the queue
func (wp *WorkerPool) GetJobQueueLength() int {
	return len(wp.jobs)
}

// Active returns the number of tasks currently executing
func (wp *WorkerPool) Active() int {
	return int(wp.active.Load())
}

// Capacity returns the number of workers and the queue size
func (wp *WorkerPool) Capacity() (workers, queue int) {
	return wp.workers, cap(wp.jobs)
}

// Accepting reports whether the pool is started and not yet stopped
func (wp *WorkerPool) Accepting() bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	return wp.started && !wp.stopped
}
