package worker

import (
	"context"
	"errors"
)

var (
	// ErrQueueFull is returned when the pool has no room for another task
	ErrQueueFull = errors.New("worker queue is full")
	// ErrPoolStopped is returned when submitting to a stopped pool
	ErrPoolStopped = errors.New("worker pool is stopped")
)

// Task represents one search job execution
type Task struct {
	JobID         string
	CorrelationID string
	// Run executes the job. ctx is cancelled only when the pool is forced
	// to stop.
	Run func(ctx context.Context)
}
