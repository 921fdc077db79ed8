package service

import "errors"

var (
	// ErrNotFound is returned when a job is unknown to the registry and the store
	ErrNotFound = errors.New("search not found")
	// ErrCapacityExceeded is returned when the job queue is full
	ErrCapacityExceeded = errors.New("search capacity exceeded, try again later")
	// ErrShuttingDown is returned for submissions during shutdown
	ErrShuttingDown = errors.New("service is shutting down")
)
