// Package trace correlates the operations performed on behalf of one request
// or one background job.
package trace

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Operation statuses
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusError   = "error"
)

// OperationLog is one entry in a trace's operation log
type OperationLog struct {
	Name       string    `json:"name"`
	StartedAt  time.Time `json:"startedAt"`
	EndedAt    time.Time `json:"endedAt,omitempty"`
	DurationMs int64     `json:"durationMs"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
}

// Context is the correlation object carried through one unit of work.
// All methods are safe on a nil receiver so callers never need to check
// whether tracing is active.
type Context struct {
	ID        string
	ParentID  string
	Operation string
	StartedAt time.Time

	mu      sync.Mutex
	endedAt time.Time
	ops     []OperationLog
}

// New creates a trace context with a fresh identifier
func New(operation, parentID string) *Context {
	return NewWithID(uuid.New().String(), operation, parentID)
}

// NewWithID creates a trace context with a caller supplied identifier
func NewWithID(id, operation, parentID string) *Context {
	return &Context{
		ID:        id,
		ParentID:  parentID,
		Operation: operation,
		StartedAt: time.Now().UTC(),
	}
}

// Begin records the start of a named operation and returns the function that
// records its end.
func (c *Context) Begin(name string) func(err error) {
	if c == nil {
		return func(error) {}
	}

	c.mu.Lock()
	idx := len(c.ops)
	c.ops = append(c.ops, OperationLog{
		Name:      name,
		StartedAt: time.Now().UTC(),
		Status:    StatusRunning,
	})
	c.mu.Unlock()

	var once sync.Once
	return func(err error) {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			op := &c.ops[idx]
			op.EndedAt = time.Now().UTC()
			op.DurationMs = op.EndedAt.Sub(op.StartedAt).Milliseconds()
			if err != nil {
				op.Status = StatusError
				op.Error = err.Error()
			} else {
				op.Status = StatusSuccess
			}
		})
	}
}

// Finish marks the unit of work as ended
func (c *Context) Finish() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.endedAt.IsZero() {
		c.endedAt = time.Now().UTC()
	}
}

// EndedAt returns when Finish was called, zero if still open
func (c *Context) EndedAt() time.Time {
	if c == nil {
		return time.Time{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endedAt
}

// Operations returns a copy of the operation log in start order
func (c *Context) Operations() []OperationLog {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]OperationLog, len(c.ops))
	copy(out, c.ops)
	return out
}

// Snapshot is the serializable view of a trace
type Snapshot struct {
	ID         string         `json:"traceId"`
	ParentID   string         `json:"parentId,omitempty"`
	Operation  string         `json:"operation"`
	StartedAt  time.Time      `json:"startedAt"`
	EndedAt    *time.Time     `json:"endedAt,omitempty"`
	Operations []OperationLog `json:"operations"`
}

// Snapshot returns the serializable view of the trace
func (c *Context) Snapshot() Snapshot {
	s := Snapshot{
		ID:         c.ID,
		ParentID:   c.ParentID,
		Operation:  c.Operation,
		StartedAt:  c.StartedAt,
		Operations: c.Operations(),
	}
	if ended := c.EndedAt(); !ended.IsZero() {
		s.EndedAt = &ended
	}
	return s
}

type contextKey struct{}

// WithContext stores the trace in ctx
func WithContext(ctx context.Context, tc *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, tc)
}

// FromContext extracts the trace from ctx, nil when absent
func FromContext(ctx context.Context) *Context {
	tc, _ := ctx.Value(contextKey{}).(*Context)
	return tc
}

// ID returns the correlation id carried by ctx, empty when absent
func ID(ctx context.Context) string {
	if tc := FromContext(ctx); tc != nil {
		return tc.ID
	}
	return ""
}

// Logger returns the default logger bound to the trace carried by ctx
func Logger(ctx context.Context) *slog.Logger {
	if tc := FromContext(ctx); tc != nil {
		return slog.Default().With("correlation_id", tc.ID)
	}
	return slog.Default()
}
