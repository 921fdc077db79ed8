package resilience

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"time"
)

// Decision is what the retry manager did after an attempt
type Decision string

const (
	DecisionSuccess Decision = "success"
	DecisionRetry   Decision = "retry"
	DecisionStop    Decision = "stop"
)

// Policy declares how a failed operation is retried
type Policy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	Jitter            time.Duration
	// RetryableCategories, when set, replaces the classifier's retryable flag
	RetryableCategories []Category
	// AttemptTimeout bounds each individual call, zero means no bound
	AttemptTimeout time.Duration
}

// DefaultPolicy returns the policy used when callers supply none
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		BaseDelay:         500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          10 * time.Second,
		Jitter:            250 * time.Millisecond,
		AttemptTimeout:    30 * time.Second,
	}
}

// withDefaults fills zero-valued fields that would make the policy unusable
func (p Policy) withDefaults() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BackoffMultiplier <= 0 {
		p.BackoffMultiplier = 1
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Delay calculates the backoff before the retry following attempt (0-based).
// Formula: min(base * multiplier^attempt, max) + random(0, jitter)
func (p Policy) Delay(attempt int, jitter func(time.Duration) time.Duration) time.Duration {
	p = p.withDefaults()
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	d := time.Duration(delay)
	if p.Jitter > 0 && jitter != nil {
		d += jitter(p.Jitter)
	}
	return d
}

func (p Policy) retryable(cl Classification) bool {
	if len(p.RetryableCategories) > 0 {
		return slices.Contains(p.RetryableCategories, cl.Category)
	}
	return cl.Retryable
}

// Operation is a unit of work executed under a retry policy
type Operation struct {
	Name string
	// Idempotent must be set for the manager to retry the call
	Idempotent bool
	// Abort, when closed, stops further retries without interrupting an
	// attempt already in flight
	Abort <-chan struct{}
	Call  func(ctx context.Context) error
}

// Attempt records one try of an operation
type Attempt struct {
	Index          int            `json:"index"`
	Delay          time.Duration  `json:"delayMs"`
	Classification Classification `json:"classification"`
	Decision       Decision       `json:"decision"`
}

// Result summarizes an Execute call
type Result struct {
	Attempts int
	Elapsed  time.Duration
	History  []Attempt
	Err      error
}

// Retries returns the number of attempts beyond the first
func (r Result) Retries() int {
	if r.Attempts <= 1 {
		return 0
	}
	return r.Attempts - 1
}

// RetryObserver is notified after every failed attempt
type RetryObserver func(operation string, attempt Attempt)

// RetryManager executes operations under a Policy
type RetryManager struct {
	classifier *Classifier
	jitter     func(time.Duration) time.Duration
	observers  []RetryObserver
}

// NewRetryManager creates a retry manager
func NewRetryManager(classifier *Classifier) *RetryManager {
	if classifier == nil {
		classifier = NewClassifier()
	}
	return &RetryManager{
		classifier: classifier,
		jitter: func(max time.Duration) time.Duration {
			return time.Duration(rand.Int64N(int64(max)))
		},
	}
}

// OnAttempt registers an observer. Not safe to call concurrently with Execute.
func (m *RetryManager) OnAttempt(obs RetryObserver) {
	m.observers = append(m.observers, obs)
}

// Execute runs op, retrying classified-retryable failures per policy
func (m *RetryManager) Execute(ctx context.Context, op Operation, policy Policy) Result {
	policy = policy.withDefaults()
	start := time.Now()
	result := Result{}

	maxAttempts := policy.MaxRetries + 1
	if !op.Idempotent {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		result.Attempts++
		err := m.call(ctx, op, policy)
		if err == nil {
			result.History = append(result.History, Attempt{Index: attempt, Decision: DecisionSuccess})
			result.Err = nil
			result.Elapsed = time.Since(start)
			return result
		}

		cl := m.classifier.Classify(err)
		record := Attempt{Index: attempt, Classification: cl, Decision: DecisionStop}
		result.Err = err

		last := attempt == maxAttempts-1
		if last || !policy.retryable(cl) || ctx.Err() != nil || aborted(op.Abort) {
			result.History = append(result.History, record)
			m.notify(op.Name, record)
			slog.Debug("Operation failed, not retrying",
				"operation", op.Name,
				"attempt", attempt+1,
				"category", cl.Category,
				"retryable", cl.Retryable,
				"error", err,
			)
			break
		}

		delay := policy.Delay(attempt, m.jitter)
		// A Retry-After from the dependency is a floor when the cap allows it
		if cl.RetryAfter > delay && cl.RetryAfter <= policy.MaxDelay {
			delay = cl.RetryAfter
		}
		record.Delay = delay
		record.Decision = DecisionRetry
		result.History = append(result.History, record)
		m.notify(op.Name, record)

		slog.Warn("Operation failed, retrying",
			"operation", op.Name,
			"attempt", attempt+1,
			"max_attempts", maxAttempts,
			"category", cl.Category,
			"next_retry_ms", delay.Milliseconds(),
			"error", err,
		)

		if !sleep(ctx, delay, op.Abort) {
			// Waiting was interrupted, the last error stands
			result.History[len(result.History)-1].Decision = DecisionStop
			break
		}
	}

	result.Elapsed = time.Since(start)
	return result
}

func (m *RetryManager) call(ctx context.Context, op Operation, policy Policy) error {
	if policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.AttemptTimeout)
		defer cancel()
	}
	return op.Call(ctx)
}

func (m *RetryManager) notify(name string, a Attempt) {
	for _, obs := range m.observers {
		obs(name, a)
	}
}

func aborted(abort <-chan struct{}) bool {
	if abort == nil {
		return false
	}
	select {
	case <-abort:
		return true
	default:
		return false
	}
}

// sleep waits for d, returning false if ctx or abort ended the wait first
func sleep(ctx context.Context, d time.Duration, abort <-chan struct{}) bool {
	if d <= 0 {
		return ctx.Err() == nil && !aborted(abort)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-abort:
		return false
	}
}

// Do runs fn under the retry manager and returns its value
func Do[T any](ctx context.Context, m *RetryManager, op Operation, policy Policy, fn func(ctx context.Context) (T, error)) (T, Result) {
	var value T
	op.Call = func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		value = v
		return nil
	}
	res := m.Execute(ctx, op, policy)
	return value, res
}
