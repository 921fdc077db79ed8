package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name used in logs, metrics and the API
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BreakerConfig holds the thresholds of a circuit breaker
type BreakerConfig struct {
	FailureThreshold int           // Consecutive failures before opening
	SuccessThreshold int           // Consecutive successes to close from half-open
	RecoveryTimeout  time.Duration // Time in open before trying half-open
	HalfOpenMaxCalls int           // Concurrent trial calls admitted in half-open
}

// DefaultBreakerConfig returns the thresholds used when none are configured
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 2,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = c.SuccessThreshold
	}
	return c
}

// StateListener is notified on every state transition
type StateListener func(name string, from, to CircuitState)

// BreakerSnapshot is a point-in-time view of a breaker
type BreakerSnapshot struct {
	Name             string       `json:"name"`
	State            CircuitState `json:"state"`
	FailureCount     int          `json:"consecutiveFailures"`
	SuccessCount     int          `json:"consecutiveSuccesses"`
	OpenedAt         *time.Time   `json:"openedAt,omitempty"`
	LastStateChange  time.Time    `json:"lastStateChange"`
	FailureThreshold int          `json:"failureThreshold"`
	SuccessThreshold int          `json:"successThreshold"`
	RecoveryTimeout  string       `json:"recoveryTimeout"`
}

type transition struct {
	from, to CircuitState
}

// CircuitBreaker implements the circuit breaker pattern for one dependency
type CircuitBreaker struct {
	name       string
	classifier *Classifier
	now        func() time.Time

	mu sync.Mutex

	state            CircuitState
	failureCount     int
	successCount     int
	halfOpenInFlight int
	openedAt         time.Time
	lastStateChange  time.Time
	listeners        []StateListener

	config BreakerConfig
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, config BreakerConfig, classifier *Classifier) *CircuitBreaker {
	if classifier == nil {
		classifier = NewClassifier()
	}
	cb := &CircuitBreaker{
		name:       name,
		classifier: classifier,
		now:        time.Now,
		state:      StateClosed,
		config:     config.withDefaults(),
	}
	cb.lastStateChange = cb.now()
	return cb
}

// Name returns the dependency name guarded by the breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// OnStateChange registers a transition listener
func (cb *CircuitBreaker) OnStateChange(l StateListener) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, l)
}

// Execute runs fn if the breaker admits it. When the breaker rejects the call,
// or fn fails, fallback (if any) is invoked with the cause and its result is
// returned instead.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error, fallback func(ctx context.Context, cause error) error) error {
	if !cb.CanAttempt() {
		err := fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
		if fallback != nil {
			return fallback(ctx, err)
		}
		return err
	}

	recorded := false
	defer func() {
		// A panicking call still releases its half-open trial slot
		if !recorded {
			cb.RecordFailure()
		}
	}()
	err := fn(ctx)
	recorded = true
	cb.Record(err)
	if err != nil && fallback != nil {
		return fallback(ctx, err)
	}
	return err
}

// CanAttempt checks if a request can be attempted. An admitted call must be
// followed by Record.
func (cb *CircuitBreaker) CanAttempt() bool {
	cb.mu.Lock()
	var fired []transition
	allowed := false

	switch cb.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		// Check if recovery timeout has passed
		if cb.now().Sub(cb.openedAt) >= cb.config.RecoveryTimeout {
			fired = append(fired, cb.setState(StateHalfOpen))
			cb.halfOpenInFlight = 1
			allowed = true
		}
	case StateHalfOpen:
		if cb.halfOpenInFlight < cb.config.HalfOpenMaxCalls {
			cb.halfOpenInFlight++
			allowed = true
		}
	}

	listeners := cb.listeners
	cb.mu.Unlock()
	cb.fire(listeners, fired)
	return allowed
}

// Record accounts the outcome of an admitted call
func (cb *CircuitBreaker) Record(err error) {
	if err == nil {
		cb.RecordSuccess()
		return
	}
	if countsAsFailure(cb.classifier.Classify(err)) {
		cb.RecordFailure()
		return
	}
	cb.releaseTrial()
}

// RecordSuccess records a successful request
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var fired []transition

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.releaseTrialLocked()
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			fired = append(fired, cb.setState(StateClosed))
		}
	}

	listeners := cb.listeners
	cb.mu.Unlock()
	cb.fire(listeners, fired)
}

// RecordFailure records a failed request
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	var fired []transition

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			fired = append(fired, cb.setState(StateOpen))
		}
	case StateHalfOpen:
		cb.releaseTrialLocked()
		fired = append(fired, cb.setState(StateOpen))
	}

	listeners := cb.listeners
	cb.mu.Unlock()
	cb.fire(listeners, fired)
}

func (cb *CircuitBreaker) releaseTrial() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.releaseTrialLocked()
}

func (cb *CircuitBreaker) releaseTrialLocked() {
	if cb.state == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}
}

// setState must be called with mu held
func (cb *CircuitBreaker) setState(to CircuitState) transition {
	from := cb.state
	now := cb.now()
	cb.state = to
	cb.lastStateChange = now
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenInFlight = 0
	if to == StateOpen {
		cb.openedAt = now
	}
	return transition{from: from, to: to}
}

func (cb *CircuitBreaker) fire(listeners []StateListener, fired []transition) {
	for _, t := range fired {
		slog.Warn("Circuit breaker state changed",
			"dependency", cb.name,
			"from", t.from.String(),
			"to", t.to.String(),
		)
		for _, l := range listeners {
			l(cb.name, t.from, t.to)
		}
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns a point-in-time view of the breaker
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := BreakerSnapshot{
		Name:             cb.name,
		State:            cb.state,
		FailureCount:     cb.failureCount,
		SuccessCount:     cb.successCount,
		LastStateChange:  cb.lastStateChange,
		FailureThreshold: cb.config.FailureThreshold,
		SuccessThreshold: cb.config.SuccessThreshold,
		RecoveryTimeout:  cb.config.RecoveryTimeout.String(),
	}
	if cb.state != StateClosed {
		openedAt := cb.openedAt
		s.OpenedAt = &openedAt
	}
	return s
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var fired []transition
	if cb.state != StateClosed {
		fired = append(fired, cb.setState(StateClosed))
	} else {
		cb.failureCount = 0
		cb.successCount = 0
	}
	listeners := cb.listeners
	cb.mu.Unlock()
	cb.fire(listeners, fired)
}
