package resilience

import (
	"context"
	"errors"
	"sync"
)

// Call outcomes reported to observers
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeRejected = "rejected"
	OutcomeFallback = "fallback"
)

// Call describes one guarded dependent call
type Call struct {
	Dependency string
	Operation  string
	Idempotent bool
	// Policy overrides the dependency's retry policy for this call
	Policy *Policy
	// Abort stops further retries, see Operation.Abort
	Abort <-chan struct{}
	// Fallback runs when the breaker is open or the call fails after retries
	Fallback func(ctx context.Context, cause error) error
}

// CallObserver is notified once per guarded call
type CallObserver func(dependency, outcome string, res Result)

// Guard is the single entry point for dependent calls. It composes
// Breaker(Retry(call)): the breaker admits the whole retry sequence and
// accounts its final outcome.
type Guard struct {
	breakers *Breakers
	retry    *RetryManager

	mu        sync.RWMutex
	policy    Policy
	policies  map[string]Policy
	observers []CallObserver
}

// NewGuard creates a guard over the given breakers and retry manager
func NewGuard(breakers *Breakers, retry *RetryManager, policy Policy) *Guard {
	if retry == nil {
		retry = NewRetryManager(nil)
	}
	if breakers == nil {
		breakers = NewBreakers(DefaultBreakerConfig(), retry.classifier)
	}
	return &Guard{
		breakers: breakers,
		retry:    retry,
		policy:   policy,
		policies: make(map[string]Policy),
	}
}

// Breakers returns the breaker registry used by the guard
func (g *Guard) Breakers() *Breakers {
	return g.breakers
}

// Classifier returns the classifier shared by the retry manager and breakers
func (g *Guard) Classifier() *Classifier {
	return g.retry.classifier
}

// SetPolicy sets the retry policy for one dependency
func (g *Guard) SetPolicy(dependency string, p Policy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.policies[dependency] = p
}

// OnCall registers a call observer
func (g *Guard) OnCall(obs CallObserver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.observers = append(g.observers, obs)
}

func (g *Guard) policyFor(c Call) Policy {
	if c.Policy != nil {
		return *c.Policy
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if p, ok := g.policies[c.Dependency]; ok {
		return p
	}
	return g.policy
}

// Do runs fn through the dependency's breaker and retry policy. The returned
// error is the fallback's result when a fallback is set.
func (g *Guard) Do(ctx context.Context, c Call, fn func(ctx context.Context) error) (Result, error) {
	cb := g.breakers.Get(c.Dependency)
	policy := g.policyFor(c)

	name := c.Dependency
	if c.Operation != "" {
		name = c.Dependency + "." + c.Operation
	}

	var (
		res    Result
		called bool
		cause  error
	)
	fallback := c.Fallback
	wrapped := func(ctx context.Context, err error) error {
		cause = err
		if fallback == nil {
			return err
		}
		return fallback(ctx, err)
	}

	err := cb.Execute(ctx, func(ctx context.Context) error {
		called = true
		res = g.retry.Execute(ctx, Operation{
			Name:       name,
			Idempotent: c.Idempotent,
			Abort:      c.Abort,
			Call:       fn,
		}, policy)
		return res.Err
	}, wrapped)

	if !called {
		res.Err = cause
	}

	var outcome string
	switch {
	case err == nil && cause == nil:
		outcome = OutcomeSuccess
	case err == nil:
		outcome = OutcomeFallback
	case !called:
		outcome = OutcomeRejected
	default:
		outcome = OutcomeFailure
	}

	g.mu.RLock()
	observers := g.observers
	g.mu.RUnlock()
	for _, obs := range observers {
		obs(c.Dependency, outcome, res)
	}

	return res, err
}

// IsRejected reports whether err came from an open breaker
func IsRejected(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// Run is the value-returning form of Guard.Do
func Run[T any](ctx context.Context, g *Guard, c Call, fn func(ctx context.Context) (T, error)) (T, Result, error) {
	var value T
	res, err := g.Do(ctx, c, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	return value, res, err
}
