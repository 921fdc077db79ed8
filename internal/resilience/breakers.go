package resilience

import (
	"sort"
	"sync"
)

// Breakers holds one circuit breaker per dependency name. Breakers are created
// lazily on first use and live until the process exits.
type Breakers struct {
	classifier *Classifier
	defaults   BreakerConfig
	overrides  map[string]BreakerConfig

	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	listeners []StateListener
}

// NewBreakers creates a breaker registry with default thresholds
func NewBreakers(defaults BreakerConfig, classifier *Classifier) *Breakers {
	if classifier == nil {
		classifier = NewClassifier()
	}
	return &Breakers{
		classifier: classifier,
		defaults:   defaults.withDefaults(),
		overrides:  make(map[string]BreakerConfig),
		breakers:   make(map[string]*CircuitBreaker),
	}
}

// Configure sets thresholds for one dependency. It only affects breakers
// created afterwards.
func (b *Breakers) Configure(name string, config BreakerConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.overrides[name] = config
}

// OnStateChange registers a listener on every current and future breaker
func (b *Breakers) OnStateChange(l StateListener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	existing := make([]*CircuitBreaker, 0, len(b.breakers))
	for _, cb := range b.breakers {
		existing = append(existing, cb)
	}
	b.mu.Unlock()

	for _, cb := range existing {
		cb.OnStateChange(l)
	}
}

// Get returns the breaker for name, creating it on first use
func (b *Breakers) Get(name string) *CircuitBreaker {
	b.mu.RLock()
	cb, ok := b.breakers[name]
	b.mu.RUnlock()
	if ok {
		return cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[name]; ok {
		return cb
	}

	config := b.defaults
	if override, ok := b.overrides[name]; ok {
		config = override
	}
	cb = NewCircuitBreaker(name, config, b.classifier)
	for _, l := range b.listeners {
		cb.OnStateChange(l)
	}
	b.breakers[name] = cb
	return cb
}

// Lookup returns an existing breaker without creating one
func (b *Breakers) Lookup(name string) (*CircuitBreaker, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cb, ok := b.breakers[name]
	return cb, ok
}

// Snapshots returns the state of every breaker sorted by name
func (b *Breakers) Snapshots() []BreakerSnapshot {
	b.mu.RLock()
	all := make([]*CircuitBreaker, 0, len(b.breakers))
	for _, cb := range b.breakers {
		all = append(all, cb)
	}
	b.mu.RUnlock()

	out := make([]BreakerSnapshot, 0, len(all))
	for _, cb := range all {
		out = append(out, cb.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset closes the named breaker. Returns false if it does not exist.
func (b *Breakers) Reset(name string) bool {
	cb, ok := b.Lookup(name)
	if !ok {
		return false
	}
	cb.Reset()
	return true
}

// ResetAll closes every breaker
func (b *Breakers) ResetAll() {
	b.mu.RLock()
	all := make([]*CircuitBreaker, 0, len(b.breakers))
	for _, cb := range b.breakers {
		all = append(all, cb)
	}
	b.mu.RUnlock()

	for _, cb := range all {
		cb.Reset()
	}
}
