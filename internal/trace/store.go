package trace

import (
	"sync"
	"time"
)

// Store keeps finished and in-flight traces for diagnosis until their
// retention window passes.
type Store struct {
	mu        sync.RWMutex
	traces    map[string]*Context
	retention time.Duration
}

// NewStore creates a trace store. A non-positive retention keeps traces for
// one hour.
func NewStore(retention time.Duration) *Store {
	if retention <= 0 {
		retention = time.Hour
	}
	return &Store{
		traces:    make(map[string]*Context),
		retention: retention,
	}
}

// Put registers a trace
func (s *Store) Put(tc *Context) {
	if tc == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces[tc.ID] = tc
}

// Get retrieves a trace by id
func (s *Store) Get(id string) (*Context, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tc, ok := s.traces[id]
	return tc, ok
}

// Len returns the number of retained traces
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.traces)
}

// Sweep drops traces that ended before now minus the retention window, and
// traces that never ended but started before twice the window. Returns the
// number removed.
func (s *Store) Sweep(now time.Time) int {
	endedCutoff := now.Add(-s.retention)
	staleCutoff := now.Add(-2 * s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, tc := range s.traces {
		ended := tc.EndedAt()
		if (!ended.IsZero() && ended.Before(endedCutoff)) || (ended.IsZero() && tc.StartedAt.Before(staleCutoff)) {
			delete(s.traces, id)
			removed++
		}
	}
	return removed
}
