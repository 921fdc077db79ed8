package registry

import "sync"

// CancelToken signals cooperative cancellation to a running job. The
// execution task checks it at stage boundaries; nothing is interrupted
// forcibly.
type CancelToken struct {
	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	reason string
}

// NewCancelToken creates a new, unsignalled token
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel signals the token. Only the first call takes effect and reports true.
func (t *CancelToken) Cancel(reason string) bool {
	fired := false
	t.once.Do(func() {
		t.mu.Lock()
		t.reason = reason
		t.mu.Unlock()
		close(t.done)
		fired = true
	})
	return fired
}

// Done is closed once the token is cancelled
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}

// Cancelled reports whether Cancel has been called
func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Reason returns the reason passed to the first Cancel call
func (t *CancelToken) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}
