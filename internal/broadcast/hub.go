package broadcast

import (
	"errors"
	"sync"
	"time"

	"github.com/dandantas/scout/internal/model"
)

// ErrTopicClosed is returned when publishing after a job's terminal event
var ErrTopicClosed = errors.New("progress topic is closed")

// topic is the publication channel of one job
type topic struct {
	mu     sync.Mutex
	seq    uint64
	latest *model.ProgressEvent
	subs   map[*Subscription]struct{}
	closed bool
}

// Hub fans progress events out to subscribers keyed by job id. Each topic is
// synchronized independently; publishing never blocks on consumers.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]*topic
	closed bool
}

// NewHub creates a new progress hub
func NewHub() *Hub {
	return &Hub{
		topics: make(map[string]*topic),
	}
}

func (h *Hub) topicFor(jobID string) (*topic, bool) {
	h.mu.RLock()
	t, ok := h.topics[jobID]
	closed := h.closed
	h.mu.RUnlock()
	if ok || closed {
		return t, ok
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	if t, ok := h.topics[jobID]; ok {
		return t, true
	}
	t = &topic{subs: make(map[*Subscription]struct{})}
	h.topics[jobID] = t
	return t, true
}

// Publish assigns the next sequence number to ev, retains it as the latest
// event and delivers it to every current subscriber. A terminal event closes
// the topic after delivery.
func (h *Hub) Publish(jobID string, ev model.ProgressEvent) (model.ProgressEvent, error) {
	t, ok := h.topicFor(jobID)
	if !ok {
		return ev, ErrTopicClosed
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ev, ErrTopicClosed
	}

	t.seq++
	ev.JobID = jobID
	ev.Sequence = t.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	latest := ev
	t.latest = &latest

	terminal := ev.IsTerminal()
	for s := range t.subs {
		s.enqueue(ev, terminal)
	}
	if terminal {
		t.closed = true
		clear(t.subs)
	}
	return ev, nil
}

// Subscribe registers a subscriber. The latest event, if any, is delivered
// first. For a finished job the subscriber receives the terminal event and the
// stream closes.
func (h *Hub) Subscribe(jobID string) *Subscription {
	t, ok := h.topicFor(jobID)
	if !ok {
		s := newSubscription(h, jobID, nil)
		s.finish()
		go s.pump()
		return s
	}
	return h.attach(jobID, t)
}

// SubscribeExisting subscribes only when the job already has a topic, so
// lookups of purged jobs do not recreate one
func (h *Hub) SubscribeExisting(jobID string) (*Subscription, bool) {
	h.mu.RLock()
	t, ok := h.topics[jobID]
	h.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return h.attach(jobID, t), true
}

func (h *Hub) attach(jobID string, t *topic) *Subscription {
	s := newSubscription(h, jobID, t)
	t.mu.Lock()
	if t.latest != nil {
		s.enqueue(*t.latest, t.closed)
	}
	if t.closed {
		s.finish()
	} else {
		t.subs[s] = struct{}{}
	}
	t.mu.Unlock()

	go s.pump()
	return s
}

// Unsubscribe deregisters s and closes its stream. Safe to call repeatedly.
func (h *Hub) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	if t := s.topic; t != nil {
		t.mu.Lock()
		delete(t.subs, s)
		t.mu.Unlock()
	}
	s.stop()
}

// Latest returns the most recent event published for the job
func (h *Hub) Latest(jobID string) (model.ProgressEvent, bool) {
	h.mu.RLock()
	t, ok := h.topics[jobID]
	h.mu.RUnlock()
	if !ok {
		return model.ProgressEvent{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.latest == nil {
		return model.ProgressEvent{}, false
	}
	return *t.latest, true
}

// SubscriberCount returns the number of live subscribers of the job
func (h *Hub) SubscriberCount(jobID string) int {
	h.mu.RLock()
	t, ok := h.topics[jobID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Remove drops the job's topic. Live subscribers see their stream end.
func (h *Hub) Remove(jobID string) {
	h.mu.Lock()
	t, ok := h.topics[jobID]
	delete(h.topics, jobID)
	h.mu.Unlock()
	if !ok {
		return
	}
	finishTopic(t)
}

// Len returns the number of topics held
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}

// Close ends every stream and rejects further publications
func (h *Hub) Close() {
	h.mu.Lock()
	topics := h.topics
	h.topics = make(map[string]*topic)
	h.closed = true
	h.mu.Unlock()

	for _, t := range topics {
		finishTopic(t)
	}
}

func finishTopic(t *topic) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for s := range t.subs {
		s.finish()
	}
	clear(t.subs)
	t.closed = true
}
