package broadcast

import (
	"sync"

	"github.com/dandantas/scout/internal/metrics"
	"github.com/dandantas/scout/internal/model"
)

// Subscription is one consumer's ordered view of a job's progress events.
// Events are buffered without bound so a slow consumer never blocks the
// publisher and never misses an event.
type Subscription struct {
	JobID string

	hub   *Hub
	topic *topic

	mu       sync.Mutex
	queue    []model.ProgressEvent
	finished bool

	notify chan struct{}
	done   chan struct{}
	out    chan model.ProgressEvent
	once   sync.Once
}

func newSubscription(h *Hub, jobID string, t *topic) *Subscription {
	return &Subscription{
		JobID:  jobID,
		hub:    h,
		topic:  t,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan model.ProgressEvent),
	}
}

// Events returns the stream of events. It is closed after the terminal event
// has been delivered, or when the subscription is closed.
func (s *Subscription) Events() <-chan model.ProgressEvent {
	return s.out
}

// Done is closed when the subscription is cancelled by its owner
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close deregisters the subscription. Safe to call multiple times.
func (s *Subscription) Close() {
	s.hub.Unsubscribe(s)
}

// enqueue appends ev. last marks the end of the stream. Events arriving after
// the stream ended are ignored.
func (s *Subscription) enqueue(ev model.ProgressEvent, last bool) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	if last {
		s.finished = true
	}
	s.mu.Unlock()
	s.wake()
}

// finish ends the stream after anything already queued
func (s *Subscription) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) stop() {
	s.once.Do(func() {
		close(s.done)
	})
}

// pump delivers queued events in order until the stream ends or the
// subscription is closed
func (s *Subscription) pump() {
	metrics.BroadcastSubscribers.Inc()
	defer metrics.BroadcastSubscribers.Dec()
	defer close(s.out)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			finished := s.finished
			s.mu.Unlock()
			if finished {
				return
			}
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = model.ProgressEvent{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
