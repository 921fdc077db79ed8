package broadcast

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandantas/scout/internal/model"
)

func progress(status model.JobStatus, p int) model.ProgressEvent {
	return model.ProgressEvent{Status: status, Progress: p}
}

// collect drains the subscription until it closes or the timeout hits
func collect(t *testing.T, s *Subscription, timeout time.Duration) []model.ProgressEvent {
	t.Helper()
	var out []model.ProgressEvent
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("subscription did not close within %s, got %d events", timeout, len(out))
			return out
		}
	}
}

func TestHub_PublishAssignsGapFreeSequence(t *testing.T) {
	h := NewHub()
	for i := 1; i <= 3; i++ {
		ev, err := h.Publish("job", progress(model.StatusProcessing, i*10))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), ev.Sequence)
		assert.Equal(t, "job", ev.JobID)
		assert.False(t, ev.Timestamp.IsZero())
	}
	latest, ok := h.Latest("job")
	require.True(t, ok)
	assert.Equal(t, uint64(3), latest.Sequence)
}

func TestHub_SubscriberReceivesReplayThenOrderedEvents(t *testing.T) {
	h := NewHub()
	_, _ = h.Publish("job", progress(model.StatusPending, 0))
	_, _ = h.Publish("job", progress(model.StatusProcessing, 0))

	sub := h.Subscribe("job")
	for p := 20; p <= 80; p += 20 {
		_, err := h.Publish("job", progress(model.StatusProcessing, p))
		require.NoError(t, err)
	}
	_, err := h.Publish("job", progress(model.StatusCompleted, 100))
	require.NoError(t, err)

	events := collect(t, sub, time.Second)
	require.Len(t, events, 6)
	assert.Equal(t, uint64(2), events[0].Sequence, "first message is the latest event, not history")
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Sequence+1, events[i].Sequence)
	}
	assert.Equal(t, model.StatusCompleted, events[len(events)-1].Status)
	assert.Equal(t, 0, h.SubscriberCount("job"))
}

func TestHub_LateSubscriberGetsTerminalEventThenClose(t *testing.T) {
	h := NewHub()
	_, _ = h.Publish("job", progress(model.StatusProcessing, 40))
	_, _ = h.Publish("job", progress(model.StatusCancelled, 40))

	events := collect(t, h.Subscribe("job"), time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, model.StatusCancelled, events[0].Status)
	assert.Equal(t, 40, events[0].Progress)
}

func TestHub_PublishAfterTerminalIsRejected(t *testing.T) {
	h := NewHub()
	_, _ = h.Publish("job", progress(model.StatusFailed, 20))

	_, err := h.Publish("job", progress(model.StatusProcessing, 40))
	assert.ErrorIs(t, err, ErrTopicClosed)

	latest, _ := h.Latest("job")
	assert.Equal(t, model.StatusFailed, latest.Status)
}

func TestHub_UnsubscribeIsIdempotent(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("job")
	assert.Equal(t, 1, h.SubscriberCount("job"))

	sub.Close()
	h.Unsubscribe(sub)
	sub.Close()
	assert.Equal(t, 0, h.SubscriberCount("job"))

	_, err := h.Publish("job", progress(model.StatusProcessing, 10))
	require.NoError(t, err)
	assert.Empty(t, collect(t, sub, time.Second))
}

func TestHub_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	h := NewHub()
	slow := h.Subscribe("job")
	fast := h.Subscribe("job")

	const n = 200
	for i := 0; i < n; i++ {
		_, err := h.Publish("job", progress(model.StatusProcessing, i%100))
		require.NoError(t, err)
	}
	_, _ = h.Publish("job", progress(model.StatusCompleted, 100))

	fastEvents := collect(t, fast, time.Second)
	require.Len(t, fastEvents, n+1)

	slowEvents := collect(t, slow, time.Second)
	require.Len(t, slowEvents, n+1)
	for i, ev := range slowEvents {
		assert.Equal(t, uint64(i+1), ev.Sequence)
	}
}

func TestHub_ConcurrentSubscribersObserveOrder(t *testing.T) {
	h := NewHub()
	var wg sync.WaitGroup
	subs := make([]*Subscription, 10)
	for i := range subs {
		subs[i] = h.Subscribe("job")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for p := 1; p < 100; p++ {
			_, _ = h.Publish("job", progress(model.StatusProcessing, p))
		}
		_, _ = h.Publish("job", progress(model.StatusCompleted, 100))
	}()

	for _, s := range subs {
		wg.Add(1)
		go func(s *Subscription) {
			defer wg.Done()
			var last uint64
			for ev := range s.Events() {
				assert.Greater(t, ev.Sequence, last)
				last = ev.Sequence
			}
			assert.Equal(t, uint64(100), last)
		}(s)
	}
	wg.Wait()
}

func TestHub_RemoveAndCloseEndStreams(t *testing.T) {
	h := NewHub()
	a := h.Subscribe("a")
	b := h.Subscribe("b")

	h.Remove("a")
	assert.Empty(t, collect(t, a, time.Second))
	assert.Equal(t, 1, h.Len())

	h.Close()
	assert.Empty(t, collect(t, b, time.Second))

	_, err := h.Publish("b", progress(model.StatusProcessing, 10))
	assert.ErrorIs(t, err, ErrTopicClosed)
	assert.Empty(t, collect(t, h.Subscribe("c"), time.Second))
}

func TestHub_SubscribeExistingDoesNotCreateTopics(t *testing.T) {
	h := NewHub()
	_, ok := h.SubscribeExisting("purged")
	assert.False(t, ok)
	assert.Equal(t, 0, h.Len())

	_, _ = h.Publish("job", progress(model.StatusCompleted, 100))
	sub, ok := h.SubscribeExisting("job")
	require.True(t, ok)
	events := collect(t, sub, time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, model.StatusCompleted, events[0].Status)
}
