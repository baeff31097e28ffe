package broadcast

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polyglot-exec/internal/execution"
)

func event(id string, status execution.Status) execution.StatusEvent {
	return execution.StatusEvent{UserID: "u1", ExecutionID: id, Language: "PYTHON", Status: status, Timestamp: time.Now()}
}

func drain(sub *Subscription) []execution.StatusEvent {
	var out []execution.StatusEvent
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPublishFanOut(t *testing.T) {
	h := NewHub(8)
	a := h.Subscribe()
	b := h.Subscribe()
	defer a.Close()
	defer b.Close()

	h.Publish(event("e1", execution.StatusRunning))
	h.Publish(event("e1", execution.StatusSuccess))

	for _, sub := range []*Subscription{a, b} {
		got := drain(sub)
		require.Len(t, got, 2)
		assert.Equal(t, execution.StatusRunning, got[0].Status)
		assert.Equal(t, execution.StatusSuccess, got[1].Status)
	}
}

func TestLateSubscriberMissesHistory(t *testing.T) {
	h := NewHub(8)
	h.Publish(event("e1", execution.StatusRunning))

	sub := h.Subscribe()
	defer sub.Close()
	h.Publish(event("e1", execution.StatusError))

	got := drain(sub)
	require.Len(t, got, 1)
	assert.Equal(t, execution.StatusError, got[0].Status)
}

func TestSlowSubscriberDisconnected(t *testing.T) {
	h := NewHub(2)
	var drops int
	h.OnDrop(func() { drops++ })

	slow := h.Subscribe()
	fast := h.Subscribe()

	done := make(chan []execution.StatusEvent)
	go func() {
		var got []execution.StatusEvent
		for ev := range fast.Events() {
			got = append(got, ev)
			if len(got) == 5 {
				break
			}
		}
		done <- got
	}()

	for i := 0; i < 5; i++ {
		h.Publish(event("e1", execution.StatusRunning))
		// Give the fast reader a chance to keep up.
		time.Sleep(5 * time.Millisecond)
	}

	got := <-done
	assert.Len(t, got, 5)

	// The slow subscriber got the first two events then a closed channel.
	var slowGot int
	for range slow.Events() {
		slowGot++
	}
	assert.Equal(t, 2, slowGot)
	assert.Equal(t, 1, drops)
	_, dropped := h.Stats()
	assert.Equal(t, int64(1), dropped)
	fast.Close()
}

func TestSubscribeFuncFilters(t *testing.T) {
	h := NewHub(8)
	mine := h.SubscribeFunc(func(ev execution.StatusEvent) bool { return ev.UserID == "u2" })
	defer mine.Close()

	h.Publish(event("e1", execution.StatusRunning))
	other := event("e2", execution.StatusRunning)
	other.UserID = "u2"
	h.Publish(other)

	got := drain(mine)
	require.Len(t, got, 1)
	assert.Equal(t, "e2", got[0].ExecutionID)
}

func TestCloseIdempotent(t *testing.T) {
	h := NewHub(1)
	sub := h.Subscribe()
	assert.Equal(t, 1, h.Len())

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, h.Len())

	_, ok := <-sub.Events()
	assert.False(t, ok)

	// Publishing with no subscribers is a no-op.
	h.Publish(event("e1", execution.StatusRunning))
}

func TestHubClose(t *testing.T) {
	h := NewHub(4)
	sub := h.Subscribe()
	h.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok)

	late := h.Subscribe()
	_, ok = <-late.Events()
	assert.False(t, ok)
	late.Close()
}

func TestCloseReasons(t *testing.T) {
	h := NewHub(1)
	own := h.Subscribe()
	slow := h.Subscribe()
	open := h.Subscribe()

	own.Close()
	assert.NoError(t, own.Err())

	h.Publish(event("e1", execution.StatusRunning))
	<-open.Events()
	h.Publish(event("e1", execution.StatusSuccess))
	drain(slow)
	assert.ErrorIs(t, slow.Err(), ErrSlowSubscriber)
	assert.NoError(t, open.Err(), "a subscriber still keeping up has no error")

	h.Close()
	drain(open)
	assert.ErrorIs(t, open.Err(), ErrHubClosed)
	assert.ErrorIs(t, h.Subscribe().Err(), ErrHubClosed)
}

// A publish racing with the one that cut a subscriber off must not slip an
// event in after the gap once the reader has drained the queue.
func TestNoDeliveryAfterMissedEvent(t *testing.T) {
	h := NewHub(1)
	sub := h.Subscribe()

	assert.True(t, sub.offer(event("e1", execution.StatusRunning)))
	assert.False(t, sub.offer(event("e2", execution.StatusRunning)))

	// The reader catches up before the hub forgets the subscriber.
	ev, ok := <-sub.Events()
	require.True(t, ok)
	assert.Equal(t, "e1", ev.ExecutionID)

	assert.True(t, sub.offer(event("e3", execution.StatusRunning)))
	_, ok = <-sub.Events()
	assert.False(t, ok, "e3 delivered after e2 was missed")
	assert.ErrorIs(t, sub.Err(), ErrSlowSubscriber)
}

func TestConcurrentPublishPreservesPerSubscriberOrder(t *testing.T) {
	h := NewHub(1024)
	sub := h.Subscribe()
	defer sub.Close()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := string(rune('a' + w))
			for i := 0; i < 50; i++ {
				st := execution.StatusRunning
				if i == 49 {
					st = execution.StatusSuccess
				}
				h.Publish(event(id, st))
			}
		}(w)
	}
	wg.Wait()

	// Within one execution id, the terminal event comes last.
	last := map[string]execution.Status{}
	for _, ev := range drain(sub) {
		assert.NotEqual(t, execution.StatusSuccess, last[ev.ExecutionID], "event after terminal for %s", ev.ExecutionID)
		last[ev.ExecutionID] = ev.Status
	}
	assert.Len(t, last, 4)
}
