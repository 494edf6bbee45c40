package notify

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contexthub-ai/contexthub/pkg/protocol"
)

func testHub(bufferSize int) *Hub {
	return New(slog.New(slog.DiscardHandler), bufferSize)
}

func envelope(sessionID string, id int64) protocol.Envelope {
	return protocol.SessionChanged(sessionID, protocol.CauseNewMessage, id, time.Now().UTC())
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	h := testHub(0)
	s1 := h.Subscribe("s", "one")
	s2 := h.Subscribe("s", "two")
	defer h.Unsubscribe(s1)
	defer h.Unsubscribe(s2)

	h.Publish("s", envelope("s", 1))

	for _, sub := range []*Subscriber{s1, s2} {
		select {
		case env := <-sub.Events():
			assert.Equal(t, protocol.TypeSessionChanged, env.Type)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestPublishIsScopedToSession(t *testing.T) {
	h := testHub(0)
	mine := h.Subscribe("a", "sub")
	other := h.Subscribe("b", "sub")
	defer h.Unsubscribe(mine)
	defer h.Unsubscribe(other)

	h.Publish("a", envelope("a", 1))

	select {
	case <-mine.Events():
	case <-time.After(time.Second):
		t.Fatal("no event for session a")
	}
	select {
	case env := <-other.Events():
		t.Fatalf("session b should not receive events: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventsArriveInPublishOrder(t *testing.T) {
	h := testHub(64)
	sub := h.Subscribe("s", "fifo")
	defer h.Unsubscribe(sub)

	const n = 32
	for i := int64(1); i <= n; i++ {
		h.Publish("s", envelope("s", i))
	}

	for want := int64(1); want <= n; want++ {
		select {
		case env := <-sub.Events():
			require.NotNil(t, env.Hint)
			require.NotNil(t, env.Hint.MessageID)
			assert.Equal(t, want, *env.Hint.MessageID)
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", want)
		}
	}
}

func TestSlowSubscriberDropsOldestFirst(t *testing.T) {
	h := testHub(4)
	sub := h.Subscribe("s", "slow")
	defer h.Unsubscribe(sub)

	for i := int64(1); i <= 10; i++ {
		h.Publish("s", envelope("s", i))
	}

	published, dropped := h.Stats()
	assert.EqualValues(t, 10, published)
	assert.EqualValues(t, 6, dropped)

	// The surviving events are the newest four, still in order.
	var got []int64
	for i := 0; i < 4; i++ {
		env := <-sub.Events()
		got = append(got, *env.Hint.MessageID)
	}
	assert.Equal(t, []int64{7, 8, 9, 10}, got)
}

func TestPublishNeverBlocks(t *testing.T) {
	h := testHub(1)
	sub := h.Subscribe("s", "stuck")
	defer h.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := int64(0); i < 1000; i++ {
			h.Publish("s", envelope("s", i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestResubscribeReplacesPrevious(t *testing.T) {
	h := testHub(0)
	old := h.Subscribe("s", "agent")
	replacement := h.Subscribe("s", "agent")
	defer h.Unsubscribe(replacement)

	assert.Equal(t, 1, h.SubscriberCount("s"))

	// The replaced channel is closed.
	_, open := <-old.Events()
	assert.False(t, open)

	h.Publish("s", envelope("s", 1))
	select {
	case _, ok := <-replacement.Events():
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("replacement subscriber did not receive event")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	h := testHub(0)
	sub := h.Subscribe("s", "once")
	h.Unsubscribe(sub)
	h.Unsubscribe(sub)
	h.Unsubscribe(nil)
	assert.Equal(t, 0, h.SubscriberCount("s"))
}

func TestUnsubscribeDoesNotCloseReplacement(t *testing.T) {
	h := testHub(0)
	old := h.Subscribe("s", "agent")
	replacement := h.Subscribe("s", "agent")

	// Unsubscribing the stale handle must not tear down the live one.
	h.Unsubscribe(old)
	assert.Equal(t, 1, h.SubscriberCount("s"))

	h.Publish("s", envelope("s", 1))
	select {
	case _, ok := <-replacement.Events():
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("live subscriber lost its subscription")
	}
	h.Unsubscribe(replacement)
}

func TestManyConcurrentPublishers(t *testing.T) {
	h := testHub(1024)
	sub := h.Subscribe("s", "reader")
	defer h.Unsubscribe(sub)

	const publishers = 8
	const perPublisher = 50
	done := make(chan struct{}, publishers)
	for p := 0; p < publishers; p++ {
		go func(p int) {
			for i := 0; i < perPublisher; i++ {
				h.Publish("s", envelope("s", int64(p*perPublisher+i)))
			}
			done <- struct{}{}
		}(p)
	}
	for p := 0; p < publishers; p++ {
		<-done
	}

	published, dropped := h.Stats()
	assert.EqualValues(t, publishers*perPublisher, published)
	assert.EqualValues(t, 0, dropped, fmt.Sprintf("buffer of 1024 should hold %d events", publishers*perPublisher))
}
