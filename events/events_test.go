package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEvent struct {
	topic string
	n     int
}

func (e testEvent) Topic() string { return e.topic }

func TestHubDeliversToMatchingTopics(t *testing.T) {
	h := NewHub()
	defer h.Close()
	all, err := h.Subscribe("all", 4)
	require.NoError(t, err)
	lines, err := h.Subscribe("lines", 4, TopicScanLine)
	require.NoError(t, err)

	h.Publish(testEvent{topic: TopicScanState, n: 1})
	h.Publish(testEvent{topic: TopicScanLine, n: 2})

	assert.Equal(t, 1, (<-all).(testEvent).n)
	assert.Equal(t, 2, (<-all).(testEvent).n)
	assert.Equal(t, 2, (<-lines).(testEvent).n)
	assert.Len(t, lines, 0)
}

func TestHubDropsWhenFull(t *testing.T) {
	h := NewHub()
	defer h.Close()
	_, err := h.Subscribe("slow", 1)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		h.Publish(testEvent{topic: TopicPosition, n: i})
	}
	st := h.Stats()
	assert.Equal(t, uint64(5), st.Published)
	assert.Equal(t, uint64(1), st.Subscribers["slow"].Sent)
	assert.Equal(t, uint64(4), st.Subscribers["slow"].Dropped)
}

func TestHubDuplicateAndUnknownSubscribers(t *testing.T) {
	h := NewHub()
	_, err := h.Subscribe("a", 1)
	require.NoError(t, err)
	_, err = h.Subscribe("a", 1)
	assert.ErrorIs(t, err, ErrSubscriberExists)
	assert.ErrorIs(t, h.Unsubscribe("b"), ErrSubscriberNotFound)
	require.NoError(t, h.Close())
	_, err = h.Subscribe("c", 1)
	assert.ErrorIs(t, err, ErrHubClosed)
	h.Publish(testEvent{topic: TopicArena})
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	defer h.Close()
	ch, err := h.Subscribe("a", 1)
	require.NoError(t, err)
	require.NoError(t, h.Unsubscribe("a"))
	_, open := <-ch
	assert.False(t, open)
}

func TestConcurrentPublish(t *testing.T) {
	h := NewHub()
	defer h.Close()
	_, err := h.Subscribe("a", 1000)
	require.NoError(t, err)
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				h.Publish(testEvent{topic: TopicValve})
			}
		}()
	}
	wg.Wait()
	st := h.Stats()
	assert.Equal(t, uint64(1000), st.Published)
	assert.Equal(t, st.Published, st.Sent+st.Dropped)
}

type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) Publish(Event) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func TestThrottleDropsBursts(t *testing.T) {
	c := &counter{}
	th := NewThrottle(c, time.Hour)
	for i := 0; i < 10; i++ {
		th.Publish(testEvent{topic: TopicPosition})
	}
	assert.Equal(t, 1, c.n)
}

func TestOrDiscard(t *testing.T) {
	assert.Equal(t, Discard, OrDiscard(nil))
	c := &counter{}
	assert.Equal(t, Publisher(c), OrDiscard(c))
}
