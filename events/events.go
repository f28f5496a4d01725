/*Package events distributes state change notifications from the control
logic to any number of observers.

Publishing never blocks.  Each subscriber owns a buffered channel; when it is
full the new event is dropped for that subscriber and counted.  The control
loops therefore never wait on a slow consumer such as a websocket client.

	hub := events.NewHub()
	defer hub.Close()
	ch, _ := hub.Subscribe("gui", 64, events.TopicScanLine)
	for e := range ch {
		...
	}
*/
package events

import (
	"errors"
	"sync"
	"sync/atomic"
)

// Topics published by the packages of this module
const (
	TopicScanState         = "scan.state"
	TopicScanLine          = "scan.line"
	TopicScanSettings      = "scan.settings"
	TopicOptimizerSettings = "scan.optimizer"
	TopicPosition          = "scan.position"
	TopicTarget            = "scan.target"
	TopicIntensity         = "laser.intensity"
	TopicSequenceProgress  = "sequence.progress"
	TopicTriggerMissed     = "sequence.missed"
	TopicSequenceState     = "sequence.state"
	TopicArena             = "fluidics.arena"
	TopicValve             = "fluidics.valve"
	TopicFlow              = "fluidics.flow"
	TopicCalibration       = "fluidics.calibration"
)

var (
	// ErrSubscriberExists is returned when Subscribe is called with a duplicate id
	ErrSubscriberExists = errors.New("subscriber id already exists")

	// ErrSubscriberNotFound is returned when Unsubscribe is called with an unknown id
	ErrSubscriberNotFound = errors.New("subscriber id not found")

	// ErrHubClosed is returned when operations are attempted on a closed hub
	ErrHubClosed = errors.New("hub is closed")
)

// Event is a notification.  Topic is used for filtering subscriptions.
type Event interface {
	Topic() string
}

// Publisher accepts events
type Publisher interface {
	Publish(Event)
}

type discard struct{}

func (discard) Publish(Event) {}

// Discard is a Publisher that drops everything
var Discard Publisher = discard{}

// OrDiscard returns p, or Discard if p is nil
func OrDiscard(p Publisher) Publisher {
	if p == nil {
		return Discard
	}
	return p
}

// Stats holds global and per-subscriber counters
type Stats struct {
	Published   uint64                     `json:"published"`
	Sent        uint64                     `json:"sent"`
	Dropped     uint64                     `json:"dropped"`
	Subscribers map[string]SubscriberStats `json:"subscribers"`
}

// SubscriberStats holds the counters of one subscriber
type SubscriberStats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

type subscriber struct {
	ch      chan Event
	topics  map[string]struct{}
	sent    atomic.Uint64
	dropped atomic.Uint64
}

func (s *subscriber) wants(topic string) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// Hub fans events out to subscribers.  Hubs must be created with NewHub.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]*subscriber
	closed    bool
	published atomic.Uint64
}

// NewHub returns a new, empty Hub
func NewHub() *Hub {
	return &Hub{subs: make(map[string]*subscriber)}
}

// Subscribe registers a subscriber with a buffer of the given size.  If no
// topics are given, every event is delivered.  The returned channel is closed
// by Unsubscribe or Close.
func (h *Hub) Subscribe(id string, buffer int, topics ...string) (<-chan Event, error) {
	if buffer < 1 {
		buffer = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if _, exists := h.subs[id]; exists {
		return nil, ErrSubscriberExists
	}
	s := &subscriber{ch: make(chan Event, buffer), topics: map[string]struct{}{}}
	for _, t := range topics {
		s.topics[t] = struct{}{}
	}
	h.subs[id] = s
	return s.ch, nil
}

// Unsubscribe removes a subscriber and closes its channel
func (h *Hub) Unsubscribe(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	s, exists := h.subs[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	delete(h.subs, id)
	close(s.ch)
	return nil
}

// Publish delivers e to every interested subscriber with room in its buffer.
// Publishing to a closed hub is a no-op.
func (h *Hub) Publish(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	h.published.Add(1)
	topic := e.Topic()
	for _, s := range h.subs {
		if !s.wants(topic) {
			continue
		}
		select {
		case s.ch <- e:
			s.sent.Add(1)
		default:
			s.dropped.Add(1)
		}
	}
}

// Stats returns a snapshot of the counters
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := Stats{
		Published:   h.published.Load(),
		Subscribers: make(map[string]SubscriberStats, len(h.subs)),
	}
	for id, s := range h.subs {
		ss := SubscriberStats{Sent: s.sent.Load(), Dropped: s.dropped.Load()}
		st.Sent += ss.Sent
		st.Dropped += ss.Dropped
		st.Subscribers[id] = ss
	}
	return st
}

// Close closes every subscriber channel.  Further Subscribe calls fail and
// Publish becomes a no-op.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	h.closed = true
	for id, s := range h.subs {
		close(s.ch)
		delete(h.subs, id)
	}
	return nil
}
