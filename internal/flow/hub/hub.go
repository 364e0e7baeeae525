// Package hub implements the broadcast/replay hub for interactive turn
// streams: one topic per turn key, a bounded broadcast channel per
// subscriber, and an ordered replay buffer so a reconnecting client picks
// up where it left off instead of missing events emitted while offline.
package hub

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
)

// ReplayLingerDuration is how long a finalized topic stays subscribable
// after its "done" event, so a client that reconnects immediately after
// the turn ends still observes the completion rather than a vanished topic.
const ReplayLingerDuration = 5 * time.Second

// subscriberCapacity is the bounded channel size per spec §4.3 ("bounded
// broadcast sender of capacity 1024 elements").
const subscriberCapacity = 1024

// DoneEvent is the synthetic event type broadcast once a turn's result has
// been finalized, and replayed verbatim to late reconnects.
const DoneEvent = "done"

// Event is one encoded SSE-shaped event: "{event_type}:{data_json}".
type Event string

// Encode builds an Event from a type and an arbitrary JSON-serializable
// payload.
func Encode(eventType string, data any) Event {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = []byte(`"` + err.Error() + `"`)
	}
	return Event(eventType + ":" + string(raw))
}

// Split re-separates an Event into its type and raw JSON payload on the
// first colon, mirroring what a subscriber does to reconstruct SSE frames.
func Split(e Event) (eventType string, data string) {
	s := string(e)
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}

type topic struct {
	mu      sync.Mutex
	buffer  []Event
	subs    map[chan Event]struct{}
	done    bool
	logger  *logger.Logger
}

// Hub owns every active turn's topic, keyed by the same pool key the
// executor uses ("agent::<id>::session::<id>").
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topic
	logger *logger.Logger
}

// New constructs an empty Hub.
func New(log *logger.Logger) *Hub {
	return &Hub{
		topics: map[string]*topic{},
		logger: log.WithFields(zap.String("component", "flow-hub")),
	}
}

// Open creates the topic for key if it does not already exist. Called by
// the background reader task before the first event of a turn.
func (h *Hub) Open(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.topics[key]; ok {
		return
	}
	h.topics[key] = &topic{
		subs:   map[chan Event]struct{}{},
		logger: h.logger.WithFields(zap.String("pool_key", key)),
	}
}

// Publish appends event to key's ordered buffer and fans it out to every
// live subscriber. A subscriber whose channel is full (lagging past
// capacity) has the event dropped for it; the drop is logged and the
// stream is not closed.
func (h *Hub) Publish(key string, event Event) {
	h.mu.Lock()
	t, ok := h.topics[key]
	h.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.buffer = append(t.buffer, event)
	for sub := range t.subs {
		select {
		case sub <- event:
		default:
			t.logger.Warn("subscriber lagging, dropping event", zap.Int("buffered", len(t.buffer)))
		}
	}
}

// Finalize broadcasts a synthetic "done" event, waits ReplayLingerDuration
// for late reconnects to observe it, then removes the topic entirely. It
// blocks for the linger duration, so callers run it from the background
// reader goroutine rather than an HTTP handler.
func (h *Hub) Finalize(key string) {
	h.Publish(key, Event(DoneEvent+":"))

	h.mu.Lock()
	t, ok := h.topics[key]
	h.mu.Unlock()
	if ok {
		t.mu.Lock()
		t.done = true
		t.mu.Unlock()
	}

	time.Sleep(ReplayLingerDuration)

	h.mu.Lock()
	delete(h.topics, key)
	h.mu.Unlock()
}

// Subscribe replays the buffered events for key and, if none of them is a
// "done" event, registers a new channel for future broadcasts. ended is
// true when the replay already reached a "done" event (or the topic no
// longer exists), in which case ch is nil and the caller should end the
// SSE stream after replaying replay.
func (h *Hub) Subscribe(key string) (replay []Event, ch chan Event, cancel func(), ended bool) {
	h.mu.Lock()
	t, ok := h.topics[key]
	h.mu.Unlock()
	if !ok {
		// The sender never existed, or already finished and its replay
		// linger elapsed; per spec §4.3 a reconnect still observes one
		// synthetic done event rather than a silently empty stream.
		return []Event{Event(DoneEvent + ":")}, nil, func() {}, true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	replay = append([]Event(nil), t.buffer...)
	for _, e := range replay {
		typ, _ := Split(e)
		if typ == DoneEvent {
			return replay, nil, func() {}, true
		}
	}
	if t.done {
		return replay, nil, func() {}, true
	}

	sub := make(chan Event, subscriberCapacity)
	t.subs[sub] = struct{}{}

	cancel = func() {
		t.mu.Lock()
		delete(t.subs, sub)
		t.mu.Unlock()
	}
	return replay, sub, cancel, false
}
