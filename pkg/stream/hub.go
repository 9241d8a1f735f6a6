// Package stream fans ledger events out to live subscribers, typically
// websocket sessions watching a trace. Delivery is best effort: a subscriber
// that stops draining its channel loses events rather than stalling the hub.
package stream

import (
	"encoding/json"
	"sync"
	"time"
)

const defaultBuffer = 32

// Event is one fan-out message. Data holds the already-encoded payload so the
// hub never re-marshals per subscriber.
type Event struct {
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent stamps and encodes a payload. A nil payload yields a bare marker
// event, used for stream handshakes.
func NewEvent(eventType string, payload interface{}) Event {
	evt := Event{Type: eventType, At: time.Now().UTC()}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			evt.Data = raw
		}
	}
	return evt
}

// Hub tracks the live subscriber set. Zero value is not usable, call NewHub.
type Hub struct {
	mu    sync.RWMutex
	sinks map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{sinks: make(map[chan Event]struct{})}
}

// Subscribe registers a sink with the given channel capacity. The caller must
// eventually Unsubscribe the returned channel or it leaks.
func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	sink := make(chan Event, buffer)
	h.mu.Lock()
	h.sinks[sink] = struct{}{}
	h.mu.Unlock()
	return sink
}

// Unsubscribe removes the sink and closes it. Calling it again for the same
// channel is a no-op, so teardown paths need no coordination.
func (h *Hub) Unsubscribe(sink chan Event) {
	h.mu.Lock()
	_, registered := h.sinks[sink]
	delete(h.sinks, sink)
	h.mu.Unlock()
	if registered {
		close(sink)
	}
}

// Publish offers the event to every sink without blocking. Sinks with a full
// buffer miss this event.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sink := range h.sinks {
		select {
		case sink <- evt:
		default:
		}
	}
}
