// Package stream fans gateway decisions out to live subscribers.
package stream

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/atomic"
)

const (
	EventReady    = "ready"
	EventDecision = "decision"
)

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decision is the public summary of one pipeline outcome. It never carries
// params or signatures.
type Decision struct {
	RequestID string `json:"request_id"`
	Identity  string `json:"identity,omitempty"`
	Command   string `json:"command,omitempty"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Stage     string `json:"stage,omitempty"`
}

func NewEvent(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// Hub delivers each published event to every subscriber whose buffer has
// room. Slow subscribers lose events rather than stall the publisher.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	dropped atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.dropped.Inc()
		}
	}
}

// PublishDecision is Publish for a decision event.
func (h *Hub) PublishDecision(d Decision) {
	h.Publish(NewEvent(EventDecision, d))
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
