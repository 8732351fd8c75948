// Package bus distributes daemon events to in-process consumers (the
// WebSocket feed, metrics) without coupling the main loop to them. Publish
// never blocks: slow subscribers drop events.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Event types published by the daemon.
const (
	EventTick      = "tick"
	EventSpike     = "spike"
	EventTrigger   = "trigger"
	EventFeedback  = "feedback"
	EventMutation  = "mutation"
	EventEvaluator = "evaluator"
	EventError     = "error"
)

// Event is one daemon occurrence, shaped for direct JSON serialization on
// the /events feed.
type Event struct {
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"` // unix seconds
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a fan-out publish/subscribe hub.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	bufSize int
	logger  *slog.Logger
}

// New creates a bus whose subscriber channels buffer bufSize events.
func New(bufSize int, logger *slog.Logger) *Bus {
	if bufSize < 1 {
		bufSize = 16
	}
	return &Bus{
		subs:    make(map[int]chan Event),
		bufSize: bufSize,
		logger:  logger.With("component", "bus"),
	}
}

// Subscribe registers a new consumer. The returned cancel func must be
// called to release the subscription; the channel is closed by it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.bufSize)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that has buffer room.
func (b *Bus) Publish(e Event) {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().Unix()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Debug("dropping event for slow subscriber", "type", e.Type, "subscriber", id)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
