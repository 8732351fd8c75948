package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/pulsedaemon/pulse/internal/bus"
)

// newUpgrader accepts non-browser clients and same-origin browsers. The API
// binds to loopback by default, so this is belt and braces.
func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients don't send Origin
			}
			return strings.Contains(origin, r.Host)
		},
	}
}

// EventHub fans daemon events out to WebSocket clients on /events.
type EventHub struct {
	mu       sync.RWMutex
	clients  map[*websocket.Conn]bool
	upgrader websocket.Upgrader
	events   *bus.Bus
	logger   *slog.Logger
	done     chan struct{}
}

// NewEventHub creates the hub. events may be nil, in which case connected
// clients simply receive nothing.
func NewEventHub(events *bus.Bus, logger *slog.Logger) *EventHub {
	return &EventHub{
		clients:  make(map[*websocket.Conn]bool),
		upgrader: newUpgrader(),
		events:   events,
		logger:   logger.With("component", "events"),
		done:     make(chan struct{}),
	}
}

// Run pumps bus events to clients until Close. Blocks.
func (h *EventHub) Run() {
	if h.events == nil {
		<-h.done
		return
	}
	ch, cancel := h.events.Subscribe()
	defer cancel()

	for {
		select {
		case <-h.done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(ev)
		}
	}
}

// Close shuts down the hub and all connections.
func (h *EventHub) Close() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.Close()
		delete(h.clients, conn)
	}
}

// HandleWebSocket upgrades an HTTP connection and registers the client.
func (h *EventHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	h.logger.Debug("event client connected", "remote", conn.RemoteAddr())

	// Read pump: keeps the connection alive and notices disconnects.
	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			_ = conn.Close()
			h.logger.Debug("event client disconnected", "remote", conn.RemoteAddr())
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *EventHub) broadcast(ev bus.Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal event", "error", err)
		return
	}

	// Collect dead connections under RLock, clean up under WLock. Avoids
	// goroutines contending for the write lock while the read lock is held.
	h.mu.RLock()
	var dead []*websocket.Conn
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			dead = append(dead, conn)
		}
	}
	h.mu.RUnlock()

	if len(dead) > 0 {
		h.mu.Lock()
		for _, c := range dead {
			delete(h.clients, c)
			_ = c.Close()
		}
		h.mu.Unlock()
	}
}
