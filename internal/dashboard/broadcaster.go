// Package dashboard serves the live monitoring UI: a websocket fan-out of
// conversation state plus an embedded single-page frontend.
package dashboard

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/synix-dev/dbproxy/internal/bus"
	. "github.com/synix-dev/dbproxy/internal/logging"
)

const errorBodyLimit = 1000

// Broadcaster fans JSON messages out to every connected dashboard client.
// Connections that fail a write are pruned on the spot.
type Broadcaster struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]bool
	subs  []bus.SubscriptionID
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{conns: make(map[*websocket.Conn]bool)}
}

// Subscribe wires the broadcaster to the bus topics the dashboard displays.
func (b *Broadcaster) Subscribe() {
	b.subs = append(b.subs,
		bus.SubscribeEvent(bus.TopicConversationState, func(ev bus.Event) {
			if m, ok := ev.Data.(map[string]any); ok {
				b.Broadcast(map[string]any{"type": "state_update", "conversation": m})
			}
		}),
		bus.SubscribeEvent(bus.TopicConversationSwap, func(ev bus.Event) {
			if m, ok := ev.Data.(map[string]any); ok {
				b.Broadcast(map[string]any{"type": "swap", "swap": m})
			}
		}),
		bus.SubscribeEvent(bus.TopicUpstreamError, func(ev bus.Event) {
			m, ok := ev.Data.(map[string]any)
			if !ok {
				return
			}
			body, _ := m["body"].(string)
			if len(body) > errorBodyLimit {
				body = body[:errorBodyLimit]
			}
			b.Broadcast(map[string]any{
				"type":    "api_error",
				"conv_id": m["conv_id"],
				"status":  m["status"],
				"body":    body,
			})
		}),
	)
}

// Add registers a connection.
func (b *Broadcaster) Add(conn *websocket.Conn) {
	b.mu.Lock()
	b.conns[conn] = true
	total := len(b.conns)
	b.mu.Unlock()
	L_debug("dashboard: client connected", "total", total)
}

// Remove drops a connection.
func (b *Broadcaster) Remove(conn *websocket.Conn) {
	b.mu.Lock()
	delete(b.conns, conn)
	total := len(b.conns)
	b.mu.Unlock()
	L_debug("dashboard: client disconnected", "total", total)
}

// Broadcast sends one JSON message to every client. Writes are serialized
// under the broadcaster lock; gorilla connections do not allow concurrent
// writers.
func (b *Broadcaster) Broadcast(data map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return
	}

	var dead []*websocket.Conn
	for conn := range b.conns {
		if err := conn.WriteJSON(data); err != nil {
			dead = append(dead, conn)
		}
	}
	for _, conn := range dead {
		delete(b.conns, conn)
		conn.Close()
	}
	if len(dead) > 0 {
		L_debug("dashboard: pruned dead connections", "count", len(dead))
	}
}

// Count returns the number of connected clients.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Close unsubscribes from the bus and closes every connection.
func (b *Broadcaster) Close() {
	for _, id := range b.subs {
		bus.UnsubscribeEvent(id)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		conn.Close()
	}
	b.conns = make(map[*websocket.Conn]bool)
}
