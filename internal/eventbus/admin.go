package eventbus

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// AdminHub fans every bus event out to connected admin observer
// WebSockets (the dashboard watching capability health, live calls, and
// configuration changes). A client that fails to keep up with writes is
// evicted lazily on the next publish rather than blocking the bus.
type AdminHub struct {
	bus *Bus

	mu      sync.Mutex
	clients map[*websocket.Conn]chan Event
}

// NewAdminHub wires a hub to bus, subscribing to every event type it knows
// about.
func NewAdminHub(bus *Bus) *AdminHub {
	h := &AdminHub{bus: bus, clients: make(map[*websocket.Conn]chan Event)}
	for _, t := range []Type{
		AppointmentCreated, AppointmentUpdated, AppointmentCancelled, AppointmentConfirmed,
		CallStarted, CallEnded, CallError,
		SettingsUpdated, VoiceSettingsUpdated, FillersUpdated, PromptUpdated,
		SystemHealthCheck,
	} {
		bus.Subscribe(t, h.broadcast)
	}
	return h
}

func (h *AdminHub) broadcast(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- e:
		default:
			slog.Warn("admin hub dropping slow client", "remote", conn.RemoteAddr())
			h.evictLocked(conn)
		}
	}
}

// Register adds conn to the fan-out set and starts its writer goroutine.
// The caller owns the connection's read loop (if any); Register only
// writes.
func (h *AdminHub) Register(conn *websocket.Conn) {
	ch := make(chan Event, 32)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()

	go func() {
		for e := range ch {
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.Unregister(conn)
				return
			}
		}
	}()
}

// Unregister removes conn from the fan-out set and closes its channel.
func (h *AdminHub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evictLocked(conn)
}

func (h *AdminHub) evictLocked(conn *websocket.Conn) {
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
}

// ClientCount reports how many admin observers are currently connected.
func (h *AdminHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
