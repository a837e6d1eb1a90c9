package orchestrator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lokutor-ai/nexus-voice-core/internal/breaker"
)

// pollInterval is how often HealthHub snapshots the breaker registry and
// broadcasts to connected SSE clients.
const pollInterval = 2 * time.Second

// HealthHub fans out capability breaker state to subscribers over
// server-sent events, polling the registry on a fixed interval. One hub
// serves every admin dashboard connection for the process.
type HealthHub struct {
	breakers *breaker.Registry

	mu   sync.Mutex
	subs map[chan []byte]struct{}

	stop chan struct{}
}

// NewHealthHub creates a hub and starts its background poll loop.
func NewHealthHub(breakers *breaker.Registry) *HealthHub {
	h := &HealthHub{
		breakers: breakers,
		subs:     map[chan []byte]struct{}{},
		stop:     make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *HealthHub) run() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.broadcast(h.fetch())
		}
	}
}

// Close stops the poll loop. Subscribed clients are left to notice via
// their request context instead of being force-closed.
func (h *HealthHub) Close() {
	close(h.stop)
}

func (h *HealthHub) fetch() []byte {
	data, err := json.Marshal(h.breakers.StatsAll())
	if err != nil {
		slog.Error("marshal breaker stats", "error", err)
		return nil
	}
	return data
}

func (h *HealthHub) subscribe() chan []byte {
	ch := make(chan []byte, 1)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *HealthHub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// broadcast sends the latest snapshot to every subscriber. A full channel
// (slow or stalled consumer) drops the update rather than blocking the poll
// loop; the next tick carries fresher data anyway.
func (h *HealthHub) broadcast(data []byte) {
	if data == nil {
		return
	}
	h.mu.Lock()
	for ch := range h.subs {
		select {
		case ch <- data:
		default:
		}
	}
	h.mu.Unlock()
}

// ServeSnapshot writes the current breaker stats as a single JSON response,
// for GET /api/capabilities (the non-streaming counterpart to ServeHTTP's
// /api/capabilities/stream).
func (h *HealthHub) ServeSnapshot(w http.ResponseWriter, r *http.Request) {
	data := h.fetch()
	if data == nil {
		http.Error(w, "unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// ServeHTTP streams capability breaker health as server-sent events: an
// initial snapshot, then one update per poll interval for as long as the
// client stays connected.
func (h *HealthHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if data := h.fetch(); data != nil {
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	ch := h.subscribe()
	defer h.unsubscribe(ch)
	slog.Info("capability health stream client connected", "remote", r.RemoteAddr)

	for {
		select {
		case <-r.Context().Done():
			slog.Info("capability health stream client disconnected", "remote", r.RemoteAddr)
			return
		case data := <-ch:
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
