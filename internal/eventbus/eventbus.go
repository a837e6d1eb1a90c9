// Package eventbus is the process-wide publish/subscribe hub that fans call
// lifecycle and configuration-change events out to admin observers.
package eventbus

import (
	"log/slog"
	"sync"
	"time"
)

// Type is the kind of event published on the bus.
type Type string

const (
	AppointmentCreated   Type = "appointment.created"
	AppointmentUpdated   Type = "appointment.updated"
	AppointmentCancelled Type = "appointment.cancelled"
	AppointmentConfirmed Type = "appointment.confirmed"
	CallStarted          Type = "call.started"
	CallEnded            Type = "call.ended"
	CallError            Type = "call.error"
	SettingsUpdated      Type = "settings.updated"
	VoiceSettingsUpdated Type = "voice_settings.updated"
	FillersUpdated       Type = "fillers.updated"
	PromptUpdated        Type = "prompt.updated"
	SystemHealthCheck    Type = "system.health_check"
)

// Event is one published notification.
type Event struct {
	Type          Type      `json:"type"`
	Payload       any       `json:"payload,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Handler receives events for the types it subscribed to. A Handler must
// not block for long — it runs on its own goroutine per dispatch, but a
// slow handler still delays that event's delivery to itself on future
// publishes if handlers are invoked serially per subscriber slot.
type Handler func(Event)

const ringBufferSize = 100

// Bus is a lightweight in-process pub/sub hub with a bounded diagnostic
// ring buffer of recently published events.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]Handler

	ringMu sync.Mutex
	ring   []Event
	ringAt int
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{subscribers: make(map[Type][]Handler)}
}

// Subscribe registers handler to run whenever an event of the given type is
// published. Returns an unsubscribe function.
func (b *Bus) Subscribe(t Type, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[t] = append(b.subscribers[t], handler)
	idx := len(b.subscribers[t]) - 1

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		handlers := b.subscribers[t]
		if idx < len(handlers) {
			handlers[idx] = nil
		}
	}
}

// Publish dispatches an event to every subscriber of its type. Each handler
// runs on its own goroutine with a recover guard, so a panicking or slow
// subscriber never blocks delivery to the others.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.recordRing(e)

	b.mu.RLock()
	handlers := append([]Handler(nil), b.subscribers[e.Type]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		if h == nil {
			continue
		}
		go func(h Handler) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("eventbus handler panicked", "event", e.Type, "recover", r)
				}
			}()
			h(e)
		}(h)
	}
}

func (b *Bus) recordRing(e Event) {
	b.ringMu.Lock()
	defer b.ringMu.Unlock()
	if len(b.ring) < ringBufferSize {
		b.ring = append(b.ring, e)
		return
	}
	b.ring[b.ringAt] = e
	b.ringAt = (b.ringAt + 1) % ringBufferSize
}

// Recent returns up to the last ringBufferSize published events, oldest
// first, for diagnostics.
func (b *Bus) Recent() []Event {
	b.ringMu.Lock()
	defer b.ringMu.Unlock()

	if len(b.ring) < ringBufferSize {
		out := make([]Event, len(b.ring))
		copy(out, b.ring)
		return out
	}
	out := make([]Event, 0, ringBufferSize)
	out = append(out, b.ring[b.ringAt:]...)
	out = append(out, b.ring[:b.ringAt]...)
	return out
}
