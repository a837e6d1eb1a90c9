// Package breaker protects ASR/LLM/TTS capability calls from cascading
// failures with a per-provider circuit breaker.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lokutor-ai/nexus-voice-core/internal/metrics"
)

// State is one of the three circuit breaker states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Config controls a breaker's failure tolerance and recovery behavior.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
	FallbackMessage  string
}

// ErrOpen is returned by Call when the circuit is open (or half-open and
// over its trial call budget). FallbackMessage is the caller-facing
// localized utterance to play instead of the failed capability's output.
type ErrOpen struct {
	Service         string
	FallbackMessage string
}

func (e *ErrOpen) Error() string {
	return "circuit breaker open: " + e.Service
}

// Breaker guards calls to a single named capability (asr, llm, or tts).
type Breaker struct {
	name string
	cfg  Config

	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	halfOpenCalls int
	lastFailureAt time.Time
}

// New creates a breaker for a named capability, starting CLOSED.
func New(name string, cfg Config) *Breaker {
	return &Breaker{name: name, cfg: cfg, state: Closed}
}

// State returns the current state, promoting OPEN to HALF_OPEN once the
// recovery timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() State {
	if b.state == Open && time.Since(b.lastFailureAt) >= b.cfg.RecoveryTimeout {
		slog.Info("circuit breaker half-open", "service", b.name)
		b.state = HalfOpen
		b.halfOpenCalls = 0
		b.successCount = 0
		metrics.BreakerStateChanges.WithLabelValues(b.name, string(HalfOpen)).Inc()
	}
	return b.state
}

// IsAvailable reports whether calls should currently be attempted.
func (b *Breaker) IsAvailable() bool {
	return b.State() != Open
}

// Call executes fn if the circuit allows it, recording the outcome.
// Returns *ErrOpen without invoking fn if the circuit rejects the call.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil {
		b.recordFailure(err)
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.stateLocked()
	if state == Open {
		return &ErrOpen{Service: b.name, FallbackMessage: b.cfg.FallbackMessage}
	}
	if state == HalfOpen {
		b.halfOpenCalls++
		if b.halfOpenCalls > b.cfg.HalfOpenMaxCalls {
			return &ErrOpen{Service: b.name, FallbackMessage: b.cfg.FallbackMessage}
		}
	}
	return nil
}

// RecordSuccess records a successful call outside of Call (for callers that
// manage their own invocation, e.g. streaming responses).
func (b *Breaker) RecordSuccess() { b.recordSuccess() }

// RecordFailure records a failed call outside of Call.
func (b *Breaker) RecordFailure(err error) { b.recordFailure(err) }

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.HalfOpenMaxCalls {
			slog.Info("circuit breaker recovered", "service", b.name)
			b.state = Closed
			b.failureCount = 0
			b.successCount = 0
			metrics.BreakerStateChanges.WithLabelValues(b.name, string(Closed)).Inc()
		}
	case Closed:
		b.failureCount = 0
	}
}

func (b *Breaker) recordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureAt = time.Now()
	slog.Warn("circuit breaker recorded failure", "service", b.name, "count", b.failureCount, "error", err)

	if b.state == HalfOpen {
		slog.Warn("circuit breaker re-opening after half-open failure", "service", b.name)
		b.state = Open
		b.successCount = 0
		metrics.BreakerStateChanges.WithLabelValues(b.name, string(Open)).Inc()
		return
	}
	if b.state == Closed && b.failureCount >= b.cfg.FailureThreshold {
		slog.Error("circuit breaker opening", "service", b.name, "threshold", b.cfg.FailureThreshold)
		b.state = Open
		metrics.BreakerStateChanges.WithLabelValues(b.name, string(Open)).Inc()
	}
}

// Reset forces the breaker back to CLOSED, clearing all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenCalls = 0
}

// Stats is a snapshot of breaker counters, used for the capability health
// dashboard.
type Stats struct {
	Name          string    `json:"name"`
	State         State     `json:"state"`
	FailureCount  int       `json:"failure_count"`
	SuccessCount  int       `json:"success_count"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
}

// Stats returns a snapshot of the breaker's current counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:          b.name,
		State:         b.stateLocked(),
		FailureCount:  b.failureCount,
		SuccessCount:  b.successCount,
		LastFailureAt: b.lastFailureAt,
	}
}

// FallbackMessage returns the breaker's configured caller-facing fallback
// utterance.
func (b *Breaker) FallbackMessage() string {
	return b.cfg.FallbackMessage
}

// Registry pre-configures the three capability breakers (ASR, LLM, TTS)
// with thresholds matched to each provider's failure tolerance.
type Registry struct {
	ASR *Breaker
	LLM *Breaker
	TTS *Breaker
}

const (
	fallbackASRAr = "عذراً، ما سمعتك زين. ممكن تعيد؟"
	fallbackLLMAr = "النظام مشغول، لحظة وأرجع لك"
	fallbackTTSAr = "عذراً، في مشكلة تقنية. حاول مرة ثانية"
)

// NewRegistry builds the standard asr/llm/tts breaker set.
func NewRegistry() *Registry {
	return &Registry{
		ASR: New("asr", Config{
			FailureThreshold: 3,
			RecoveryTimeout:  20 * time.Second,
			HalfOpenMaxCalls: 3,
			FallbackMessage:  fallbackASRAr,
		}),
		LLM: New("llm", Config{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			HalfOpenMaxCalls: 3,
			FallbackMessage:  fallbackLLMAr,
		}),
		TTS: New("tts", Config{
			FailureThreshold: 3,
			RecoveryTimeout:  20 * time.Second,
			HalfOpenMaxCalls: 3,
			FallbackMessage:  fallbackTTSAr,
		}),
	}
}

// All returns the three breakers, keyed by capability name, for iteration
// (stats reporting, reset-all).
func (r *Registry) All() map[string]*Breaker {
	return map[string]*Breaker{"asr": r.ASR, "llm": r.LLM, "tts": r.TTS}
}

// StatsAll returns a snapshot of every breaker's stats.
func (r *Registry) StatsAll() map[string]Stats {
	out := make(map[string]Stats, 3)
	for name, b := range r.All() {
		out[name] = b.Stats()
	}
	return out
}

// ResetAll forces every breaker back to CLOSED.
func (r *Registry) ResetAll() {
	for _, b := range r.All() {
		b.Reset()
	}
}

// IsErrOpen reports whether err is (or wraps) an ErrOpen.
func IsErrOpen(err error) bool {
	var e *ErrOpen
	return errors.As(err, &e)
}
