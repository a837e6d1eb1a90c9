// Package session holds per-call state: the single mutable record an
// orchestrator task owns for the lifetime of one carrier call.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/lokutor-ai/nexus-voice-core/internal/trace"
)

// Lifecycle is the call's coarse state, mirroring carrier webhook events.
type Lifecycle string

const (
	Ringing  Lifecycle = "ringing"
	Answered Lifecycle = "answered"
	Active   Lifecycle = "active"
	Ended    Lifecycle = "ended"
)

// Turn is one exchange in the conversation transcript.
type Turn struct {
	Role      string // "caller" or "assistant"
	Content   string
	Timestamp time.Time
}

// Session is the single source of truth for one call. Only the owning
// orchestrator goroutine mutates a Session's fields directly; all other
// access goes through its exported methods, which take the lock.
type Session struct {
	CallControlID string
	From          string
	To            string
	Persona       string
	SystemPrompt  string
	Tracer        *trace.Tracer

	// Ctx is cancelled by Teardown, unblocking the media receive/send loops
	// and any in-flight provider call made on the orchestrator's behalf.
	Ctx context.Context

	StartedAt time.Time
	EndedAt   time.Time

	cancel       context.CancelFunc
	teardownOnce sync.Once

	mu         sync.Mutex
	lifecycle  Lifecycle
	history    []Turn
	turnCount  int
	lastUserAt time.Time
}

// New creates a Session in the Ringing state, deriving its lifetime context
// from parent.
func New(parent context.Context, callControlID, from, to, persona, systemPrompt string) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		CallControlID: callControlID,
		From:          from,
		To:            to,
		Persona:       persona,
		SystemPrompt:  systemPrompt,
		Ctx:           ctx,
		StartedAt:     time.Now(),
		lifecycle:     Ringing,
		cancel:        cancel,
	}
}

// Lifecycle returns the current coarse call state.
func (s *Session) Lifecycle() Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle
}

// Transition advances the call's lifecycle state. Transitions into Ended
// are terminal: a later call is a no-op.
func (s *Session) Transition(to Lifecycle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle == Ended {
		return
	}
	s.lifecycle = to
	if to == Ended && s.EndedAt.IsZero() {
		s.EndedAt = time.Now()
	}
}

// IsEnded reports whether the call has reached its terminal state.
func (s *Session) IsEnded() bool {
	return s.Lifecycle() == Ended
}

// AppendTurn records one transcript entry and bumps the turn counter when
// role is "caller" (a turn begins with caller speech).
func (s *Session) AppendTurn(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, Turn{Role: role, Content: content, Timestamp: time.Now()})
	if role == "caller" {
		s.turnCount++
		s.lastUserAt = time.Now()
	}
}

// History returns a copy of the conversation transcript so far.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// TurnCount returns how many caller utterances have been processed.
func (s *Session) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnCount
}

// SetPersona switches the active persona mid-call (a "transfer_persona"
// action from a response segment).
func (s *Session) SetPersona(persona string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Persona = persona
}

// Teardown cancels the orchestrator's context, unblocking any in-flight
// provider calls and the media send/receive loops, flushes the tracer, and
// marks the call ended. Safe to call more than once.
func (s *Session) Teardown() {
	s.teardownOnce.Do(func() {
		s.Transition(Ended)
		if s.cancel != nil {
			s.cancel()
		}
		s.Tracer.Close()
	})
}

// Store is the process-wide registry of active sessions, keyed by carrier
// call-control ID.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Put registers a session, replacing any existing entry for the same ID.
func (s *Store) Put(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.CallControlID] = sess
}

// Get looks up a session by call-control ID.
func (s *Store) Get(callControlID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[callControlID]
	return sess, ok
}

// Remove deletes a session from the store (called after teardown
// completes).
func (s *Store) Remove(callControlID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, callControlID)
}

// Len reports the number of active sessions, used for the max-concurrent-
// calls gate and the /health endpoint.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// All returns a snapshot slice of every active session, used by admin
// tooling and graceful shutdown.
func (s *Store) All() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}
