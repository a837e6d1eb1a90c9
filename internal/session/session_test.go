package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionIsMonotonicAfterEnded(t *testing.T) {
	s := New(context.Background(), "cc-1", "+966500000000", "+966511111111", "sara", "")

	s.Transition(Answered)
	require.Equal(t, Answered, s.Lifecycle())

	s.Transition(Ended)
	require.True(t, s.IsEnded())

	s.Transition(Active)
	require.True(t, s.IsEnded(), "transition after Ended must be a no-op")
}

func TestAppendTurnCountsOnlyCallerTurns(t *testing.T) {
	s := New(context.Background(), "cc-2", "", "", "sara", "")

	s.AppendTurn("caller", "hello")
	s.AppendTurn("assistant", "hi there")
	s.AppendTurn("caller", "book an appointment")

	require.Equal(t, 2, s.TurnCount())
	require.Len(t, s.History(), 3)
}

func TestTeardownCancelsContextAndEndsSession(t *testing.T) {
	s := New(context.Background(), "cc-3", "", "", "sara", "")

	s.Teardown()
	require.True(t, s.IsEnded())
	select {
	case <-s.Ctx.Done():
	default:
		t.Fatal("expected context to be cancelled after Teardown")
	}

	// Calling again must not panic.
	s.Teardown()
}

func TestStorePutGetRemove(t *testing.T) {
	store := NewStore()
	s := New(context.Background(), "cc-4", "", "", "sara", "")

	store.Put(s)
	require.Equal(t, 1, store.Len())

	got, ok := store.Get("cc-4")
	require.True(t, ok)
	require.Same(t, s, got)

	store.Remove("cc-4")
	require.Equal(t, 0, store.Len())
	_, ok = store.Get("cc-4")
	require.False(t, ok)
}

func TestSetPersonaSwitchesActivePersona(t *testing.T) {
	s := New(context.Background(), "cc-5", "", "", "sara", "")
	s.SetPersona("nexus")
	require.Equal(t, "nexus", s.Persona)
}
