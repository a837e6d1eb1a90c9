package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		RecoveryTimeout:  50 * time.Millisecond,
		HalfOpenMaxCalls: 2,
		FallbackMessage:  "النظام مشغول، لحظة وأرجع لك",
	}
}

var errBoom = errors.New("boom")

func failN(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for range n {
		_ = b.Call(context.Background(), func(ctx context.Context) error { return errBoom })
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := New("llm", testConfig())
	require.Equal(t, Closed, b.State())

	failN(t, b, 3)
	require.Equal(t, Open, b.State())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := New("llm", testConfig())

	failN(t, b, 2)
	require.NoError(t, b.Call(context.Background(), func(ctx context.Context) error { return nil }))
	failN(t, b, 2)

	require.Equal(t, Closed, b.State(), "interleaved success must reset the consecutive-failure count")
}

func TestBreakerRejectsWithFallbackWhileOpen(t *testing.T) {
	b := New("llm", testConfig())
	failN(t, b, 3)

	invoked := false
	err := b.Call(context.Background(), func(ctx context.Context) error {
		invoked = true
		return nil
	})
	require.False(t, invoked, "guarded function must never run while OPEN")

	var open *ErrOpen
	require.ErrorAs(t, err, &open)
	require.Equal(t, "llm", open.Service)
	require.Equal(t, testConfig().FallbackMessage, open.FallbackMessage)
	require.True(t, IsErrOpen(err))
}

func TestBreakerHalfOpensAfterRecoveryTimeout(t *testing.T) {
	b := New("asr", testConfig())
	failN(t, b, 3)
	require.Equal(t, Open, b.State())

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, HalfOpen, b.State())
}

func TestBreakerClosesAfterHalfOpenSuccesses(t *testing.T) {
	b := New("tts", testConfig())
	failN(t, b, 3)
	time.Sleep(60 * time.Millisecond)

	for range 2 {
		require.NoError(t, b.Call(context.Background(), func(ctx context.Context) error { return nil }))
	}
	require.Equal(t, Closed, b.State())
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	b := New("tts", testConfig())
	failN(t, b, 3)
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, HalfOpen, b.State())

	failN(t, b, 1)
	require.Equal(t, Open, b.State())

	// The recovery timer restarted on the half-open failure, so the breaker
	// stays OPEN until another full timeout elapses.
	invoked := false
	_ = b.Call(context.Background(), func(ctx context.Context) error {
		invoked = true
		return nil
	})
	require.False(t, invoked)
}

func TestBreakerBoundsHalfOpenTrialCalls(t *testing.T) {
	b := New("asr", testConfig())
	failN(t, b, 3)
	time.Sleep(60 * time.Millisecond)

	block := make(chan struct{})
	started := make(chan struct{}, 2)
	for range 2 {
		go func() {
			_ = b.Call(context.Background(), func(ctx context.Context) error {
				started <- struct{}{}
				<-block
				return nil
			})
		}()
	}
	<-started
	<-started

	// Both trial slots are in flight; a third call must be rejected.
	err := b.Call(context.Background(), func(ctx context.Context) error { return nil })
	require.True(t, IsErrOpen(err))
	close(block)
}

func TestBreakerResetForcesClosed(t *testing.T) {
	b := New("llm", testConfig())
	failN(t, b, 3)
	require.Equal(t, Open, b.State())

	b.Reset()
	require.Equal(t, Closed, b.State())
	require.NoError(t, b.Call(context.Background(), func(ctx context.Context) error { return nil }))
}

func TestRegistryShipsThreeCapabilityBreakers(t *testing.T) {
	r := NewRegistry()
	all := r.All()
	require.Len(t, all, 3)
	for name, b := range all {
		require.Equal(t, Closed, b.State(), name)
		require.NotEmpty(t, b.FallbackMessage(), name)
	}

	stats := r.StatsAll()
	require.Equal(t, Closed, stats["llm"].State)

	failN(t, r.LLM, 5)
	require.Equal(t, Open, r.LLM.State())
	r.ResetAll()
	require.Equal(t, Closed, r.LLM.State())
}
