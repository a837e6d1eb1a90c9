package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTTSClientResolvesPersonaVoice(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.Equal(t, "secret", r.Header.Get("xi-api-key"))
		_, _ = w.Write([]byte{1, 2, 3, 4})
	}))
	defer srv.Close()

	c := NewTTSClient(srv.URL, "secret", "eleven_turbo_v2", map[string]string{
		"sara":    "voice-sara",
		"default": "voice-default",
	}, 1)

	result, err := c.Synthesize(context.Background(), "hello", "sara")
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, result.Audio)
	require.Contains(t, gotPath, "voice-sara")
}

func TestTTSClientSynthesizeStreamDeliversChunksInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.Path, "/stream")
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte{1, 1})
		flusher.Flush()
		_, _ = w.Write([]byte{2, 2})
	}))
	defer srv.Close()

	c := NewTTSClient(srv.URL, "secret", "eleven_turbo_v2", map[string]string{"default": "voice-default"}, 1)

	var streamed []byte
	result, err := c.SynthesizeStream(context.Background(), "hello", "sara", func(chunk []byte) {
		streamed = append(streamed, chunk...)
	})
	require.NoError(t, err)
	require.Equal(t, []byte{1, 1, 2, 2}, result.Audio)
	require.Equal(t, result.Audio, streamed)
	require.GreaterOrEqual(t, result.TTFBMs, float64(0))
}

func TestTTSClientFallsBackToDefaultVoice(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte{9})
	}))
	defer srv.Close()

	c := NewTTSClient(srv.URL, "secret", "eleven_turbo_v2", map[string]string{
		"default": "voice-default",
	}, 1)

	_, err := c.Synthesize(context.Background(), "hi", "unknown-persona")
	require.NoError(t, err)
	require.Contains(t, gotPath, "voice-default")
}
