package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestASRClientTranscribeParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/inference", r.URL.Path)
		require.Equal(t, "ar", r.FormValue("language"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(asrResponse{Text: "مرحبا", Confidence: 0.92})
	}))
	defer srv.Close()

	c := NewASRClient(srv.URL, 1)
	result, err := c.Transcribe(context.Background(), make([]float32, 1600), "ar")
	require.NoError(t, err)
	require.Equal(t, "مرحبا", result.Text)
	require.Equal(t, 0.92, result.Confidence)
	require.Equal(t, "ar", result.Language)
}

type recordingASR struct {
	calls   int
	lastLen int
}

func (r *recordingASR) Transcribe(ctx context.Context, samples []float32, language string) (*ASRResult, error) {
	r.calls++
	r.lastLen = len(samples)
	return &ASRResult{Text: "مرحبا", Language: language}, nil
}

func TestStreamingTranscriberAccumulatesUntilMinBuffer(t *testing.T) {
	backend := &recordingASR{}
	// 500ms at 16kHz = 8000 samples; feed 20ms (320-sample) chunks.
	st := NewStreamingTranscriber(backend, 500*time.Millisecond, 16000)

	chunk := make([]float32, 320)
	for i := 0; i < 24; i++ {
		result, err := st.Feed(context.Background(), chunk, "ar")
		require.NoError(t, err)
		require.Nil(t, result, "chunk %d is below the buffer window", i)
	}
	require.Equal(t, 0, backend.calls)

	// The 25th chunk crosses 8000 samples and drains the whole buffer.
	result, err := st.Feed(context.Background(), chunk, "ar")
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, 1, backend.calls)
	require.Equal(t, 25*320, backend.lastLen)
	require.Equal(t, 0, st.Buffered())
}

func TestStreamingTranscriberFlushDrainsPartialBuffer(t *testing.T) {
	backend := &recordingASR{}
	st := NewStreamingTranscriber(backend, 500*time.Millisecond, 16000)

	_, err := st.Feed(context.Background(), make([]float32, 320), "ar")
	require.NoError(t, err)

	result, err := st.Flush(context.Background(), "ar")
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, 320, backend.lastLen)

	// A second flush has nothing to send.
	result, err = st.Flush(context.Background(), "ar")
	require.NoError(t, err)
	require.Nil(t, result)
	require.Equal(t, 1, backend.calls)
}

func TestCleanTranscriptPassesNormalSpeech(t *testing.T) {
	got := CleanTranscript(&ASRResult{Text: "  أبغى موعد ", NoSpeechProb: 0.1})
	require.Equal(t, "أبغى موعد", got)
}

func TestCleanTranscriptDropsHighNoSpeechProb(t *testing.T) {
	require.Empty(t, CleanTranscript(&ASRResult{Text: "مرحبا", NoSpeechProb: 0.9}))
}

func TestCleanTranscriptDropsNoiseHallucinations(t *testing.T) {
	for _, text := range []string{"*crunching*", "[inaudible]", "(static)", "um", "اه"} {
		require.Empty(t, CleanTranscript(&ASRResult{Text: text}), text)
	}
}

func TestCleanTranscriptEmptyInput(t *testing.T) {
	require.Empty(t, CleanTranscript(&ASRResult{Text: "   "}))
}

func TestASRClientTranscribeErrorsOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewASRClient(srv.URL, 1)
	_, err := c.Transcribe(context.Background(), make([]float32, 1600), "ar")
	require.Error(t, err)
}
