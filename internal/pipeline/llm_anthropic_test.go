package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAnthropicLLMClientFoldsDialogueContextIntoSystem(t *testing.T) {
	var gotReq anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("event: message_stop\ndata: {}\n\n"))
	}))
	defer srv.Close()

	c := NewAnthropicLLMClient("secret", srv.URL, "claude-sonnet-4-5", 100, 1)
	_, err := c.Chat(context.Background(), "أبغى موعد", "سجل المحادثة:\ncaller: hi", "أنتِ سارة", "", nil)
	require.NoError(t, err)

	require.True(t, strings.Contains(gotReq.System, "أنتِ سارة"))
	require.True(t, strings.Contains(gotReq.System, "سجل المحادثة"))
	require.Len(t, gotReq.Messages, 1)
	require.Equal(t, "أبغى موعد", gotReq.Messages[0].Content)
}

func TestAnthropicLLMClientOmitsContextSectionWhenEmpty(t *testing.T) {
	var gotReq anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("event: message_stop\ndata: {}\n\n"))
	}))
	defer srv.Close()

	c := NewAnthropicLLMClient("secret", srv.URL, "claude-sonnet-4-5", 100, 1)
	_, err := c.Chat(context.Background(), "hi", "", "أنتِ سارة", "", nil)
	require.NoError(t, err)
	require.Equal(t, "أنتِ سارة", gotReq.System)
}
