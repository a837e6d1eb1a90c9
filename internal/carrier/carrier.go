// Package carrier defines the call-control client boundary: the pluggable
// interface used to answer calls and start bidirectional media streaming
// on a telephony provider. Concrete provider SDKs are treated as external
// capability collaborators; this package ships only the interface and a
// logging stub suitable for local development.
package carrier

import (
	"context"
	"fmt"
	"log/slog"
)

// StreamCodec is the audio codec requested for the media WebSocket.
type StreamCodec string

const (
	CodecPCMU StreamCodec = "PCMU"
)

// Client is the call-control capability the call controller drives.
type Client interface {
	// AnswerCall accepts an inbound call.
	AnswerCall(ctx context.Context, callControlID string) error

	// StartStreaming instructs the carrier to open a bidirectional media
	// WebSocket to streamURL for the given call.
	StartStreaming(ctx context.Context, callControlID, streamURL string, codec StreamCodec) error

	// HangUp terminates the call.
	HangUp(ctx context.Context, callControlID string) error
}

// MediaStreamURL builds the wss:// URL a carrier should open its media
// WebSocket against, scoped to one call.
func MediaStreamURL(webhookBaseURL, callControlID string) string {
	return fmt.Sprintf("wss://%s/media/%s", webhookBaseURL, callControlID)
}

// LoggingClient is a no-op Client that logs every call-control action it
// would have taken. Useful for local development against a webhook
// simulator, and as the default until a provider SDK is wired in.
type LoggingClient struct{}

// NewLoggingClient returns a Client that only logs.
func NewLoggingClient() *LoggingClient { return &LoggingClient{} }

func (c *LoggingClient) AnswerCall(ctx context.Context, callControlID string) error {
	slog.Info("carrier: answer call", "call_control_id", callControlID)
	return nil
}

func (c *LoggingClient) StartStreaming(ctx context.Context, callControlID, streamURL string, codec StreamCodec) error {
	slog.Info("carrier: start streaming", "call_control_id", callControlID, "stream_url", streamURL, "codec", codec)
	return nil
}

func (c *LoggingClient) HangUp(ctx context.Context, callControlID string) error {
	slog.Info("carrier: hang up", "call_control_id", callControlID)
	return nil
}
