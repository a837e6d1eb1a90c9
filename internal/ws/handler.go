// Package ws implements the bidirectional media transport between the
// carrier and the pipeline orchestrator: one WebSocket per call, framed as
// JSON envelopes carrying base64 mu-law audio.
package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lokutor-ai/nexus-voice-core/internal/audio"
	"github.com/lokutor-ai/nexus-voice-core/internal/metrics"
	"github.com/lokutor-ai/nexus-voice-core/internal/orchestrator"
	"github.com/lokutor-ai/nexus-voice-core/internal/sequencer"
	"github.com/lokutor-ai/nexus-voice-core/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// readIdleTimeout closes a media connection that sends nothing for this
// long (a stalled or abandoned carrier leg).
const readIdleTimeout = 30 * time.Second

// HandlerConfig holds the shared backend clients for all call sessions.
type HandlerConfig struct {
	Sessions     *session.Store
	Orchestrator *orchestrator.Orchestrator
	VADConfig    audio.VADConfig
}

// Handler upgrades and drives one media WebSocket per active call.
type Handler struct {
	cfg HandlerConfig
}

// NewHandler creates a media transport handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{cfg: cfg}
}

// frame is the carrier's media WebSocket envelope, used for both directions.
type frame struct {
	Event string     `json:"event"`
	Media *mediaBlob `json:"media,omitempty"`
}

type mediaBlob struct {
	Payload string `json:"payload"`
	Track   string `json:"track"`
}

// ServeHTTP upgrades the connection for the call identified by the
// {call_control_id} path value and runs its media session. The session
// must already exist (created by the call controller on call.initiated);
// an unknown ID is answered with 404 and never upgraded.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	callControlID := r.PathValue("call_control_id")
	sess, ok := h.cfg.Sessions.Get(callControlID)
	if !ok {
		slog.Error("media socket for unknown call", "call_control_id", callControlID)
		http.Error(w, "unknown call", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	h.runSession(conn, sess)
}

func (h *Handler) runSession(conn *websocket.Conn, sess *session.Session) {
	ctx, cancel := context.WithCancel(sess.Ctx)
	defer cancel()

	chunkDur := audio.ChunkMs * time.Millisecond
	seq := sequencer.New(sequencer.ChunkBytesFor(audio.ProviderSampleRate, chunkDur), chunkDur)
	vad := audio.NewVAD(h.cfg.VADConfig)
	sendChunk := newSendFunc(conn)

	// One second of audio (50 x 20ms chunks) of slack for the
	// transport->orchestrator handoff channel.
	vadEvents := make(chan audio.Event, 50)
	var turnMu sync.Mutex
	var turnCancel context.CancelFunc

	go orchestrator.WatchBargeIn(ctx, seq, vadEvents, func() {
		turnMu.Lock()
		defer turnMu.Unlock()
		if turnCancel != nil {
			turnCancel()
		}
	})

	go runPlaybackLoop(ctx, seq, sendChunk, conn)

	greeted := false

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			slog.Info("media socket closed", "call_control_id", sess.CallControlID, "error", err)
			break
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			slog.Warn("malformed media frame", "call_control_id", sess.CallControlID, "error", err)
			continue
		}

		switch f.Event {
		case "connected":
			// informational only.
		case "start":
			if !greeted {
				greeted = true
				sess.Transition(session.Active)
				h.cfg.Orchestrator.Greet(ctx, sess, seq)
			}
		case "media":
			h.handleMediaFrame(ctx, sess, seq, vad, vadEvents, &turnMu, &turnCancel, f.Media)
		case "stop":
			sess.Teardown()
		}

		if sess.IsEnded() {
			break
		}
	}
}

func (h *Handler) handleMediaFrame(ctx context.Context, sess *session.Session, seq *sequencer.Sequencer, vad *audio.VAD, vadEvents chan<- audio.Event, turnMu *sync.Mutex, turnCancel *context.CancelFunc, media *mediaBlob) {
	if media == nil || media.Track != "inbound" {
		return
	}
	ulaw, err := base64.StdEncoding.DecodeString(media.Payload)
	if err != nil {
		slog.Warn("bad base64 media payload", "call_control_id", sess.CallControlID, "error", err)
		return
	}
	samples, err := audio.TelnyxToAI(ulaw)
	if err != nil {
		slog.Warn("codec decode failed", "call_control_id", sess.CallControlID, "error", err)
		return
	}
	metrics.AudioChunks.Inc()

	result := vad.Process(samples)

	select {
	case vadEvents <- result.Event:
	default:
	}

	if result.Event != audio.SpeechEnd {
		return
	}
	metrics.SpeechSegments.Inc()

	turnMu.Lock()
	turnCtx, cancel := context.WithCancel(ctx)
	*turnCancel = cancel
	turnMu.Unlock()

	go func() {
		defer cancel()
		h.cfg.Orchestrator.HandleUtterance(turnCtx, sess, seq, result.Audio)
	}()
}

// playbackIdleWait is how long runPlaybackLoop sleeps between Play calls
// when the queue drains empty, to avoid busy-spinning while idle between
// turns.
const playbackIdleWait = 5 * time.Millisecond

// runPlaybackLoop keeps the sequencer draining for the life of the call.
// Play returns as soon as its queue empties, so the caller re-invokes it
// for every subsequent turn's segments until ctx is cancelled.
func runPlaybackLoop(ctx context.Context, seq *sequencer.Sequencer, output sequencer.OutputFunc, conn *websocket.Conn) {
	defer conn.Close()
	for ctx.Err() == nil {
		seq.Play(ctx, output)
		if ctx.Err() != nil {
			return
		}
		time.Sleep(playbackIdleWait)
	}
}

// newSendFunc adapts the sequencer's paced PCM16 16kHz chunk output into
// outbound carrier media frames: resample to 8kHz, encode mu-law, base64,
// wrap in the media envelope.
func newSendFunc(conn *websocket.Conn) sequencer.OutputFunc {
	var mu sync.Mutex
	var lastEmit time.Time
	return func(chunk []byte) {
		now := time.Now()
		if !lastEmit.IsZero() {
			jitter := now.Sub(lastEmit) - audio.ChunkMs*time.Millisecond
			// gaps over 100ms are idle time between turns, not pacing drift
			if jitter > 0 && jitter < 100*time.Millisecond {
				metrics.SequencerChunkLatency.Observe(jitter.Seconds())
			}
		}
		lastEmit = now
		samples, err := audio.PCM16BytesToFloat32(chunk)
		if err != nil {
			slog.Warn("outbound chunk not sample-aligned", "error", err)
			return
		}
		ulaw, err := audio.AIToTelnyx(samples)
		if err != nil {
			return
		}
		f := frame{Event: "media", Media: &mediaBlob{
			Payload: base64.StdEncoding.EncodeToString(ulaw),
			Track:   "outbound",
		}}
		data, err := json.Marshal(f)
		if err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			slog.Error("write media frame", "error", err)
		}
	}
}
