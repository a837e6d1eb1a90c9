package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tidwall/sjson"

	"github.com/lokutor-ai/nexus-voice-core/internal/carrier"
	"github.com/lokutor-ai/nexus-voice-core/internal/eventbus"
	"github.com/lokutor-ai/nexus-voice-core/internal/metrics"
	"github.com/lokutor-ai/nexus-voice-core/internal/orchestrator"
	"github.com/lokutor-ai/nexus-voice-core/internal/repository"
	"github.com/lokutor-ai/nexus-voice-core/internal/session"
	"github.com/lokutor-ai/nexus-voice-core/internal/trace"
)

// defaultTraceSessionLimit is how many trace sessions are returned when the
// caller omits the ?limit= query parameter.
const defaultTraceSessionLimit = 20

type deps struct {
	cfg          config
	sessions     *session.Store
	carrier      carrier.Client
	bus          *eventbus.Bus
	adminHub     *eventbus.AdminHub
	healthHub    *orchestrator.HealthHub
	mediaHandler http.Handler
	traceStore   *trace.Store
}

// registerRoutes wires every HTTP endpoint to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.HandleFunc("POST /webhook", d.handleWebhook)
	mux.Handle("/media/{call_control_id}", d.mediaHandler)
	mux.HandleFunc("/admin/stream", d.handleAdminStream)
	mux.HandleFunc("GET /api/capabilities", d.healthHub.ServeSnapshot)
	mux.HandleFunc("GET /api/capabilities/stream", d.healthHub.ServeHTTP)
	mux.HandleFunc("GET /health", d.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	registerTraceRoutes(mux, d.traceStore)
}

func (d deps) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":       "ok",
		"active_calls": d.sessions.Len(),
	})
}

// webhookEnvelope is the carrier's call-event notification shape: one
// event_type per call-control-id, delivered as the call progresses through
// ringing, media streaming, DTMF, and hangup.
type webhookEnvelope struct {
	Data struct {
		EventType string `json:"event_type"`
		Payload   struct {
			CallControlID string `json:"call_control_id"`
			From          string `json:"from"`
			To            string `json:"to"`
			HangupCause   string `json:"hangup_cause"`
			Digit         string `json:"digit"`
		} `json:"payload"`
	} `json:"data"`
}

// handleWebhook dispatches carrier call events. It answers 400 only for a
// body that does not decode; every decoded event, including an event type
// this gateway doesn't act on, gets 200 so the carrier doesn't retry-storm.
func (d deps) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var env webhookEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	payload := env.Data.Payload

	switch env.Data.EventType {
	case "call.initiated":
		d.handleCallInitiated(r.Context(), payload.CallControlID, payload.From, payload.To)
	case "call.answered":
		// informational only; media starts on the streaming.started event.
	case "streaming.started":
		slog.Info("media stream started", "call_control_id", payload.CallControlID)
	case "streaming.stopped":
		slog.Info("media stream stopped", "call_control_id", payload.CallControlID)
	case "call.dtmf.received":
		slog.Info("dtmf received", "call_control_id", payload.CallControlID, "digit", payload.Digit)
	case "call.hangup":
		d.handleCallHangup(payload.CallControlID, payload.HangupCause)
	default:
		slog.Info("unhandled webhook event", "event_type", env.Data.EventType)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "message": "received"})
}

func (d deps) handleCallInitiated(ctx context.Context, callControlID, from, to string) {
	if d.sessions.Len() >= d.cfg.maxConcurrentCalls {
		slog.Warn("rejecting call, at capacity", "call_control_id", callControlID, "active", d.sessions.Len())
		if err := d.carrier.HangUp(ctx, callControlID); err != nil {
			slog.Error("reject hangup failed", "call_control_id", callControlID, "error", err)
		}
		d.bus.Publish(eventbus.Event{Type: eventbus.CallError, Payload: map[string]string{
			"call_control_id": callControlID,
			"reason":          "at_capacity",
		}})
		return
	}

	// The session's lifetime context must outlive this webhook request — it
	// is cancelled only by Teardown, not by the request that created it.
	persona := "sara"
	normalizedFrom := repository.NormalizePhone(from)
	sess := session.New(context.Background(), callControlID, normalizedFrom, to, persona, systemPromptFor(""))
	if d.traceStore != nil {
		sess.Tracer = trace.NewTracer(d.traceStore, callControlID)
		metadata, err := sjson.Set("{}", "from", normalizedFrom)
		if err == nil {
			metadata, err = sjson.Set(metadata, "to", to)
		}
		if err == nil {
			metadata, err = sjson.Set(metadata, "persona", persona)
		}
		if err != nil {
			metadata = from
		}
		if err := d.traceStore.CreateSession(callControlID, metadata); err != nil {
			slog.Warn("trace session create failed", "call_control_id", callControlID, "error", err)
		}
	}
	d.sessions.Put(sess)
	metrics.CallsTotal.Inc()
	metrics.CallsActive.Set(float64(d.sessions.Len()))

	if err := d.carrier.AnswerCall(ctx, callControlID); err != nil {
		slog.Error("answer call failed", "call_control_id", callControlID, "error", err)
		return
	}
	streamURL := carrier.MediaStreamURL(d.cfg.webhookBaseURL, callControlID)
	if err := d.carrier.StartStreaming(ctx, callControlID, streamURL, carrier.CodecPCMU); err != nil {
		slog.Error("start streaming failed", "call_control_id", callControlID, "error", err)
		return
	}

	if d.cfg.callMaxDuration > 0 {
		time.AfterFunc(d.cfg.callMaxDuration, sess.Teardown)
	}

	d.bus.Publish(eventbus.Event{Type: eventbus.CallStarted, Payload: map[string]string{
		"call_control_id": callControlID,
		"from":            from,
		"to":              to,
	}})
}

func (d deps) handleCallHangup(callControlID, hangupCause string) {
	sess, ok := d.sessions.Get(callControlID)
	if !ok {
		return
	}
	sess.Teardown()
	d.sessions.Remove(callControlID)
	metrics.CallsActive.Set(float64(d.sessions.Len()))
	if d.traceStore != nil {
		if err := d.traceStore.EndSession(callControlID); err != nil {
			slog.Warn("trace session end failed", "call_control_id", callControlID, "error", err)
		}
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.CallEnded, Payload: map[string]string{
		"call_control_id": callControlID,
		"hangup_cause":    hangupCause,
	}})
}

var adminUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleAdminStream upgrades a dashboard connection and fans every bus
// event out to it until the client disconnects. The connection is
// write-only from the gateway's side; the read loop here exists only to
// detect that disconnect.
func (d deps) handleAdminStream(w http.ResponseWriter, r *http.Request) {
	conn, err := adminUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("admin websocket upgrade failed", "error", err)
		return
	}
	d.adminHub.Register(conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			d.adminHub.Unregister(conn)
			conn.Close()
			return
		}
	}
}

func registerTraceRoutes(mux *http.ServeMux, store *trace.Store) {
	mux.HandleFunc("GET /api/traces/sessions", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		limit := queryInt(r, "limit", defaultTraceSessionLimit)
		offset := queryInt(r, "offset", 0)
		sessions, total, err := store.ListSessions(limit, offset)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"sessions": sessions, "total": total})
	})

	mux.HandleFunc("GET /api/traces/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		sess, runs, err := store.GetSession(r.PathValue("id"))
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"session": sess, "runs": runs})
	})

	mux.HandleFunc("GET /api/traces/sessions/{id}/runs/{runId}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		run, spans, err := store.GetRun(r.PathValue("id"), r.PathValue("runId"))
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"run": run, "spans": spans})
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
