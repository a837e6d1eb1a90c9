// Package orchestrator choreographs one call turn end to end: ASR
// transcription, LLM reply generation, response-segment parsing, and TTS
// synthesis, each guarded by its capability's circuit breaker, with filler
// utterances masking the round trip and a barge-in watcher able to cut
// playback short.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lokutor-ai/nexus-voice-core/internal/audio"
	"github.com/lokutor-ai/nexus-voice-core/internal/breaker"
	"github.com/lokutor-ai/nexus-voice-core/internal/eventbus"
	"github.com/lokutor-ai/nexus-voice-core/internal/filler"
	"github.com/lokutor-ai/nexus-voice-core/internal/metrics"
	"github.com/lokutor-ai/nexus-voice-core/internal/pipeline"
	"github.com/lokutor-ai/nexus-voice-core/internal/repository"
	"github.com/lokutor-ai/nexus-voice-core/internal/sequencer"
	"github.com/lokutor-ai/nexus-voice-core/internal/session"
)

// Config tunes orchestration behavior.
type Config struct {
	// FillerDelay is how long to wait after the LLM call starts before
	// enqueuing a "searching" filler if it has not yet produced a response.
	FillerDelay  time.Duration
	ASREngine    string
	LLMEngine    string
	LLMModel     string
	GreetingText string

	// HistoryTurns bounds how many of the most recent transcript turns are
	// folded into the LLM's dialogue context (older turns are dropped, not
	// summarized).
	HistoryTurns int
	// DBContextTopK bounds how many doctors/insurance rows are included in
	// the read-only repository snapshot handed to the LLM.
	DBContextTopK int
}

// providerCallTimeout is the hard deadline on every ASR/LLM/TTS call; a
// provider that exceeds it fails the call and counts against its breaker.
const providerCallTimeout = 5 * time.Second

// DefaultConfig returns production-reasonable orchestration timing.
func DefaultConfig() Config {
	return Config{
		FillerDelay:   800 * time.Millisecond,
		ASREngine:     "default",
		LLMEngine:     "openai",
		GreetingText:  "مرحباً بك، كيف أقدر أخدمك اليوم؟",
		HistoryTurns:  8,
		DBContextTopK: 5,
	}
}

// Orchestrator drives the ASR→LLM→TTS pipeline for every active call. It is
// stateless across calls; all mutable state lives on the session and
// sequencer instances passed into each call.
type Orchestrator struct {
	cfg      Config
	asr      *pipeline.Router[pipeline.ASR]
	llm      *pipeline.LLMRouter
	tts      pipeline.TTS
	breakers *breaker.Registry
	fillers  *filler.Cache
	bus      *eventbus.Bus
	repo     repository.Repository
}

// New builds an Orchestrator from its capability clients and supporting
// infrastructure. repo may be nil, in which case the LLM is invoked with no
// repository snapshot in its dialogue context.
func New(cfg Config, asr *pipeline.Router[pipeline.ASR], llm *pipeline.LLMRouter, tts pipeline.TTS, breakers *breaker.Registry, fillers *filler.Cache, bus *eventbus.Bus, repo repository.Repository) *Orchestrator {
	return &Orchestrator{cfg: cfg, asr: asr, llm: llm, tts: tts, breakers: breakers, fillers: fillers, bus: bus, repo: repo}
}

// HandleUtterance runs one full turn: transcribe the caller's buffered
// speech, generate a reply, and enqueue synthesized audio for playback. It
// masks LLM latency with a delayed filler utterance and honors ctx
// cancellation from a barge-in at any stage — a barge-in-cancelled LLM
// response's segments are discarded, never enqueued.
func (o *Orchestrator) HandleUtterance(ctx context.Context, sess *session.Session, seq *sequencer.Sequencer, samples []float32) {
	if len(samples) == 0 {
		return
	}
	turnStart := time.Now()
	runID := sess.Tracer.StartRun()
	status := "ok"
	var transcript, response string
	defer func() {
		sess.Tracer.EndRun(runID, float64(time.Since(turnStart).Milliseconds()), transcript, response, status)
	}()

	asrStart := time.Now()
	asrResult, err := o.transcribe(ctx, samples)
	if err != nil {
		status = "error"
		sess.Tracer.RecordSpan(runID, "asr", asrStart, float64(time.Since(asrStart).Milliseconds()), "", "", "error", err.Error())
		o.playFallback(ctx, sess, seq, o.breakers.ASR)
		return
	}
	userText := pipeline.CleanTranscript(asrResult)
	transcript = userText
	sess.Tracer.RecordSpan(runID, "asr", asrStart, float64(time.Since(asrStart).Milliseconds()), "", userText, "ok", "")
	if userText == "" {
		return
	}
	sess.AppendTurn("caller", userText)
	o.playEmpathyFiller(seq, userText)

	fillerDone := o.armFillerTimer(ctx, seq)
	llmStart := time.Now()
	reply, err := o.chat(ctx, sess, userText)
	close(fillerDone)
	if ctx.Err() != nil {
		return // barge-in cancelled this turn; discard whatever the LLM produced
	}
	if err != nil {
		status = "error"
		sess.Tracer.RecordSpan(runID, "llm", llmStart, float64(time.Since(llmStart).Milliseconds()), userText, "", "error", err.Error())
		o.playFallback(ctx, sess, seq, o.breakers.LLM)
		return
	}
	response = reply.Text
	sess.Tracer.RecordSpan(runID, "llm", llmStart, float64(time.Since(llmStart).Milliseconds()), userText, reply.Text, "ok", "")
	sess.AppendTurn("assistant", reply.Text)

	segments := pipeline.ParseSegments(reply.Text)
	queued := 0
	for _, seg := range segments {
		if ctx.Err() != nil {
			return // later segments never play ahead of a barge-in
		}
		if o.synthesizeAndEnqueue(ctx, sess, seq, seg) {
			if queued == 0 {
				metrics.E2EDuration.Observe(time.Since(turnStart).Seconds())
			}
			queued++
		}
	}
	if queued == 0 && len(segments) > 0 {
		// every segment's synthesis failed; the assistant text stays in
		// history but the caller heard nothing, so play the TTS fallback once
		o.playFallback(ctx, sess, seq, o.breakers.TTS)
	}
}

func (o *Orchestrator) transcribe(ctx context.Context, samples []float32) (*pipeline.ASRResult, error) {
	backend, err := o.asr.Route(o.cfg.ASREngine)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()
	var result *pipeline.ASRResult
	err = o.breakers.ASR.Call(ctx, func(ctx context.Context) error {
		r, err := backend.Transcribe(ctx, samples, "ar")
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

func (o *Orchestrator) chat(ctx context.Context, sess *session.Session, userText string) (*pipeline.LLMResult, error) {
	dialogueContext := o.buildDialogueContext(ctx, sess)
	ctx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()
	var result *pipeline.LLMResult
	err := o.breakers.LLM.Call(ctx, func(ctx context.Context) error {
		r, err := o.llm.Chat(ctx, userText, dialogueContext, sess.SystemPrompt, o.cfg.LLMModel, o.cfg.LLMEngine, nil)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// buildDialogueContext assembles the formatted conversation history and a
// bounded, read-only repository snapshot that the LLM is prompted with on
// every turn. History excludes the turn just appended by the caller (it is
// carried separately as userText) and is capped at cfg.HistoryTurns most
// recent entries; the repository snapshot is best-effort and silently
// omitted if the repository call fails or no repository is configured.
func (o *Orchestrator) buildDialogueContext(ctx context.Context, sess *session.Session) string {
	var b strings.Builder

	history := sess.History()
	if n := len(history); n > 1 {
		start := n - 1 - o.cfg.HistoryTurns
		if start < 0 {
			start = 0
		}
		b.WriteString("سجل المحادثة:\n")
		for _, turn := range history[start : n-1] {
			fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Content)
		}
	}

	if o.repo != nil {
		if snapshot := o.fetchRepositorySnapshot(ctx, sess); snapshot != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(snapshot)
		}
	}

	return b.String()
}

func (o *Orchestrator) fetchRepositorySnapshot(ctx context.Context, sess *session.Session) string {
	var b strings.Builder

	doctors, err := o.repo.ListDoctors(ctx)
	if err != nil {
		slog.Warn("db context: list doctors failed", "error", err)
	} else if len(doctors) > 0 {
		b.WriteString("الأطباء المتاحون:\n")
		for i, d := range doctors {
			if i >= o.cfg.DBContextTopK {
				break
			}
			fmt.Fprintf(&b, "- %s (%s)\n", d.Name, d.Specialty)
		}
	}

	insurance, err := o.repo.ListInsurance(ctx)
	if err != nil {
		slog.Warn("db context: list insurance failed", "error", err)
	} else if len(insurance) > 0 {
		b.WriteString("شركات التأمين المقبولة:\n")
		for i, ins := range insurance {
			if i >= o.cfg.DBContextTopK {
				break
			}
			fmt.Fprintf(&b, "- %s\n", ins.Name)
		}
	}

	if sess.From != "" {
		appts, err := o.repo.ListAppointmentsForPhone(ctx, sess.From)
		if err != nil {
			slog.Warn("db context: list appointments failed", "error", err)
		} else if len(appts) > 0 {
			b.WriteString("مواعيد المتصل الحالية:\n")
			for i, a := range appts {
				if i >= o.cfg.DBContextTopK {
					break
				}
				fmt.Fprintf(&b, "- %s: %s (%s)\n", a.DoctorID, a.At.Format(time.RFC3339), a.Status)
			}
		}
	}

	return b.String()
}

// synthesizeAndEnqueue voices one response segment. A synthesis failure
// drops only that segment (the assistant text is already in history); the
// caller decides whether the turn as a whole needs a fallback utterance.
func (o *Orchestrator) synthesizeAndEnqueue(ctx context.Context, sess *session.Session, seq *sequencer.Sequencer, seg pipeline.ResponseSegment) bool {
	if seg.Action == pipeline.ActionTransferPersona {
		sess.SetPersona(seg.Persona)
	}

	ttsCtx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()
	var result *pipeline.TTSResult
	err := o.breakers.TTS.Call(ttsCtx, func(ctx context.Context) error {
		r, err := o.tts.Synthesize(ctx, seg.Text, seg.Persona)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		slog.Warn("segment synthesis failed, skipping", "persona", seg.Persona, "error", err)
		return false
	}

	seq.Enqueue(sequencer.Segment{
		PCM:       result.Audio,
		Persona:   seg.Persona,
		Priority:  sequencer.Normal,
		TextLabel: seg.Text,
	})

	if seg.Action == pipeline.ActionEndCall {
		sess.Teardown()
	}
	return true
}

// Greet synthesizes and enqueues the call-opening utterance, triggered by
// the media transport's first "start" frame. Falls back to the configured
// breaker fallback message if TTS is unavailable.
func (o *Orchestrator) Greet(ctx context.Context, sess *session.Session, seq *sequencer.Sequencer) {
	ctx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()
	var result *pipeline.TTSResult
	err := o.breakers.TTS.Call(ctx, func(ctx context.Context) error {
		r, err := o.tts.Synthesize(ctx, o.cfg.GreetingText, sess.Persona)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		o.playFallback(ctx, sess, seq, o.breakers.TTS)
		return
	}
	seq.Enqueue(sequencer.Segment{
		PCM:       result.Audio,
		Persona:   sess.Persona,
		Priority:  sequencer.Normal,
		TextLabel: o.cfg.GreetingText,
	})
	sess.AppendTurn("assistant", o.cfg.GreetingText)
}

// armFillerTimer schedules a single "searching"-category filler to play at
// LOW priority if the LLM hasn't responded within cfg.FillerDelay. Returns a
// channel the caller closes once the LLM responds, canceling the timer if it
// hasn't fired yet — a response arriving before the delay elapses means no
// filler plays at all.
func (o *Orchestrator) armFillerTimer(ctx context.Context, seq *sequencer.Sequencer) chan struct{} {
	done := make(chan struct{})
	go func() {
		timer := time.NewTimer(o.cfg.FillerDelay)
		defer timer.Stop()
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			o.playSearchingFiller(seq)
		}
	}()
	return done
}

func (o *Orchestrator) playSearchingFiller(seq *sequencer.Sequencer) {
	if o.fillers == nil {
		return
	}
	phrase, ok := o.fillers.GetRandom(filler.Searching)
	if !ok || !phrase.HasAudio() {
		return
	}
	metrics.FillerPlayed.WithLabelValues(string(phrase.Category)).Inc()
	seq.Enqueue(sequencer.Segment{
		PCM:       phrase.PreSynthesized,
		Priority:  sequencer.Low,
		TextLabel: phrase.Text,
	})
}

// playEmpathyFiller enqueues an empathy-category filler at HIGH priority so
// it plays ahead of the eventual LLM response, but only when the caller's
// utterance actually matches an empathy trigger keyword — unlike the
// delayed searching filler, this one is unconditional on no match (silence,
// not a fallback phrase).
func (o *Orchestrator) playEmpathyFiller(seq *sequencer.Sequencer, userText string) {
	if o.fillers == nil {
		return
	}
	phrase, ok := o.fillers.GetEmpathy(userText)
	if !ok || !phrase.HasAudio() {
		return
	}
	metrics.FillerPlayed.WithLabelValues(string(phrase.Category)).Inc()
	seq.Enqueue(sequencer.Segment{
		PCM:       phrase.PreSynthesized,
		Priority:  sequencer.High,
		TextLabel: phrase.Text,
	})
}

// playFallback enqueues a capability's configured fallback utterance,
// preferring a pre-synthesized cached clip (avoiding a second round trip to
// a possibly-also-failing TTS backend) over a fresh synthesis attempt.
func (o *Orchestrator) playFallback(ctx context.Context, sess *session.Session, seq *sequencer.Sequencer, b *breaker.Breaker) {
	msg := b.FallbackMessage()
	if msg == "" {
		return
	}
	if o.fillers != nil {
		if pcm, ok := o.fillers.FallbackAudio(msg); ok {
			seq.Enqueue(sequencer.Segment{PCM: pcm, Priority: sequencer.High, TextLabel: msg})
			return
		}
	}
	result, err := o.tts.Synthesize(ctx, msg, sess.Persona)
	if err != nil {
		slog.Error("fallback synthesis failed", "error", err)
		return
	}
	if o.fillers != nil {
		_ = o.fillers.StoreFallbackAudio(msg, result.Audio)
	}
	seq.Enqueue(sequencer.Segment{PCM: result.Audio, Priority: sequencer.High, TextLabel: msg})
}

// WatchBargeIn reads VAD events off vadEvents and stops playback the
// instant the caller starts talking over the assistant, incrementing the
// sequencer's barge-in counter and invoking onBargeIn so the caller can
// cancel the in-flight turn's context. Returns when ctx is cancelled.
func WatchBargeIn(ctx context.Context, seq *sequencer.Sequencer, vadEvents <-chan audio.Event, onBargeIn func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-vadEvents:
			if !ok {
				return
			}
			if ev == audio.SpeechStart && seq.IsPlaying() {
				metrics.BargeIns.Inc()
				seq.Stop()
				if onBargeIn != nil {
					onBargeIn()
				}
			}
		}
	}
}
