package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lokutor-ai/nexus-voice-core/internal/audio"
	"github.com/lokutor-ai/nexus-voice-core/internal/breaker"
	"github.com/lokutor-ai/nexus-voice-core/internal/eventbus"
	"github.com/lokutor-ai/nexus-voice-core/internal/filler"
	"github.com/lokutor-ai/nexus-voice-core/internal/pipeline"
	"github.com/lokutor-ai/nexus-voice-core/internal/repository"
	"github.com/lokutor-ai/nexus-voice-core/internal/sequencer"
	"github.com/lokutor-ai/nexus-voice-core/internal/session"
)

const testCatalogueJSON = `{
  "phrases": [
    {"id": "search-1", "category": "searching", "trigger_keywords": [], "text": "أبحث لك...", "audio_ref": "search-1.pcm"},
    {"id": "empathy-1", "category": "empathy", "trigger_keywords": ["وجع", "تعبان"], "text": "آسفة على اللي تمر فيه", "audio_ref": "empathy-1.pcm"}
  ]
}`

func mustLoadTestFillers(t *testing.T) *filler.Cache {
	t.Helper()
	blobs := map[string][]byte{
		"search-1.pcm":  {7, 7},
		"empathy-1.pcm": {8, 8},
	}
	c, err := filler.Load([]byte(testCatalogueJSON), func(ref string) ([]byte, error) { return blobs[ref], nil })
	require.NoError(t, err)
	return c
}

type fakeASR struct {
	text string
	err  error
}

func (f *fakeASR) Transcribe(ctx context.Context, samples []float32, language string) (*pipeline.ASRResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.ASRResult{Text: f.text, Language: language}, nil
}

type fakeLLM struct {
	reply string
	err   error
	delay time.Duration
}

func (f *fakeLLM) Chat(ctx context.Context, userMessage, dialogueContext, systemPrompt, model string, onToken pipeline.TokenCallback) (*pipeline.LLMResult, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.LLMResult{Text: f.reply}, nil
}

type fakeTTS struct {
	audio []byte
	err   error
	calls int
}

func (f *fakeTTS) Synthesize(ctx context.Context, text, persona string) (*pipeline.TTSResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.TTSResult{Audio: f.audio}, nil
}

func newTestOrchestrator(asrC *fakeASR, llmC *fakeLLM, ttsC *fakeTTS) *Orchestrator {
	asrRouter := pipeline.NewRouter[pipeline.ASR](map[string]pipeline.ASR{"default": asrC}, "default")
	llmRouter := pipeline.NewLLMRouter(map[string]pipeline.LLMChatClient{"openai": llmC}, "openai")
	breakers := breaker.NewRegistry()
	cfg := DefaultConfig()
	cfg.FillerDelay = time.Hour // keep fillers from firing mid-test
	return New(cfg, asrRouter, llmRouter, ttsC, breakers, nil, eventbus.New(), nil)
}

func newTestSession() *session.Session {
	return session.New(context.Background(), "call-1", "+966500000000", "+966511111111", "sara", "")
}

func TestDefaultConfigDelayedFillerTiming(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 800*time.Millisecond, cfg.FillerDelay)
}

func TestHandleUtteranceSynthesizesPlainReplyAsSingleSegment(t *testing.T) {
	asrC := &fakeASR{text: "مرحبا"}
	llmC := &fakeLLM{reply: "أهلاً وسهلاً"}
	ttsC := &fakeTTS{audio: []byte{1, 2, 3}}
	o := newTestOrchestrator(asrC, llmC, ttsC)
	sess := newTestSession()
	seq := sequencer.New(320, 20*time.Millisecond)

	o.HandleUtterance(context.Background(), sess, seq, make([]float32, 100))

	require.Equal(t, 1, seq.Len())
	require.Equal(t, 1, ttsC.calls)
	require.Equal(t, 1, sess.TurnCount())
}

func TestHandleUtteranceSkipsTurnOnEmptyTranscript(t *testing.T) {
	asrC := &fakeASR{text: ""}
	llmC := &fakeLLM{reply: "should not be called"}
	ttsC := &fakeTTS{}
	o := newTestOrchestrator(asrC, llmC, ttsC)
	sess := newTestSession()
	seq := sequencer.New(320, 20*time.Millisecond)

	o.HandleUtterance(context.Background(), sess, seq, make([]float32, 100))

	require.Equal(t, 0, seq.Len())
	require.Equal(t, 0, ttsC.calls)
	require.Equal(t, 0, sess.TurnCount())
}

func TestHandleUtteranceEnqueuesASRFallbackOnTranscribeError(t *testing.T) {
	asrC := &fakeASR{err: errors.New("asr unavailable")}
	llmC := &fakeLLM{}
	ttsC := &fakeTTS{audio: []byte{9}}
	o := newTestOrchestrator(asrC, llmC, ttsC)
	sess := newTestSession()
	seq := sequencer.New(320, 20*time.Millisecond)

	o.HandleUtterance(context.Background(), sess, seq, make([]float32, 100))

	require.Equal(t, 1, seq.Len())
	require.Equal(t, 1, ttsC.calls)
}

func TestHandleUtteranceDiscardsReplyAfterBargeInCancellation(t *testing.T) {
	asrC := &fakeASR{text: "مرحبا"}
	llmC := &fakeLLM{reply: "[{\"persona\":\"sara\",\"text\":\"رد\",\"emotion\":\"neutral\",\"action\":\"none\"}]"}
	ttsC := &fakeTTS{audio: []byte{1}}
	o := newTestOrchestrator(asrC, llmC, ttsC)
	sess := newTestSession()
	seq := sequencer.New(320, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o.HandleUtterance(ctx, sess, seq, make([]float32, 100))

	require.Equal(t, 0, seq.Len())
	require.Equal(t, 0, ttsC.calls)
}

func TestHandleUtteranceKeepsAssistantTextWhenEverySegmentFailsSynthesis(t *testing.T) {
	asrC := &fakeASR{text: "مرحبا"}
	llmC := &fakeLLM{reply: "أهلاً"}
	ttsC := &fakeTTS{err: errors.New("tts down")}
	o := newTestOrchestrator(asrC, llmC, ttsC)
	sess := newTestSession()
	seq := sequencer.New(320, 20*time.Millisecond)

	o.HandleUtterance(context.Background(), sess, seq, make([]float32, 100))

	// synthesis failed for the one segment and for the fallback attempt, so
	// nothing queued — but the assistant turn still landed in history
	require.Equal(t, 0, seq.Len())
	history := sess.History()
	require.Len(t, history, 2)
	require.Equal(t, "assistant", history[1].Role)
	require.Equal(t, "أهلاً", history[1].Content)
}

func TestHandleUtteranceIgnoresEmptyUtteranceBuffer(t *testing.T) {
	asrC := &fakeASR{text: "should not be reached"}
	llmC := &fakeLLM{}
	ttsC := &fakeTTS{}
	o := newTestOrchestrator(asrC, llmC, ttsC)
	sess := newTestSession()
	seq := sequencer.New(320, 20*time.Millisecond)

	o.HandleUtterance(context.Background(), sess, seq, nil)

	require.Equal(t, 0, seq.Len())
	require.Empty(t, sess.History())
}

func TestHandleUtteranceDropsNoiseTranscript(t *testing.T) {
	asrC := &fakeASR{text: "[noise]"}
	llmC := &fakeLLM{reply: "should not be called"}
	ttsC := &fakeTTS{audio: []byte{1}}
	o := newTestOrchestrator(asrC, llmC, ttsC)
	sess := newTestSession()
	seq := sequencer.New(320, 20*time.Millisecond)

	o.HandleUtterance(context.Background(), sess, seq, make([]float32, 100))

	require.Equal(t, 0, seq.Len())
	require.Equal(t, 0, sess.TurnCount())
}

func TestHandleUtteranceTripsBreakerAfterRepeatedLLMFailures(t *testing.T) {
	asrC := &fakeASR{text: "مرحبا"}
	llmC := &fakeLLM{err: errors.New("llm down")}
	ttsC := &fakeTTS{audio: []byte{1}}
	o := newTestOrchestrator(asrC, llmC, ttsC)
	seq := sequencer.New(320, 20*time.Millisecond)

	for i := 0; i < 5; i++ {
		sess := newTestSession()
		o.HandleUtterance(context.Background(), sess, seq, make([]float32, 100))
	}

	require.Equal(t, breaker.Open, o.breakers.LLM.State())
}

func TestHandleUtteranceEndCallActionTearsDownSession(t *testing.T) {
	asrC := &fakeASR{text: "إنهاء المكالمة"}
	llmC := &fakeLLM{reply: "[{\"persona\":\"sara\",\"text\":\"مع السلامة\",\"emotion\":\"neutral\",\"action\":\"end_call\"}]"}
	ttsC := &fakeTTS{audio: []byte{1}}
	o := newTestOrchestrator(asrC, llmC, ttsC)
	sess := newTestSession()
	seq := sequencer.New(320, 20*time.Millisecond)

	o.HandleUtterance(context.Background(), sess, seq, make([]float32, 100))

	require.True(t, sess.IsEnded())
}

func TestHandleUtteranceEnqueuesEmpathyFillerAtHighPriorityOnKeywordMatch(t *testing.T) {
	asrC := &fakeASR{text: "أنا تعبان ووجعان"}
	llmC := &fakeLLM{reply: "تمام"}
	ttsC := &fakeTTS{audio: []byte{9, 9, 9}}
	o := newTestOrchestrator(asrC, llmC, ttsC)
	o.fillers = mustLoadTestFillers(t)
	sess := newTestSession()
	seq := sequencer.New(1, 2*time.Millisecond)

	o.HandleUtterance(context.Background(), sess, seq, make([]float32, 100))

	// empathy filler (HIGH) + the LLM reply segment (NORMAL)
	require.Equal(t, 2, seq.Len())

	var mu sync.Mutex
	var order [][]byte
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go seq.Play(ctx, func(chunk []byte) {
		mu.Lock()
		order = append(order, append([]byte(nil), chunk...))
		mu.Unlock()
	})
	for seq.Len() > 0 || seq.IsPlaying() {
		time.Sleep(2 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, order)
	require.Equal(t, byte(8), order[0][0], "the HIGH-priority empathy filler must play before the NORMAL reply segment")
}

func TestHandleUtteranceSkipsEmpathyFillerWhenNoKeywordMatches(t *testing.T) {
	asrC := &fakeASR{text: "مرحبا كيف الحال"}
	llmC := &fakeLLM{reply: "تمام"}
	ttsC := &fakeTTS{audio: []byte{9}}
	o := newTestOrchestrator(asrC, llmC, ttsC)
	o.fillers = mustLoadTestFillers(t)
	sess := newTestSession()
	seq := sequencer.New(1, 2*time.Millisecond)

	o.HandleUtterance(context.Background(), sess, seq, make([]float32, 100))

	require.Equal(t, 1, seq.Len(), "no empathy keyword matched, so only the reply segment is queued")
}

func TestHandleUtteranceEnqueuesSearchingFillerAtLowPriorityWhenLLMIsSlow(t *testing.T) {
	asrC := &fakeASR{text: "مرحبا"}
	llmC := &fakeLLM{reply: "تمام", delay: 50 * time.Millisecond}
	ttsC := &fakeTTS{audio: []byte{9}}
	o := newTestOrchestrator(asrC, llmC, ttsC)
	o.fillers = mustLoadTestFillers(t)
	o.cfg.FillerDelay = 5 * time.Millisecond
	sess := newTestSession()
	seq := sequencer.New(1, 2*time.Millisecond)

	o.HandleUtterance(context.Background(), sess, seq, make([]float32, 100))

	require.Equal(t, 2, seq.Len(), "the delayed searching filler plus the LLM reply segment")
}

func TestWatchBargeInStopsPlaybackAndInvokesCallback(t *testing.T) {
	seq := sequencer.New(320, 20*time.Millisecond)
	seq.Enqueue(sequencer.Segment{PCM: make([]byte, 3200), Persona: "sara"})

	go seq.Play(context.Background(), func(chunk []byte) { time.Sleep(time.Millisecond) })

	// give Play a moment to start draining before the barge-in fires
	time.Sleep(5 * time.Millisecond)

	events := make(chan audio.Event, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	called := make(chan struct{}, 1)
	go WatchBargeIn(ctx, seq, events, func() { called <- struct{}{} })

	events <- audio.SpeechStart

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("expected onBargeIn to fire")
	}
	require.Equal(t, 1, seq.BargeInCount())
}

func TestBuildDialogueContextIncludesHistoryAndRepositorySnapshot(t *testing.T) {
	asrC := &fakeASR{}
	llmC := &fakeLLM{}
	ttsC := &fakeTTS{}
	o := newTestOrchestrator(asrC, llmC, ttsC)
	o.repo = repository.NewInMemory()

	sess := newTestSession()
	sess.AppendTurn("caller", "أبغى موعد")
	sess.AppendTurn("assistant", "تمام، مع أي دكتور؟")
	sess.AppendTurn("caller", "يبيلي ذا الدور")

	ctx := o.buildDialogueContext(context.Background(), sess)

	require.Contains(t, ctx, "سجل المحادثة")
	require.Contains(t, ctx, "أبغى موعد")
	require.NotContains(t, ctx, "يبيلي ذا الدور", "the current turn's text is passed separately, not folded into history")
	require.Contains(t, ctx, "الأطباء المتاحون")
	require.Contains(t, ctx, "شركات التأمين المقبولة")
}

func TestBuildDialogueContextEmptyWithNoRepoAndNoHistory(t *testing.T) {
	asrC := &fakeASR{}
	llmC := &fakeLLM{}
	ttsC := &fakeTTS{}
	o := newTestOrchestrator(asrC, llmC, ttsC)

	sess := newTestSession()
	require.Empty(t, o.buildDialogueContext(context.Background(), sess))
}
