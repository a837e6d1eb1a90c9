package main

import (
	"time"

	"github.com/lokutor-ai/nexus-voice-core/internal/audio"
	"github.com/lokutor-ai/nexus-voice-core/internal/breaker"
	"github.com/lokutor-ai/nexus-voice-core/internal/env"
	"github.com/lokutor-ai/nexus-voice-core/internal/orchestrator"
	"github.com/lokutor-ai/nexus-voice-core/internal/prompts"
)

// config holds every environment-driven knob the gateway reads at startup.
// Each field has a sensible fallback so the gateway starts in a
// degraded-but-running configuration with no environment set at all.
type config struct {
	port               string
	webhookBaseURL     string
	maxConcurrentCalls int
	callMaxDuration    time.Duration

	vad          audio.VADConfig
	orchestrator orchestrator.Config

	whisperServerURL string
	asrPoolSize      int

	ollamaURL   string
	ollamaModel string
	openaiURL   string
	openaiModel string
	openaiKey   string

	anthropicURL   string
	anthropicModel string
	anthropicKey   string
	llmEngine      string
	llmMaxTokens   int
	llmPoolSize    int

	elevenlabsURL     string
	elevenlabsAPIKey  string
	elevenlabsModelID string
	voiceSara         string
	voiceNexus        string
	ttsPoolSize       int

	fillerCataloguePath string
	fallbackAudioDBPath string

	postgresURL string
}

// loadConfig reads configuration from the process environment, layering
// every value over the defaults below.
func loadConfig() config {
	vad := audio.DefaultVADConfig()
	vad.SpeechThresholdDB = env.Float("VAD_SPEECH_THRESHOLD_DB", vad.SpeechThresholdDB)
	vad.SilenceTimeout = time.Duration(env.Int("VAD_MIN_SILENCE_MS", int(vad.SilenceTimeout/time.Millisecond))) * time.Millisecond

	orch := orchestrator.DefaultConfig()
	orch.FillerDelay = time.Duration(env.Int("RESPONSE_TIMEOUT_MS", int(orch.FillerDelay/time.Millisecond))) * time.Millisecond
	orch.LLMEngine = env.Str("LLM_ENGINE", "ollama")
	orch.LLMModel = env.Str("LLM_MODEL", orch.LLMModel)
	orch.HistoryTurns = env.Int("LLM_HISTORY_TURNS", orch.HistoryTurns)
	orch.DBContextTopK = env.Int("DB_CONTEXT_TOP_K", orch.DBContextTopK)

	return config{
		port:               env.Str("GATEWAY_PORT", "8000"),
		webhookBaseURL:     env.Str("WEBHOOK_BASE_URL", "localhost:8000"),
		maxConcurrentCalls: env.Int("MAX_CONCURRENT_CALLS", 100),
		callMaxDuration:    time.Duration(env.Int("CALL_MAX_DURATION_MIN", 30)) * time.Minute,

		vad:          vad,
		orchestrator: orch,

		whisperServerURL: env.Str("WHISPER_SERVER_URL", ""),
		asrPoolSize:      env.Int("ASR_POOL_SIZE", 50),

		ollamaURL:   env.Str("OLLAMA_URL", "http://localhost:11434"),
		ollamaModel: env.Str("OLLAMA_MODEL", "llama3.2:3b"),
		openaiURL:   env.Str("OPENAI_URL", "https://api.openai.com"),
		openaiModel: env.Str("OPENAI_MODEL", "gpt-4.1-nano"),
		openaiKey:   env.Str("OPENAI_API_KEY", ""),

		anthropicURL:   env.Str("ANTHROPIC_URL", "https://api.anthropic.com"),
		anthropicModel: env.Str("ANTHROPIC_MODEL", "claude-sonnet-4-5"),
		anthropicKey:   env.Str("ANTHROPIC_API_KEY", ""),
		llmEngine:      env.Str("LLM_ENGINE", "ollama"),
		llmMaxTokens:   env.Int("LLM_MAX_TOKENS", 512),
		llmPoolSize:    env.Int("LLM_POOL_SIZE", 50),

		elevenlabsURL:     env.Str("ELEVENLABS_URL", "https://api.elevenlabs.io"),
		elevenlabsAPIKey:  env.Str("ELEVENLABS_API_KEY", ""),
		elevenlabsModelID: env.Str("ELEVENLABS_MODEL_ID", "eleven_flash_v2_5"),
		voiceSara:         env.Str("ELEVENLABS_VOICE_ID_SARA", "21m00Tcm4TlvDq8ikWAM"),
		voiceNexus:        env.Str("ELEVENLABS_VOICE_ID_NEXUS", "29vD33N1CtxCmqQRPOHJ"),
		ttsPoolSize:       env.Int("TTS_POOL_SIZE", 50),

		fillerCataloguePath: env.Str("FILLER_CATALOGUE_PATH", ""),
		fallbackAudioDBPath: env.Str("FALLBACK_AUDIO_DB_PATH", ""),

		postgresURL: env.Str("POSTGRES_URL", ""),
	}
}

// breakerRegistry builds the process-wide capability breakers. Thresholds
// are not environment-tunable since the three capabilities have materially
// different failure tolerances (ASR and TTS trip faster than the costlier,
// slower LLM call).
func breakerRegistry() *breaker.Registry {
	return breaker.NewRegistry()
}

// systemPromptFor resolves the operator-configured system prompt, falling
// back to the Arabic default persona prompt.
func systemPromptFor(raw string) string {
	return prompts.ForSession(raw)
}
