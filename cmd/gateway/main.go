package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/openai/openai-go/v2/packages/param"

	"github.com/lokutor-ai/nexus-voice-core/internal/carrier"
	"github.com/lokutor-ai/nexus-voice-core/internal/eventbus"
	"github.com/lokutor-ai/nexus-voice-core/internal/filler"
	"github.com/lokutor-ai/nexus-voice-core/internal/orchestrator"
	"github.com/lokutor-ai/nexus-voice-core/internal/pipeline"
	"github.com/lokutor-ai/nexus-voice-core/internal/repository"
	"github.com/lokutor-ai/nexus-voice-core/internal/session"
	"github.com/lokutor-ai/nexus-voice-core/internal/trace"
	"github.com/lokutor-ai/nexus-voice-core/internal/ws"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn(".env load failed", "error", err)
	}

	cfg := loadConfig()

	breakers := breakerRegistry()
	fillers := initFillers(cfg)
	bus := eventbus.New()
	adminHub := eventbus.NewAdminHub(bus)
	healthHub := orchestrator.NewHealthHub(breakers)
	repo := repository.NewInMemory()

	var traceStore *trace.Store
	if cfg.postgresURL != "" {
		var err error
		traceStore, err = trace.Open(cfg.postgresURL)
		if err != nil {
			slog.Error("trace store open failed", "error", err)
		} else {
			slog.Info("tracing enabled", "postgres", cfg.postgresURL)
		}
	}

	asrRouter := initASR(cfg)
	llmRouter := initLLM(cfg)
	ttsClient := initTTS(cfg)
	carrierClient := carrier.NewLoggingClient()

	orch := orchestrator.New(cfg.orchestrator, asrRouter, llmRouter, ttsClient, breakers, fillers, bus, repo)

	sessions := session.NewStore()
	mediaHandler := ws.NewHandler(ws.HandlerConfig{
		Sessions:     sessions,
		Orchestrator: orch,
		VADConfig:    cfg.vad,
	})

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		cfg:          cfg,
		sessions:     sessions,
		carrier:      carrierClient,
		bus:          bus,
		adminHub:     adminHub,
		healthHub:    healthHub,
		mediaHandler: mediaHandler,
		traceStore:   traceStore,
	})

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	go awaitShutdown(srv, sessions, healthHub, traceStore)

	slog.Info("gateway starting", "addr", addr, "webhook_base_url", cfg.webhookBaseURL)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}

	slog.Info("gateway stopped")
}

// awaitShutdown blocks until SIGINT/SIGTERM, then tears every active call
// session down (cancelling its context and flushing its tracer) before
// stopping the HTTP server.
func awaitShutdown(srv *http.Server, sessions *session.Store, healthHub *orchestrator.HealthHub, traceStore *trace.Store) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, sess := range sessions.All() {
		sess.Teardown()
	}
	healthHub.Close()
	if traceStore != nil {
		traceStore.Close()
	}

	srv.Shutdown(ctx)
}

func initASR(cfg config) *pipeline.Router[pipeline.ASR] {
	backends := map[string]pipeline.ASR{}
	if cfg.whisperServerURL != "" {
		backends["default"] = pipeline.NewASRClient(cfg.whisperServerURL, cfg.asrPoolSize)
	}
	return pipeline.NewRouter(backends, "default")
}

func initLLM(cfg config) *pipeline.LLMRouter {
	backends := map[string]pipeline.LLMChatClient{}
	backends["ollama"] = pipeline.NewAgentLLM(agents.NewOpenAIProvider(agents.OpenAIProviderParams{
		BaseURL:      param.NewOpt(cfg.ollamaURL + "/v1/"),
		APIKey:       param.NewOpt("ollama"),
		UseResponses: param.NewOpt(false),
	}), cfg.ollamaModel, cfg.llmMaxTokens)
	if cfg.openaiKey != "" {
		provider := agents.NewOpenAIProvider(agents.OpenAIProviderParams{
			BaseURL:      param.NewOpt(cfg.openaiURL + "/v1/"),
			APIKey:       param.NewOpt(cfg.openaiKey),
			UseResponses: param.NewOpt(true),
		})
		backends["openai"] = pipeline.NewAgentLLM(provider, cfg.openaiModel, cfg.llmMaxTokens)
	}
	if cfg.anthropicKey != "" {
		backends["anthropic"] = pipeline.NewAnthropicLLMClient(cfg.anthropicKey, cfg.anthropicURL, cfg.anthropicModel, cfg.llmMaxTokens, cfg.llmPoolSize)
	}
	return pipeline.NewLLMRouter(backends, cfg.llmEngine)
}

func initTTS(cfg config) pipeline.TTS {
	voiceIDs := map[string]string{
		"sara":    cfg.voiceSara,
		"nexus":   cfg.voiceNexus,
		"default": cfg.voiceSara,
	}
	return pipeline.NewTTSClient(cfg.elevenlabsURL, cfg.elevenlabsAPIKey, cfg.elevenlabsModelID, voiceIDs, cfg.ttsPoolSize)
}

func initFillers(cfg config) *filler.Cache {
	data := []byte(filler.DefaultCatalogueJSON)
	if cfg.fillerCataloguePath != "" {
		raw, err := os.ReadFile(cfg.fillerCataloguePath)
		if err != nil {
			slog.Warn("filler catalogue read failed, using default", "path", cfg.fillerCataloguePath, "error", err)
		} else {
			data = raw
		}
	}
	cache, err := filler.Load(data, nil)
	if err != nil {
		slog.Error("filler catalogue load failed, continuing without fillers", "error", err)
		return nil
	}
	if cfg.fallbackAudioDBPath != "" {
		db, err := filler.OpenFallbackDB(cfg.fallbackAudioDBPath)
		if err != nil {
			slog.Warn("fallback audio cache open failed", "error", err)
		} else {
			cache = cache.WithFallbackDB(db)
		}
	}
	return cache
}
