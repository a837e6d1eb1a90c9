package pipeline

import (
	"context"
	"time"
)

// LLMChatClient produces a streaming chat completion for one conversational
// turn. dialogueContext carries the formatted conversation history plus the
// read-only repository snapshot (doctors/insurance/today's appointments)
// the orchestrator assembled for this turn; backends fold it in as an
// additional system-level message rather than a separate API field, so any
// OpenAI- or Anthropic-shaped chat endpoint can carry it.
type LLMChatClient interface {
	Chat(ctx context.Context, userMessage, dialogueContext, systemPrompt, model string, onToken TokenCallback) (*LLMResult, error)
}

// LLMResult holds the complete LLM response with timing.
type LLMResult struct {
	Text               string  `json:"text"`
	Thinking           string  `json:"thinking,omitempty"`
	LatencyMs          float64 `json:"latency_ms"`
	TimeToFirstTokenMs float64 `json:"ttft_ms"`
}

// TokenCallback is called for each streamed token.
type TokenCallback func(token string)

// LLMRouter dispatches to the correct LLM backend based on engine name
// ("ollama", "openai" or "anthropic").
type LLMRouter struct {
	*Router[LLMChatClient]
}

// NewLLMRouter creates a router with registered LLM backends and a fallback default.
func NewLLMRouter(backends map[string]LLMChatClient, fallback string) *LLMRouter {
	return &LLMRouter{Router: NewRouter(backends, fallback)}
}

// Chat routes to the correct backend and streams a chat completion.
func (r *LLMRouter) Chat(ctx context.Context, userMessage, dialogueContext, systemPrompt, model, engine string, onToken TokenCallback) (*LLMResult, error) {
	backend, err := r.Route(engine)
	if err != nil {
		return nil, err
	}
	return backend.Chat(ctx, userMessage, dialogueContext, systemPrompt, model, onToken)
}

// streamResult accumulates a streamed completion as it arrives, shared by
// every HTTP-streaming backend.
type streamResult struct {
	text     string
	thinking string
	ttft     time.Time
}
