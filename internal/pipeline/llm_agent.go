package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/nlpodyssey/openai-agents-go/modelsettings"
	"github.com/openai/openai-go/v2/packages/param"
)

// AgentLLM is the OpenAI-compatible LLM capability client, built on the
// openai-agents-go SDK. It satisfies LLMChatClient and is registered under
// the "ollama" and "openai" engine names in an LLMRouter.
type AgentLLM struct {
	provider  agents.ModelProvider
	model     string
	maxTokens int
}

// NewAgentLLM wraps provider as a single-model LLM backend.
func NewAgentLLM(provider agents.ModelProvider, model string, maxTokens int) *AgentLLM {
	return &AgentLLM{provider: provider, model: model, maxTokens: maxTokens}
}

// Chat streams a completion from the wrapped provider. dialogueContext
// (conversation history plus the repository's read-only snapshot) is folded
// into the agent's instructions rather than passed as a separate message,
// since the single-turn Runner only accepts one instructions string and one
// user message.
func (a *AgentLLM) Chat(ctx context.Context, userMessage, dialogueContext, systemPrompt, model string, onToken TokenCallback) (*LLMResult, error) {
	useModel := model
	if useModel == "" {
		useModel = a.model
	}

	instructions := systemPrompt
	if dialogueContext != "" {
		instructions += "\n\n" + dialogueContext
	}

	agent := agents.New("assistant").
		WithInstructions(instructions).
		WithModel(useModel).
		WithModelSettings(modelsettings.ModelSettings{
			MaxTokens: param.NewOpt(int64(a.maxTokens)),
		})

	runner := agents.Runner{Config: agents.RunConfig{
		ModelProvider:   a.provider,
		MaxTurns:        1,
		TracingDisabled: true,
	}}

	start := time.Now()

	events, errCh, err := runner.RunStreamedChan(ctx, agent, userMessage)
	if err != nil {
		return nil, fmt.Errorf("llm stream start: %w", err)
	}

	var textBuf strings.Builder
	var sr streamResult
	for ev := range events {
		handleStreamEvent(ev, &sr, onToken, &textBuf)
	}

	if streamErr := <-errCh; streamErr != nil {
		return nil, fmt.Errorf("llm stream: %w", streamErr)
	}

	latency := time.Since(start)

	ttft := float64(0)
	if !sr.ttft.IsZero() {
		ttft = float64(sr.ttft.Sub(start).Milliseconds())
	}

	return &LLMResult{
		Text:               textBuf.String(),
		LatencyMs:          float64(latency.Milliseconds()),
		TimeToFirstTokenMs: ttft,
	}, nil
}

func handleStreamEvent(ev agents.StreamEvent, sr *streamResult, onToken TokenCallback, textBuf *strings.Builder) {
	raw, ok := ev.(agents.RawResponsesStreamEvent)
	if !ok {
		return
	}
	if raw.Data.Type != "response.output_text.delta" {
		return
	}
	if sr.ttft.IsZero() {
		sr.ttft = time.Now()
	}
	if onToken != nil {
		onToken(raw.Data.Delta)
	}
	textBuf.WriteString(raw.Data.Delta)
}
