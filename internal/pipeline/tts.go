package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lokutor-ai/nexus-voice-core/internal/metrics"
)

// TTS synthesizes speech for a persona's voice.
type TTS interface {
	Synthesize(ctx context.Context, text, persona string) (*TTSResult, error)
}

// TTSResult holds synthesized PCM audio with timing. TTFBMs is populated
// only by the streaming path.
type TTSResult struct {
	Audio     []byte  `json:"-"`
	LatencyMs float64 `json:"latency_ms"`
	TTFBMs    float64 `json:"ttfb_ms,omitempty"`
}

// TTSClient synthesizes speech via an ElevenLabs-compatible HTTP API,
// resolving a persona name to a provider voice ID configured once at
// startup.
type TTSClient struct {
	baseURL  string
	apiKey   string
	modelID  string
	voiceIDs map[string]string // persona → provider voice id
	client   *http.Client
}

// NewTTSClient creates a TTS client with a fixed persona→voice mapping.
// Personas with no entry fall back to voiceIDs["default"].
func NewTTSClient(baseURL, apiKey, modelID string, voiceIDs map[string]string, poolSize int) *TTSClient {
	return &TTSClient{
		baseURL:  baseURL,
		apiKey:   apiKey,
		modelID:  modelID,
		voiceIDs: voiceIDs,
		client:   NewPooledHTTPClient(poolSize, 30*time.Second),
	}
}

// Synthesize converts text to speech in the given persona's voice,
// returning PCM16 audio at the provider's configured sample rate.
func (c *TTSClient) Synthesize(ctx context.Context, text, persona string) (*TTSResult, error) {
	start := time.Now()

	voiceID := c.resolveVoice(persona)

	reqBody, err := json.Marshal(ttsRequest{Text: text, ModelID: c.modelID})
	if err != nil {
		return nil, fmt.Errorf("marshal tts request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=pcm_16000", c.baseURL, voiceID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("tts", "http").Inc()
		return nil, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.Errors.WithLabelValues("tts", "status").Inc()
		return nil, fmt.Errorf("tts status %d", resp.StatusCode)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read tts response: %w", err)
	}

	latency := time.Since(start)
	metrics.StageDuration.WithLabelValues("tts").Observe(latency.Seconds())

	return &TTSResult{
		Audio:     audioData,
		LatencyMs: float64(latency.Milliseconds()),
	}, nil
}

// ttsStreamReadSize is the read granularity for streamed synthesis; small
// enough that the first audio reaches the sequencer well before the
// provider finishes the utterance.
const ttsStreamReadSize = 4096

// SynthesizeStream streams synthesized audio as the provider produces it,
// invoking onChunk for every read so the first bytes can enter playback
// while later ones are still in flight. The returned result carries the
// full concatenated audio and the time to first byte.
func (c *TTSClient) SynthesizeStream(ctx context.Context, text, persona string, onChunk func([]byte)) (*TTSResult, error) {
	start := time.Now()

	voiceID := c.resolveVoice(persona)

	reqBody, err := json.Marshal(ttsRequest{Text: text, ModelID: c.modelID})
	if err != nil {
		return nil, fmt.Errorf("marshal tts request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s/stream?output_format=pcm_16000", c.baseURL, voiceID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("tts", "http").Inc()
		return nil, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.Errors.WithLabelValues("tts", "status").Inc()
		return nil, fmt.Errorf("tts status %d", resp.StatusCode)
	}

	var audioData []byte
	var ttfb time.Duration
	buf := make([]byte, ttsStreamReadSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if ttfb == 0 {
				ttfb = time.Since(start)
			}
			chunk := append([]byte(nil), buf[:n]...)
			audioData = append(audioData, chunk...)
			if onChunk != nil {
				onChunk(chunk)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("read tts stream: %w", readErr)
		}
	}

	latency := time.Since(start)
	metrics.StageDuration.WithLabelValues("tts").Observe(latency.Seconds())

	return &TTSResult{
		Audio:     audioData,
		LatencyMs: float64(latency.Milliseconds()),
		TTFBMs:    float64(ttfb.Milliseconds()),
	}, nil
}

func (c *TTSClient) resolveVoice(persona string) string {
	if id, ok := c.voiceIDs[persona]; ok {
		return id
	}
	return c.voiceIDs["default"]
}

type ttsRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id,omitempty"`
}
