package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/lokutor-ai/nexus-voice-core/internal/audio"
	"github.com/lokutor-ai/nexus-voice-core/internal/metrics"
)

// ASR transcribes a buffered utterance of 16kHz mono PCM audio.
type ASR interface {
	Transcribe(ctx context.Context, samples []float32, language string) (*ASRResult, error)
}

// ASRClient sends audio to an HTTP transcription server (e.g. a
// whisper.cpp-compatible /inference endpoint) and returns the transcript.
type ASRClient struct {
	url    string
	client *http.Client
}

// NewASRClient creates a client pointing at the transcription server URL.
func NewASRClient(url string, poolSize int) *ASRClient {
	return &ASRClient{
		url:    url,
		client: NewPooledHTTPClient(poolSize, 30*time.Second),
	}
}

// ASRResult holds the transcription output.
type ASRResult struct {
	Text         string  `json:"text"`
	Confidence   float64 `json:"confidence"`
	Language     string  `json:"language"`
	LatencyMs    float64 `json:"latency_ms"`
	NoSpeechProb float64 `json:"no_speech_prob"`
}

// defaultNoSpeechThreshold is the no-speech probability above which an ASR
// result is discarded as noise.
const defaultNoSpeechThreshold = 0.6

// noisePatterns are common ASR hallucinations from background noise.
var noisePatterns = map[string]bool{
	"crunching": true, "static": true, "silence": true, "noise": true,
	"inaudible": true, "unintelligible": true, "background noise": true,
	"music": true, "typing": true, "breathing": true, "sigh": true,
	"cough": true, "laughter": true,
	"you": true, "the": true, "um": true, "uh": true,
	"hmm": true, "ah": true, "oh": true, "mhm": true,
	"اه": true, "امم": true, "همم": true,
}

// isNoiseTranscript returns true if the ASR output is likely background noise.
func isNoiseTranscript(text string) bool {
	// Asterisk-wrapped text like *crunching*, *static*
	if strings.HasPrefix(text, "*") && strings.HasSuffix(text, "*") {
		return true
	}
	// Bracket-wrapped like [noise], [inaudible]
	if strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]") {
		return true
	}
	// Parentheses-wrapped like (crunching)
	if strings.HasPrefix(text, "(") && strings.HasSuffix(text, ")") {
		return true
	}
	return noisePatterns[strings.ToLower(text)]
}

// CleanTranscript trims an ASR result and discards it (returning "") when
// the provider's no-speech probability exceeds the threshold or the text
// matches a known noise hallucination.
func CleanTranscript(r *ASRResult) string {
	text := strings.TrimSpace(r.Text)
	if text == "" {
		return ""
	}
	metrics.ASRNoSpeechProb.Observe(r.NoSpeechProb)
	if r.NoSpeechProb > defaultNoSpeechThreshold || isNoiseTranscript(text) {
		metrics.ASRNoiseFiltered.Inc()
		return ""
	}
	return text
}

// Transcribe sends float32 audio samples (16kHz mono) to the ASR server and
// returns the transcript.
func (c *ASRClient) Transcribe(ctx context.Context, samples []float32, language string) (*ASRResult, error) {
	start := time.Now()

	body, contentType, err := buildMultipartAudio(samples, language)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url+"/inference", body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("asr", "http").Inc()
		return nil, fmt.Errorf("asr request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		metrics.Errors.WithLabelValues("asr", "status").Inc()
		return nil, fmt.Errorf("asr status %d: %s", resp.StatusCode, string(respBody))
	}

	var asrResp asrResponse
	if err = json.NewDecoder(resp.Body).Decode(&asrResp); err != nil {
		return nil, fmt.Errorf("decode asr response: %w", err)
	}

	latency := time.Since(start)
	metrics.StageDuration.WithLabelValues("asr").Observe(latency.Seconds())

	return &ASRResult{
		Text:         asrResp.Text,
		Confidence:   asrResp.Confidence,
		Language:     language,
		LatencyMs:    float64(latency.Milliseconds()),
		NoSpeechProb: asrResp.NoSpeechProb,
	}, nil
}

type asrResponse struct {
	Text         string  `json:"text"`
	Confidence   float64 `json:"confidence"`
	NoSpeechProb float64 `json:"no_speech_prob"`
}

// StreamingTranscriber adapts a unary ASR backend to incremental feeding:
// audio chunks accumulate until at least minBuffer of speech is held, and
// the Feed that reaches it drains the buffer through one Transcribe call.
// Not safe for concurrent use; each call session owns its own instance.
type StreamingTranscriber struct {
	backend    ASR
	minSamples int
	buf        []float32
}

// NewStreamingTranscriber wraps backend with a minBuffer accumulation
// window at the given sample rate.
func NewStreamingTranscriber(backend ASR, minBuffer time.Duration, sampleRate int) *StreamingTranscriber {
	return &StreamingTranscriber{
		backend:    backend,
		minSamples: int(minBuffer.Seconds() * float64(sampleRate)),
	}
}

// Feed appends samples and, once the accumulated buffer reaches the
// minimum window, transcribes and drains it. Returns (nil, nil) while
// still accumulating.
func (s *StreamingTranscriber) Feed(ctx context.Context, samples []float32, language string) (*ASRResult, error) {
	s.buf = append(s.buf, samples...)
	if len(s.buf) < s.minSamples {
		return nil, nil
	}
	return s.Flush(ctx, language)
}

// Flush transcribes whatever is buffered, regardless of the minimum
// window, and resets the buffer. Returns (nil, nil) on an empty buffer.
func (s *StreamingTranscriber) Flush(ctx context.Context, language string) (*ASRResult, error) {
	if len(s.buf) == 0 {
		return nil, nil
	}
	pending := s.buf
	s.buf = nil
	return s.backend.Transcribe(ctx, pending, language)
}

// Buffered reports how many samples are currently accumulated.
func (s *StreamingTranscriber) Buffered() int {
	return len(s.buf)
}

func buildMultipartAudio(samples []float32, language string) (*bytes.Buffer, string, error) {
	wavData := audio.SamplesToWAV(samples, 16000)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}

	if _, err = part.Write(wavData); err != nil {
		return nil, "", fmt.Errorf("write wav data: %w", err)
	}

	if language != "" {
		if err := writer.WriteField("language", language); err != nil {
			return nil, "", fmt.Errorf("write language field: %w", err)
		}
	}

	if err = writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close writer: %w", err)
	}

	return &body, writer.FormDataContentType(), nil
}
