package audio

import (
	"math"
	"time"
)

// VADConfig controls voice activity detection behavior.
type VADConfig struct {
	SpeechThresholdDB   float64
	SilenceTimeout      time.Duration
	MinSpeechDuration   time.Duration
	PreSpeechBuffer     time.Duration
	SampleRate          int
	CalibrationDuration time.Duration // noise floor calibration window (0 = disabled)
	AdaptiveMarginDB    float64       // dB above noise floor for speech threshold
}

// DefaultVADConfig returns sensible defaults for call center audio.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		SpeechThresholdDB:   -30,
		SilenceTimeout:      500 * time.Millisecond,
		MinSpeechDuration:   500 * time.Millisecond,
		PreSpeechBuffer:     300 * time.Millisecond,
		SampleRate:          16000,
		CalibrationDuration: 500 * time.Millisecond,
		AdaptiveMarginDB:    10,
	}
}

// Event is one of the four VAD states emitted per processed chunk.
type Event string

const (
	// SpeechStart fires on the chunk where energy first crosses the threshold
	// after a period of silence.
	SpeechStart Event = "speech_start"
	// SpeechContinue fires on every subsequent chunk while still speaking.
	SpeechContinue Event = "speech_continue"
	// SpeechEnd fires once, on the chunk where sustained silence closes out
	// an utterance that met MinSpeechDuration. Audio carries the full utterance.
	SpeechEnd Event = "speech_end"
	// Silence fires for chunks outside any utterance (before speech starts,
	// or after a too-short utterance was discarded).
	Silence Event = "silence"
)

// VAD implements energy-based voice activity detection as an explicit state
// machine, with optional adaptive threshold calibration during the first N
// milliseconds of audio.
type VAD struct {
	cfg       VADConfig
	threshold float64

	isSpeaking     bool
	speechSamples  int
	silenceSamples int

	buffer       []float32
	preSpeech    []float32
	preSpeechLen int

	silenceTimeoutSamples int
	minSpeechSamples      int

	// adaptive calibration
	calibrating         bool
	calibrationSamples  int
	calibrationReadings []float64
}

// NewVAD creates a VAD with the given config.
func NewVAD(cfg VADConfig) *VAD {
	preSpeechSamples := int(cfg.PreSpeechBuffer.Seconds() * float64(cfg.SampleRate))
	return &VAD{
		cfg:                   cfg,
		threshold:             cfg.SpeechThresholdDB,
		preSpeechLen:          preSpeechSamples,
		preSpeech:             make([]float32, 0, preSpeechSamples),
		silenceTimeoutSamples: int(cfg.SilenceTimeout.Seconds() * float64(cfg.SampleRate)),
		minSpeechSamples:      int(cfg.MinSpeechDuration.Seconds() * float64(cfg.SampleRate)),
		calibrating:           cfg.CalibrationDuration > 0,
	}
}

// VADResult holds the output of processing an audio chunk: which of the four
// states the chunk resolved to, and (only on SpeechEnd) the full utterance.
type VADResult struct {
	Event Event
	Audio []float32
}

// Process feeds one audio chunk into the VAD and returns exactly one event.
// Every chunk resolves to precisely one of SpeechStart/SpeechContinue/
// SpeechEnd/Silence; no event is derived by recomputing a transient condition
// after the fact.
func (v *VAD) Process(samples []float32) VADResult {
	energyDB := computeEnergyDB(samples)

	if v.calibrating {
		v.calibrate(energyDB, len(samples))
	}

	above := energyDB >= v.threshold

	if above {
		return v.onAboveThreshold(samples)
	}
	return v.onBelowThreshold(samples)
}

// calibrate collects energy readings during the calibration window, then
// computes the noise floor and sets the adaptive speech threshold.
func (v *VAD) calibrate(energyDB float64, chunkLen int) {
	v.calibrationReadings = append(v.calibrationReadings, energyDB)
	v.calibrationSamples += chunkLen

	windowSamples := int(v.cfg.CalibrationDuration.Seconds() * float64(v.cfg.SampleRate))
	if v.calibrationSamples < windowSamples {
		return
	}

	var sum float64
	for _, e := range v.calibrationReadings {
		sum += e
	}
	noiseFloor := sum / float64(len(v.calibrationReadings))

	adaptive := noiseFloor + v.cfg.AdaptiveMarginDB
	// Only adopt if it's stricter (higher) than the static default.
	if adaptive > v.cfg.SpeechThresholdDB {
		v.threshold = adaptive
	}

	v.calibrating = false
	v.calibrationReadings = nil
}

func (v *VAD) onAboveThreshold(samples []float32) VADResult {
	v.silenceSamples = 0

	if !v.isSpeaking {
		v.isSpeaking = true
		v.speechSamples = 0
		v.buffer = append(v.buffer[:0], v.preSpeech...)
		v.preSpeech = v.preSpeech[:0]
		v.buffer = append(v.buffer, samples...)
		v.speechSamples += len(samples)
		return VADResult{Event: SpeechStart}
	}

	v.buffer = append(v.buffer, samples...)
	v.speechSamples += len(samples)
	return VADResult{Event: SpeechContinue}
}

func (v *VAD) onBelowThreshold(samples []float32) VADResult {
	if !v.isSpeaking {
		v.updatePreSpeech(samples)
		return VADResult{Event: Silence}
	}

	v.buffer = append(v.buffer, samples...)
	v.silenceSamples += len(samples)

	if v.silenceSamples < v.silenceTimeoutSamples {
		return VADResult{Event: SpeechContinue}
	}

	v.isSpeaking = false
	v.silenceSamples = 0

	if v.speechSamples < v.minSpeechSamples {
		v.buffer = nil
		v.speechSamples = 0
		return VADResult{Event: Silence}
	}

	audio := v.buffer
	v.buffer = nil
	v.speechSamples = 0
	return VADResult{Event: SpeechEnd, Audio: audio}
}

func (v *VAD) updatePreSpeech(samples []float32) {
	v.preSpeech = append(v.preSpeech, samples...)
	if len(v.preSpeech) > v.preSpeechLen {
		excess := len(v.preSpeech) - v.preSpeechLen
		v.preSpeech = v.preSpeech[excess:]
	}
}

// Reset clears all speech/silence state, discarding any buffered utterance
// and pre-speech audio.
func (v *VAD) Reset() {
	v.isSpeaking = false
	v.speechSamples = 0
	v.silenceSamples = 0
	v.buffer = nil
	v.preSpeech = v.preSpeech[:0]
}

// Flush returns any buffered speech audio and resets the VAD; it returns
// nil, leaving the state as it is, when nothing is buffered.
func (v *VAD) Flush() []float32 {
	if len(v.buffer) == 0 {
		return nil
	}
	audio := v.buffer
	v.Reset()
	return audio
}

func computeEnergyDB(samples []float32) float64 {
	if len(samples) == 0 {
		return -100
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms < 1e-10 {
		return -100
	}
	return 20 * math.Log10(rms)
}
