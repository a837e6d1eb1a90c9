package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testVADConfig() VADConfig {
	return VADConfig{
		SpeechThresholdDB:   -30,
		SilenceTimeout:      100 * time.Millisecond,
		MinSpeechDuration:   40 * time.Millisecond,
		PreSpeechBuffer:     20 * time.Millisecond,
		SampleRate:          16000,
		CalibrationDuration: 0,
		AdaptiveMarginDB:    10,
	}
}

func loudChunk(n int) []float32 {
	samples := make([]float32, n)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 0.8
		} else {
			samples[i] = -0.8
		}
	}
	return samples
}

func quietChunk(n int) []float32 {
	return make([]float32, n) // all zeros: silence
}

func TestDefaultVADConfigUtteranceEndSilence(t *testing.T) {
	cfg := DefaultVADConfig()
	require.Equal(t, 500*time.Millisecond, cfg.SilenceTimeout)
	require.Equal(t, 16000, cfg.SampleRate)
}

func TestVADEmitsSpeechStartThenContinue(t *testing.T) {
	v := NewVAD(testVADConfig())
	chunk := loudChunk(320) // 20ms at 16kHz

	r1 := v.Process(chunk)
	require.Equal(t, SpeechStart, r1.Event)

	r2 := v.Process(chunk)
	require.Equal(t, SpeechContinue, r2.Event)
}

func TestVADEmitsSilenceBeforeSpeech(t *testing.T) {
	v := NewVAD(testVADConfig())
	r := v.Process(quietChunk(320))
	require.Equal(t, Silence, r.Event)
}

func TestVADEmitsSpeechEndAfterSilenceTimeout(t *testing.T) {
	v := NewVAD(testVADConfig())

	// 3 loud chunks (60ms) satisfies MinSpeechDuration (40ms).
	for range 3 {
		v.Process(loudChunk(320))
	}

	// SilenceTimeout is 100ms = 5 chunks of 20ms.
	var last VADResult
	for range 5 {
		last = v.Process(quietChunk(320))
	}

	require.Equal(t, SpeechEnd, last.Event)
	require.NotEmpty(t, last.Audio)
}

func TestVADDiscardsUtteranceShorterThanMinDuration(t *testing.T) {
	v := NewVAD(testVADConfig())

	// One loud chunk only (20ms), below the 40ms MinSpeechDuration.
	v.Process(loudChunk(320))

	var last VADResult
	for range 5 {
		last = v.Process(quietChunk(320))
	}

	require.Equal(t, Silence, last.Event)
	require.Empty(t, last.Audio)
}

func TestVADResetClearsBufferedUtterance(t *testing.T) {
	v := NewVAD(testVADConfig())
	v.Process(loudChunk(320))
	v.Process(loudChunk(320))

	v.Reset()

	require.Empty(t, v.Flush())
}

func TestVADFlushReturnsBufferedAudio(t *testing.T) {
	v := NewVAD(testVADConfig())
	v.Process(loudChunk(320))
	v.Process(loudChunk(320))

	audio := v.Flush()
	require.NotEmpty(t, audio)
	require.Empty(t, v.Flush())
}

func TestVADAdaptiveCalibrationRaisesThreshold(t *testing.T) {
	cfg := testVADConfig()
	cfg.CalibrationDuration = 40 * time.Millisecond // 2 chunks
	cfg.AdaptiveMarginDB = 10
	v := NewVAD(cfg)

	// Moderate-noise calibration chunks (about -26dB) loud enough that
	// noiseFloor+10dB exceeds the static threshold of -30dB.
	noisy := make([]float32, 320)
	for i := range noisy {
		noisy[i] = 0.05
	}

	v.Process(noisy)
	v.Process(noisy)

	require.False(t, v.calibrating)
	require.Greater(t, v.threshold, cfg.SpeechThresholdDB)
}
