package audio

import "fmt"

type Codec string

const (
	CodecPCM      Codec = "pcm"
	CodecG711Ulaw Codec = "g711_ulaw"
	CodecG711Alaw Codec = "g711_alaw"
)

const (
	// CarrierSampleRate is the carrier's narrowband telephony rate (8 kHz).
	CarrierSampleRate = 8000
	// ProviderSampleRate is the rate ASR/LLM/TTS providers expect (16 kHz).
	ProviderSampleRate = 16000
	// ChunkMs is the pacing cadence for both inbound and outbound audio.
	ChunkMs = 20
	// CarrierChunkBytes is 20ms of mu-law 8kHz audio (one byte per sample).
	CarrierChunkBytes = CarrierSampleRate * ChunkMs / 1000
)

// EncodingError signals a codec contract violation: misaligned input or an
// unsupported format. Callers must drop the offending chunk and continue.
type EncodingError struct {
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("codec: %s", e.Reason)
}

// Decode converts encoded audio bytes to float32 PCM samples normalized to [-1, 1].
// Returns samples and the sample rate.
func Decode(data []byte, codec Codec, sampleRate int) ([]float32, int, error) {
	if codec == CodecPCM {
		return decodePCM(data), sampleRate, nil
	}

	if codec == CodecG711Ulaw {
		return decodeG711Ulaw(data), CarrierSampleRate, nil
	}

	if codec == CodecG711Alaw {
		return decodeG711Alaw(data), CarrierSampleRate, nil
	}

	return nil, 0, fmt.Errorf("unsupported codec: %s", codec)
}

// TelnyxToAI decodes carrier mu-law 8kHz audio and resamples it to PCM16 16kHz
// float32 samples, ready for VAD/ASR. Input must be a non-empty byte slice;
// each byte is one mu-law sample, so no alignment check is needed here.
func TelnyxToAI(ulaw8k []byte) ([]float32, error) {
	if len(ulaw8k) == 0 {
		return nil, &EncodingError{Reason: "empty mu-law input"}
	}
	samples := decodeG711Ulaw(ulaw8k)
	return Resample(samples, CarrierSampleRate, ProviderSampleRate), nil
}

// AIToTelnyx resamples PCM16 16kHz float32 samples to 8kHz and encodes them
// to carrier mu-law bytes.
func AIToTelnyx(pcm16k []float32) ([]byte, error) {
	if len(pcm16k) == 0 {
		return nil, &EncodingError{Reason: "empty pcm input"}
	}
	resampled := Resample(pcm16k, ProviderSampleRate, CarrierSampleRate)
	return encodeG711Ulaw(resampled), nil
}

// ChunkForPacing splits data into bytesPerChunk-sized slices for paced
// delivery (160 bytes mu-law = 20ms). The final slice may be shorter.
func ChunkForPacing(data []byte, bytesPerChunk int) [][]byte {
	if bytesPerChunk <= 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(data)+bytesPerChunk-1)/bytesPerChunk)
	for start := 0; start < len(data); start += bytesPerChunk {
		end := min(start+bytesPerChunk, len(data))
		chunks = append(chunks, data[start:end])
	}
	return chunks
}

// PCM16BytesToFloat32 decodes little-endian signed 16-bit PCM bytes to
// normalized float32 samples. Returns an EncodingError if data isn't
// sample-aligned (an even number of bytes).
func PCM16BytesToFloat32(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, &EncodingError{Reason: "pcm16 input not sample-aligned"}
	}
	return decodePCM(data), nil
}

// Float32ToPCM16Bytes encodes normalized float32 samples to little-endian
// signed 16-bit PCM bytes.
func Float32ToPCM16Bytes(samples []float32) []byte {
	wav := SamplesToWAV(samples, ProviderSampleRate)
	return wav[44:] // strip the 44-byte RIFF/WAVE header, keep raw PCM
}
