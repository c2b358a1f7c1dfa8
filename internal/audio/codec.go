package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

const (
	// CaptureSampleRate is the microphone rate the live session expects.
	CaptureSampleRate = 16000
	// PlaybackSampleRate is the rate of audio chunks the live session returns.
	PlaybackSampleRate = 24000
	// PlaybackChannels is the channel count of returned audio.
	PlaybackChannels = 1
	// WireFormat names the sample encoding used on every wire.
	WireFormat = "pcm_s16le"

	bytesPerSample = 2
)

// DecodeError reports a malformed wire or PCM payload.
type DecodeError struct {
	Op  string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("audio decode %s: %v", e.Op, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// PlaybackBuffer is decoded audio ready for scheduling. Samples holds one
// slice per channel, each in [-1, 1).
type PlaybackBuffer struct {
	Samples    [][]float32
	SampleRate int
	Channels   int
	Duration   time.Duration
}

// Frames returns the number of sample frames per channel.
func (b PlaybackBuffer) Frames() int {
	if len(b.Samples) == 0 {
		return 0
	}
	return len(b.Samples[0])
}

// NewPlaybackBuffer wraps per-channel samples and derives the duration.
func NewPlaybackBuffer(samples [][]float32, sampleRate int) PlaybackBuffer {
	buf := PlaybackBuffer{Samples: samples, SampleRate: sampleRate, Channels: len(samples)}
	if sampleRate > 0 && len(samples) > 0 {
		buf.Duration = framesToDuration(len(samples[0]), sampleRate)
	}
	return buf
}

// EncodePCM16 converts float samples to little-endian PCM16 and returns the
// base64 wire form. Each sample is scaled by 32768, rounded and clamped.
func EncodePCM16(samples []float32) string {
	return base64.StdEncoding.EncodeToString(PCM16Bytes(samples))
}

// PCM16Bytes is EncodePCM16 without the base64 step.
func PCM16Bytes(samples []float32) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(quantize(s)))
	}
	return out
}

func quantize(s float32) int16 {
	v := math.Round(float64(s) * 32768)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// DecodeWireAudio turns a base64 wire string into raw bytes.
func DecodeWireAudio(wire string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(wire)
	if err != nil {
		return nil, &DecodeError{Op: "base64", Err: err}
	}
	return raw, nil
}

// DecodeAudioPayload interprets raw bytes as interleaved little-endian PCM16
// with the given rate and channel count.
func DecodeAudioPayload(raw []byte, sampleRate, channels int) (PlaybackBuffer, error) {
	if sampleRate <= 0 {
		return PlaybackBuffer{}, &DecodeError{Op: "pcm16", Err: fmt.Errorf("invalid sample rate %d", sampleRate)}
	}
	if channels <= 0 {
		return PlaybackBuffer{}, &DecodeError{Op: "pcm16", Err: fmt.Errorf("invalid channel count %d", channels)}
	}
	frameBytes := channels * bytesPerSample
	if len(raw)%frameBytes != 0 {
		return PlaybackBuffer{}, &DecodeError{
			Op:  "pcm16",
			Err: fmt.Errorf("payload size %d not aligned to %d-byte frames", len(raw), frameBytes),
		}
	}

	frames := len(raw) / frameBytes
	samples := make([][]float32, channels)
	for c := range samples {
		samples[c] = make([]float32, frames)
	}
	for f := 0; f < frames; f++ {
		for c := 0; c < channels; c++ {
			off := f*frameBytes + c*bytesPerSample
			samples[c][f] = float32(int16(binary.LittleEndian.Uint16(raw[off:]))) / 32768
		}
	}
	return NewPlaybackBuffer(samples, sampleRate), nil
}

// DecodeWirePlayback decodes a base64 wire chunk at the playback format.
func DecodeWirePlayback(wire string) (PlaybackBuffer, error) {
	raw, err := DecodeWireAudio(wire)
	if err != nil {
		return PlaybackBuffer{}, err
	}
	return DecodeAudioPayload(raw, PlaybackSampleRate, PlaybackChannels)
}

func framesToDuration(frames, sampleRate int) time.Duration {
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}
