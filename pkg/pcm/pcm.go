// Package pcm implements lossless conversion between 16-bit PCM sample
// sequences and the transport encodings used by the Mira voice pipeline.
//
// All audio crossing the duplex connection travels as base64-encoded
// little-endian int16 mono PCM. The functions here are pure and stateless:
// encode/decode round-trip exactly, malformed descriptor strings fall back to
// documented defaults, and only DecodeFrame can fail, with a *DecodeError
// that callers must treat as a dropped frame, never a fatal pipeline error.
package pcm

import (
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	// DefaultCaptureRate is the sample rate in Hz for microphone capture.
	DefaultCaptureRate = 16000

	// DefaultPlaybackRate is the sample rate in Hz assumed for inbound audio
	// whose MIME descriptor is absent or malformed.
	DefaultPlaybackRate = 24000

	// encodeChunkSamples bounds the scratch buffer used by EncodeFrame so peak
	// allocation stays fixed regardless of frame size.
	encodeChunkSamples = 4096
)

// DecodeError reports a malformed base64 payload passed to DecodeFrame.
type DecodeError struct {
	Err error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("pcm: decode frame: %v", e.Err)
}

// Unwrap returns the underlying base64 error.
func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeFrame serialises samples to little-endian PCM bytes and returns the
// standard base64 encoding. The empty slice encodes to "". Samples are
// processed in bounded chunks of [encodeChunkSamples] so the scratch
// allocation does not grow with the frame.
func EncodeFrame(samples []int16) string {
	if len(samples) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.Grow(base64.StdEncoding.EncodedLen(len(samples) * 2))
	enc := base64.NewEncoder(base64.StdEncoding, &sb)

	scratch := make([]byte, 0, encodeChunkSamples*2)
	for len(samples) > 0 {
		n := min(len(samples), encodeChunkSamples)
		scratch = scratch[:0]
		for _, s := range samples[:n] {
			scratch = append(scratch, byte(s), byte(uint16(s)>>8))
		}
		enc.Write(scratch) // strings.Builder writes never fail
		samples = samples[n:]
	}
	enc.Close()
	return sb.String()
}

// DecodeFrame is the inverse of EncodeFrame. Invalid base64 input returns a
// *DecodeError; a dangling trailing byte (odd PCM length) is dropped. The
// empty string decodes to an empty slice.
func DecodeFrame(encoded string) ([]int16, error) {
	if encoded == "" {
		return []int16{}, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return BytesToSamples(raw), nil
}

// ParseSampleRate extracts the rate=<N> parameter from an audio MIME-style
// descriptor such as "audio/pcm;rate=24000". It returns DefaultPlaybackRate
// when the descriptor is empty, has no rate parameter, or the parameter is
// malformed or non-positive. It never fails.
func ParseSampleRate(desc string) int {
	for part := range strings.SplitSeq(desc, ";") {
		part = strings.TrimSpace(part)
		val, ok := strings.CutPrefix(part, "rate=")
		if !ok {
			continue
		}
		rate, err := strconv.Atoi(val)
		if err != nil || rate <= 0 {
			return DefaultPlaybackRate
		}
		return rate
	}
	return DefaultPlaybackRate
}

// RMS returns the root-mean-square amplitude of samples normalised to [0, 1]
// by the 16-bit range. The empty slice yields 0. Used as a voice-activity
// heuristic by the capture pipeline.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum/float64(len(samples))) / 32768.0
}

// SamplesToBytes converts int16 samples to little-endian PCM bytes.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

// BytesToSamples converts little-endian PCM bytes to int16 samples. A dangling
// trailing byte is ignored.
func BytesToSamples(raw []byte) []int16 {
	n := len(raw) / 2
	out := make([]int16, n)
	for i := range n {
		out[i] = int16(raw[i*2]) | int16(raw[i*2+1])<<8
	}
	return out
}

// SamplesToFloats converts int16 samples to float32 in [-1, 1].
func SamplesToFloats(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// FloatsToSamples converts float32 samples in [-1, 1] to int16, clamping
// out-of-range values.
func FloatsToSamples(floats []float32) []int16 {
	out := make([]int16, len(floats))
	for i, f := range floats {
		v := f * 32768.0
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}
