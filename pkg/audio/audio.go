// Package audio defines the shared audio frame type and the PCM helpers used
// by the Mira capture and playback pipelines: mono resampling, stereo
// downmixing, and WAV container encode/decode for test clips.
package audio

// Frame is a fixed-format chunk of single-channel PCM audio flowing through
// the pipeline. Frames are immutable once created: produced by the capture
// pipeline or by the transport session on receipt, and consumed exactly once
// by the transport session (send) or the playback pipeline (render).
type Frame struct {
	// Data is little-endian int16 mono PCM.
	Data []byte

	// SampleRate in Hz: 16000 for capture, the negotiated rate (commonly
	// 24000) for playback.
	SampleRate int

	// Seq is the monotonic sequence position assigned at capture time.
	Seq uint64
}
