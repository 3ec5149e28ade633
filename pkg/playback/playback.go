// Package playback turns the remote service's audio chunk stream back into
// sound.
//
// Chunks arrive in quick succession while the remote model is generating and
// then stop. The [Assembler] groups them: every chunk resets a quiescence
// timer, and when the stream goes quiet for the idle window the accumulated
// chunks are sealed into one [Burst] and handed on. The [Player] drains
// bursts strictly in order, one at a time, writing each to the output
// [Device] to completion before starting the next. Playing whole bursts
// instead of individual chunks avoids the stutter of per-chunk device writes.
package playback

import (
	"fmt"
	"time"
)

const (
	// DefaultIdleWindow is the quiescence period after the last chunk that
	// seals the current burst.
	DefaultIdleWindow = 500 * time.Millisecond
)

// DeviceError reports a failure of the output device.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("playback: device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Burst is one contiguous stretch of model speech: the concatenated PCM bytes
// of every chunk that arrived before the stream went quiet, at the sample
// rate declared by the first chunk.
type Burst struct {
	Data       []byte
	SampleRate int
}

// Duration returns the playing time of the burst.
func (b Burst) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	samples := len(b.Data) / 2
	return time.Duration(samples) * time.Second / time.Duration(b.SampleRate)
}
