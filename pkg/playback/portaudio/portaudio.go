// Package portaudio implements [playback.Device] on top of PortAudio's
// default output device.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/miravoice/mira/pkg/pcm"
	"github.com/miravoice/mira/pkg/playback"
)

// Compile-time assertion that Device satisfies the playback interface.
var _ playback.Device = (*Device)(nil)

// writeChunk is the number of samples written to the stream per blocking
// write. Small enough that a cancelled context aborts playback promptly.
const writeChunk = 1024

// Device wraps a PortAudio mono output stream.
type Device struct {
	sampleRate int

	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
}

// Option configures a Device.
type Option func(*Device)

// WithSampleRate overrides the output rate. Default: 24000 Hz.
func WithSampleRate(hz int) Option {
	return func(d *Device) { d.sampleRate = hz }
}

// Open initialises PortAudio and opens the default mono output stream.
func Open(opts ...Option) (*Device, error) {
	d := &Device{sampleRate: pcm.DefaultPlaybackRate}
	for _, o := range opts {
		o(d)
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, &playback.DeviceError{Op: "initialize", Err: err}
	}

	d.buf = make([]int16, writeChunk)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(d.sampleRate), writeChunk, &d.buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, &playback.DeviceError{Op: "open output", Err: err}
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, &playback.DeviceError{Op: "start stream", Err: err}
	}

	d.stream = stream
	return d, nil
}

// SampleRate implements [playback.Device].
func (d *Device) SampleRate() int { return d.sampleRate }

// Play implements [playback.Device]. Samples are written in fixed chunks; a
// cancelled context stops at the next chunk boundary. The trailing partial
// chunk is zero-padded so the stream never plays stale buffer contents.
func (d *Device) Play(ctx context.Context, samples []int16) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stream == nil {
		return &playback.DeviceError{Op: "play", Err: errors.New("device closed")}
	}

	for off := 0; off < len(samples); off += writeChunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(off+writeChunk, len(samples))
		n := copy(d.buf, samples[off:end])
		for i := n; i < writeChunk; i++ {
			d.buf[i] = 0
		}
		if err := d.stream.Write(); err != nil {
			return &playback.DeviceError{Op: "write", Err: err}
		}
	}
	return nil
}

// Close implements [playback.Device]. Idempotent.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stream == nil {
		return nil
	}

	var errs []error
	if err := d.stream.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := d.stream.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := portaudio.Terminate(); err != nil {
		errs = append(errs, err)
	}
	d.stream = nil

	if len(errs) > 0 {
		return fmt.Errorf("portaudio: close: %w", errors.Join(errs...))
	}
	return nil
}
