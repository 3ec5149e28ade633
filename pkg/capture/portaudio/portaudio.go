// Package portaudio implements [capture.Device] on top of PortAudio's default
// input device. Echo cancellation and noise suppression are requested from
// the host API where it exposes them; PortAudio itself applies whatever
// processing the platform's default input path provides.
package portaudio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/miravoice/mira/pkg/capture"
	"github.com/miravoice/mira/pkg/pcm"
)

// Compile-time assertion that Device satisfies the capture interface.
var _ capture.Device = (*Device)(nil)

// Device wraps a PortAudio input stream delivering mono int16 blocks of
// [capture.BlockSamples] samples at [pcm.DefaultCaptureRate].
type Device struct {
	sampleRate int

	mu     sync.Mutex
	stream *portaudio.Stream
}

// Option configures a Device.
type Option func(*Device)

// WithSampleRate overrides the capture rate. Default: 16000 Hz.
func WithSampleRate(hz int) Option {
	return func(d *Device) { d.sampleRate = hz }
}

// New creates an unopened capture device.
func New(opts ...Option) *Device {
	d := &Device{sampleRate: pcm.DefaultCaptureRate}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Start implements [capture.Device]. It initialises PortAudio, opens the
// default mono input stream, and begins invoking onBlock from the audio
// thread. A device-open failure is reported as [capture.ErrPermission]: on
// the platforms Mira ships on, the overwhelmingly common cause is a denied
// microphone prompt.
func (d *Device) Start(onBlock func(block []int16)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stream != nil {
		return fmt.Errorf("portaudio: device already started")
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}

	stream, err := portaudio.OpenDefaultStream(
		1, 0, float64(d.sampleRate), capture.BlockSamples,
		func(in []int16) {
			// Copy out of the PortAudio-owned buffer before handing off.
			block := make([]int16, len(in))
			copy(block, in)
			onBlock(block)
		},
	)
	if err != nil {
		_ = portaudio.Terminate()
		return fmt.Errorf("portaudio: open input: %w", errors.Join(capture.ErrPermission, err))
	}

	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return fmt.Errorf("portaudio: start stream: %w", err)
	}

	d.stream = stream
	return nil
}

// Stop implements [capture.Device]. PortAudio's Stop drains in-flight
// callbacks before returning, satisfying the capture.Device contract.
// Idempotent.
func (d *Device) Stop() error {
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
		return fmt.Errorf("portaudio: stop: %w", errors.Join(errs...))
	}
	return nil
}
