// Package capture turns a live microphone stream into a sequence of outbound
// PCM audio frames.
//
// The central type is [Pipeline]: it runs a [Device] that delivers fixed-size
// int16 blocks from the audio hardware, applies a silence gate, and emits
// accepted blocks as [audio.Frame] values on a buffered channel. The device
// callback is never blocked: if the consumer falls behind, frames are dropped
// rather than stalling the real-time audio thread.
//
// Device implementations live in subpackages (capture/portaudio for real
// hardware, capture/mock for tests).
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/miravoice/mira/pkg/audio"
	"github.com/miravoice/mira/pkg/pcm"
)

// ErrPermission indicates the platform denied access to the microphone.
// Device implementations return it (possibly wrapped) from Start.
var ErrPermission = errors.New("capture: microphone permission denied")

const (
	// BlockSamples is the fixed number of samples per device callback. This
	// matches the native render quantum of the audio stack.
	BlockSamples = 128

	// SilenceThreshold is the absolute PCM amplitude below which an entire
	// block is considered silent and dropped. 500 of 32768 (~1.5%) is a
	// deliberate simplification rather than a true voice-activity detector:
	// it clips extremely quiet speech in exchange for not transmitting dead
	// air. See [pcm.RMS] for the hook an adaptive gate would use.
	SilenceThreshold = 500

	// defaultFrameBuffer is the depth of the outbound frame channel.
	defaultFrameBuffer = 64
)

// Device abstracts a mono microphone input stream. Start begins delivering
// fixed-size sample blocks to the supplied callback from the platform's audio
// thread; the callback must not block. Stop releases the device and is
// idempotent; it must not return until no further callbacks will be delivered.
type Device interface {
	Start(onBlock func(block []int16)) error
	Stop() error
}

// Option is a functional option for configuring a Pipeline.
type Option func(*Pipeline)

// WithSampleRate overrides the capture sample rate recorded on emitted frames.
// The default is [pcm.DefaultCaptureRate].
func WithSampleRate(hz int) Option {
	return func(p *Pipeline) { p.sampleRate = hz }
}

// WithSilenceThreshold overrides the silence gate threshold. Zero disables
// the gate entirely.
func WithSilenceThreshold(v int16) Option {
	return func(p *Pipeline) { p.threshold = v }
}

// WithFrameBuffer sets the outbound channel depth. Larger buffers tolerate a
// slower consumer at the cost of latency.
func WithFrameBuffer(n int) Option {
	return func(p *Pipeline) { p.frameBuf = n }
}

// Pipeline acquires a microphone device and emits gated PCM frames.
// Safe for concurrent use; Stop may be called from any goroutine and state.
type Pipeline struct {
	device     Device
	sampleRate int
	threshold  int16
	frameBuf   int

	out chan audio.Frame
	seq atomic.Uint64

	// dropped counts frames discarded because the consumer was too slow.
	dropped atomic.Uint64

	mu      sync.Mutex
	started bool

	stopOnce sync.Once
}

// New creates a Pipeline reading from device. The pipeline does not touch the
// device until [Pipeline.Start].
func New(device Device, opts ...Option) *Pipeline {
	p := &Pipeline{
		device:     device,
		sampleRate: pcm.DefaultCaptureRate,
		threshold:  SilenceThreshold,
		frameBuf:   defaultFrameBuffer,
	}
	for _, o := range opts {
		o(p)
	}
	p.out = make(chan audio.Frame, p.frameBuf)
	return p
}

// Start opens the device and begins emitting frames. Returns ErrPermission
// (wrapped) if the platform denies microphone access, or an error if the
// pipeline was already started or stopped.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("capture: pipeline already started")
	}
	if err := p.device.Start(p.handleBlock); err != nil {
		return fmt.Errorf("capture: start device: %w", err)
	}
	p.started = true
	return nil
}

// Frames returns the channel on which accepted frames arrive. The channel is
// closed by [Pipeline.Stop].
func (p *Pipeline) Frames() <-chan audio.Frame { return p.out }

// Dropped reports how many frames have been discarded because the outbound
// channel was full.
func (p *Pipeline) Dropped() uint64 { return p.dropped.Load() }

// Stop disconnects the frame callback, releases the device, and closes the
// frame channel. Idempotent and safe to call from any state, including before
// Start.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		started := p.started
		p.started = false
		p.mu.Unlock()

		if started {
			if err := p.device.Stop(); err != nil {
				slog.Warn("capture device stop error", "err", err)
			}
		}
		close(p.out)
	})
}

// handleBlock runs on the device's audio thread for every captured block.
// It must never block: frames are enqueued with a non-blocking send and
// dropped when the consumer is behind.
func (p *Pipeline) handleBlock(block []int16) {
	if p.silent(block) {
		return
	}

	frame := audio.Frame{
		Data:       pcm.SamplesToBytes(block),
		SampleRate: p.sampleRate,
		Seq:        p.seq.Add(1),
	}

	// The Device contract guarantees no callbacks after Stop returns, so the
	// channel cannot be closed underneath this send.
	select {
	case p.out <- frame:
	default:
		p.dropped.Add(1)
	}
}

// silent reports whether every sample's absolute value is below the gate
// threshold. A single sample at or above the threshold lets the whole block
// through.
func (p *Pipeline) silent(block []int16) bool {
	if p.threshold == 0 {
		return false
	}
	for _, s := range block {
		if s >= p.threshold || s <= -p.threshold {
			return false
		}
	}
	return true
}
