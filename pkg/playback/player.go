package playback

import (
	"context"
	"sync"

	"github.com/miravoice/mira/pkg/audio"
	"github.com/miravoice/mira/pkg/pcm"
)

// Device is a mono 16-bit output device with a fixed sample rate.
//
// Play blocks until the samples have been written to completion or ctx is
// cancelled. Implementations live in the portaudio and mock subpackages.
type Device interface {
	SampleRate() int
	Play(ctx context.Context, samples []int16) error
	Close() error
}

// Player drains bursts strictly in arrival order. A single worker goroutine
// pops the queue; each burst is converted to samples, resampled to the device
// rate when the burst arrived at a different one, and played to completion
// before the next burst starts. There is never more than one burst playing.
type Player struct {
	dev Device

	mu       sync.Mutex
	queue    []Burst
	cond     *sync.Cond
	playing  bool
	stopped  bool
	errCb    func(error)
	activeCb func(bool)
	failErr  error
	notified bool

	// cancelPlay aborts the burst currently being written to the device.
	cancelPlay context.CancelFunc

	stopOnce sync.Once
	done     chan struct{}
}

// NewPlayer creates a Player writing to dev. Call [Player.Start] to launch
// the drain worker.
func NewPlayer(dev Device) *Player {
	p := &Player{
		dev:  dev,
		done: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// OnError registers the callback invoked (at most once) when the device
// fails. Subsequent device errors are swallowed.
func (p *Player) OnError(cb func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errCb = cb
}

// OnActive registers a callback invoked with true when playback starts from
// idle and false when the queue drains and the last burst finishes.
func (p *Player) OnActive(cb func(bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeCb = cb
}

// Start launches the drain worker.
func (p *Player) Start() {
	go p.drain()
}

// Enqueue appends a burst to the playback queue. Bursts enqueued after Stop
// are discarded.
func (p *Player) Enqueue(b Burst) {
	if len(b.Data) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.queue = append(p.queue, b)
	p.cond.Signal()
}

// Playing reports whether a burst is currently being written to the device.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Flush clears the queue and aborts the burst in progress. The player stays
// running and accepts new bursts.
func (p *Player) Flush() {
	p.mu.Lock()
	p.queue = nil
	cancel := p.cancelPlay
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Stop flushes, halts the worker, and closes the device. Idempotent.
func (p *Player) Stop() error {
	var closeErr error
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.queue = nil
		cancel := p.cancelPlay
		p.cond.Signal()
		p.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		<-p.done
		closeErr = p.dev.Close()
	})
	return closeErr
}

// drain is the single playback worker.
func (p *Player) drain() {
	defer close(p.done)

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopped {
			// Queue empty and nothing playing: notify idleness.
			if p.playing {
				p.playing = false
				if cb := p.activeCb; cb != nil {
					p.mu.Unlock()
					cb(false)
					p.mu.Lock()
					continue
				}
			}
			p.cond.Wait()
		}
		if p.stopped {
			p.mu.Unlock()
			return
		}
		burst := p.queue[0]
		p.queue = p.queue[1:]

		wasIdle := !p.playing
		p.playing = true
		ctx, cancel := context.WithCancel(context.Background())
		p.cancelPlay = cancel
		cb := p.activeCb
		p.mu.Unlock()

		if wasIdle && cb != nil {
			cb(true)
		}

		err := p.playBurst(ctx, burst)
		cancel()

		p.mu.Lock()
		p.cancelPlay = nil
		p.mu.Unlock()

		if err != nil && ctx.Err() == nil {
			p.fail(&DeviceError{Op: "play", Err: err})
		}
	}
}

// playBurst resamples and writes one burst.
func (p *Player) playBurst(ctx context.Context, b Burst) error {
	data := b.Data
	if b.SampleRate != p.dev.SampleRate() {
		data = audio.ResampleMono16(data, b.SampleRate, p.dev.SampleRate())
	}
	samples := pcm.BytesToSamples(data)
	if len(samples) == 0 {
		return nil
	}
	return p.dev.Play(ctx, samples)
}

// fail delivers a device error upward exactly once.
func (p *Player) fail(err error) {
	p.mu.Lock()
	if p.failErr != nil {
		p.mu.Unlock()
		return
	}
	p.failErr = err
	cb := p.errCb
	deliver := cb != nil && !p.notified
	if deliver {
		p.notified = true
	}
	p.mu.Unlock()

	if deliver {
		cb(err)
	}
}

// Pipeline wires an [Assembler] straight into a [Player]: Push feeds chunks,
// sealed bursts are enqueued automatically.
type Pipeline struct {
	Assembler *Assembler
	Player    *Player
}

// NewPipeline builds the assembler-to-player chain and starts the player.
func NewPipeline(dev Device, opts ...AssemblerOption) *Pipeline {
	player := NewPlayer(dev)
	asm := NewAssembler(player.Enqueue, opts...)
	player.Start()
	return &Pipeline{Assembler: asm, Player: player}
}

// Push feeds one inbound chunk.
func (p *Pipeline) Push(data []byte, mimeType string) {
	p.Assembler.Push(data, mimeType)
}

// Flush discards the chunk accumulator, clears the queue, and aborts the
// burst in progress.
func (p *Pipeline) Flush() {
	p.Assembler.Flush()
	p.Player.Flush()
}

// Close flushes and shuts everything down. Idempotent.
func (p *Pipeline) Close() error {
	p.Assembler.Close()
	return p.Player.Stop()
}
