package playback

import (
	"sync"
	"time"

	"github.com/miravoice/mira/pkg/pcm"
)

// AssemblerOption configures an [Assembler].
type AssemblerOption func(*Assembler)

// WithIdleWindow overrides the quiescence period that seals a burst.
// Default: [DefaultIdleWindow].
func WithIdleWindow(d time.Duration) AssemblerOption {
	return func(a *Assembler) { a.idle = d }
}

// Assembler accumulates inbound audio chunks into bursts. Each Push resets
// the quiescence timer; when no chunk arrives for the idle window the
// accumulated audio is sealed into one [Burst] and delivered to the sink.
//
// The sink is invoked from a timer goroutine and must not block for long;
// [Player.Enqueue] satisfies that.
type Assembler struct {
	sink func(Burst)
	idle time.Duration

	mu     sync.Mutex
	buf    []byte
	rate   int
	timer  *time.Timer
	closed bool
}

// NewAssembler creates an Assembler delivering sealed bursts to sink.
func NewAssembler(sink func(Burst), opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		sink: sink,
		idle: DefaultIdleWindow,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Push appends one chunk to the burst under assembly. The sample rate is
// parsed from the chunk's MIME descriptor; the first chunk of a burst decides
// the burst's rate. Empty chunks still reset the quiescence timer.
func (a *Assembler) Push(data []byte, mimeType string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}

	if len(a.buf) == 0 {
		a.rate = pcm.ParseSampleRate(mimeType)
	}
	a.buf = append(a.buf, data...)

	if a.timer == nil {
		a.timer = time.AfterFunc(a.idle, a.seal)
	} else {
		a.timer.Reset(a.idle)
	}
}

// Flush discards the burst under assembly without delivering it.
func (a *Assembler) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.discardLocked()
}

// Close flushes and permanently stops the assembler.
func (a *Assembler) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.discardLocked()
	a.closed = true
}

func (a *Assembler) discardLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.buf = nil
	a.rate = 0
}

// seal fires on quiescence: the accumulated chunks become one burst.
func (a *Assembler) seal() {
	a.mu.Lock()
	if a.closed || len(a.buf) == 0 {
		a.mu.Unlock()
		return
	}
	burst := Burst{Data: a.buf, SampleRate: a.rate}
	a.buf = nil
	a.rate = 0
	a.timer = nil
	a.mu.Unlock()

	a.sink(burst)
}
