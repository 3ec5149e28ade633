// Package mock provides an in-memory [playback.Device] for tests: played
// samples are recorded instead of reaching hardware.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/miravoice/mira/pkg/pcm"
	"github.com/miravoice/mira/pkg/playback"
)

// Compile-time assertion that Device satisfies the playback interface.
var _ playback.Device = (*Device)(nil)

// Device is a scripted output device.
type Device struct {
	// Rate is the reported sample rate. Zero means [pcm.DefaultPlaybackRate].
	Rate int

	// PlayErr, when non-nil, is returned by every Play call.
	PlayErr error

	// PlayDelay makes each Play block for the given duration (respecting ctx
	// cancellation) before returning, simulating real playback time.
	PlayDelay time.Duration

	mu         sync.Mutex
	played     [][]int16
	concurrent int
	maxConc    int
	closeCnt   int
}

// SampleRate implements [playback.Device].
func (d *Device) SampleRate() int {
	if d.Rate != 0 {
		return d.Rate
	}
	return pcm.DefaultPlaybackRate
}

// Play implements [playback.Device]. The samples are copied and recorded.
func (d *Device) Play(ctx context.Context, samples []int16) error {
	d.mu.Lock()
	d.concurrent++
	if d.concurrent > d.maxConc {
		d.maxConc = d.concurrent
	}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.concurrent--
		d.mu.Unlock()
	}()

	if d.PlayDelay > 0 {
		select {
		case <-time.After(d.PlayDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.PlayErr != nil {
		return d.PlayErr
	}

	cp := make([]int16, len(samples))
	copy(cp, samples)
	d.mu.Lock()
	d.played = append(d.played, cp)
	d.mu.Unlock()
	return nil
}

// Close implements [playback.Device].
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeCnt++
	return nil
}

// Played returns the recorded bursts in playback order.
func (d *Device) Played() [][]int16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]int16, len(d.played))
	copy(out, d.played)
	return out
}

// MaxConcurrent returns the highest number of simultaneous Play calls seen.
func (d *Device) MaxConcurrent() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxConc
}

// CloseCalls returns how many times Close has been invoked.
func (d *Device) CloseCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeCnt
}
