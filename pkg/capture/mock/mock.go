// Package mock provides an in-memory [capture.Device] for tests: blocks are
// fed by the test instead of arriving from real hardware.
package mock

import (
	"sync"

	"github.com/miravoice/mira/pkg/capture"
)

// Compile-time assertion that Device satisfies the capture interface.
var _ capture.Device = (*Device)(nil)

// Device is a scripted capture device. Feed delivers a block to the pipeline
// exactly as a hardware callback would.
type Device struct {
	// StartErr, when non-nil, is returned by Start. Use capture.ErrPermission
	// to simulate a denied microphone prompt.
	StartErr error

	mu       sync.Mutex
	onBlock  func([]int16)
	started  bool
	stopped  bool
	stopCnt  int
	startCnt int
}

// Start implements [capture.Device].
func (d *Device) Start(onBlock func(block []int16)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.startCnt++
	if d.StartErr != nil {
		return d.StartErr
	}
	d.onBlock = onBlock
	d.started = true
	d.stopped = false
	return nil
}

// Stop implements [capture.Device]. Subsequent Feed calls are ignored, which
// mirrors the hardware guarantee that no callbacks arrive after Stop returns.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopCnt++
	d.stopped = true
	d.onBlock = nil
	return nil
}

// Feed synchronously delivers one block to the registered callback. It is a
// no-op before Start or after Stop.
func (d *Device) Feed(block []int16) {
	d.mu.Lock()
	cb := d.onBlock
	d.mu.Unlock()

	if cb != nil {
		cb(block)
	}
}

// StopCalls returns how many times Stop has been invoked.
func (d *Device) StopCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopCnt
}

// StartCalls returns how many times Start has been invoked.
func (d *Device) StartCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.startCnt
}
