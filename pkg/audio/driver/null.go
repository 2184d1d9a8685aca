// ABOUTME: Headless audio driver with no device
// ABOUTME: Pulls frames at the configured rate whenever the audio thread services it
package driver

import (
	"sync/atomic"
	"time"
)

func init() {
	Register("null", func() Driver { return NewNull() })
}

// Null consumes frames at real-time rate without producing sound. It is
// serviced from the audio thread, so its callback runs there.
type Null struct {
	now func() time.Time

	spec    Spec
	cb      Callback
	scratch []float32
	last    time.Time
	owed    float64
	open    bool

	pulled atomic.Uint64
	closes atomic.Uint64
}

// NullOption configures a Null driver
type NullOption func(*Null)

// WithNullClock replaces time.Now
func WithNullClock(now func() time.Time) NullOption {
	return func(n *Null) {
		n.now = now
	}
}

// NewNull creates a headless driver
func NewNull(opts ...NullOption) *Null {
	n := &Null{now: time.Now}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Name returns "null"
func (n *Null) Name() string {
	return "null"
}

// Open records the callback and preallocates one period of scratch
func (n *Null) Open(spec Spec, cb Callback) error {
	if n.open {
		return ErrAlreadyOpen
	}
	if err := spec.Format.Validate(); err != nil {
		return err
	}
	period := spec.BufferFrames
	if period <= 0 {
		period = 256
	}

	n.spec = spec
	n.cb = cb
	n.scratch = make([]float32, period*spec.Format.Channels)
	n.last = n.now()
	n.owed = 0
	n.open = true

	log.Infof("Null driver opened: %s, period %d frames", spec.Format, period)
	return nil
}

// Service pulls the frames that became due since the last call, one period
// at a time.
func (n *Null) Service() {
	if !n.open {
		return
	}

	now := n.now()
	elapsed := now.Sub(n.last)
	n.last = now
	if elapsed <= 0 {
		return
	}

	n.owed += elapsed.Seconds() * float64(n.spec.Format.SampleRate)
	n.Pull(int(n.owed))
}

// Pull invokes the callback for exactly frames frames
func (n *Null) Pull(frames int) {
	if !n.open || frames <= 0 {
		return
	}

	ch := n.spec.Format.Channels
	period := len(n.scratch) / ch
	for frames > 0 {
		chunk := frames
		if chunk > period {
			chunk = period
		}
		n.cb(n.scratch[:chunk*ch], chunk)
		frames -= chunk
		n.owed -= float64(chunk)
		n.pulled.Add(uint64(chunk))
	}
	if n.owed < 0 {
		n.owed = 0
	}
}

// Pulled returns the total frames consumed
func (n *Null) Pulled() uint64 {
	return n.pulled.Load()
}

// Closes returns how many times Close released an open stream
func (n *Null) Closes() uint64 {
	return n.closes.Load()
}

// Close stops pulling
func (n *Null) Close() error {
	if !n.open {
		return nil
	}
	n.open = false
	n.cb = nil
	n.closes.Add(1)
	log.Debugf("Null driver closed after %d frames", n.pulled.Load())
	return nil
}
