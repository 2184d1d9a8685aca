// ABOUTME: Lock-free single-producer single-consumer frame buffer
// ABOUTME: Engine writes rendered frames, the driver callback reads them with zero-fill on underrun
package audio

import (
	"sync/atomic"
)

// RingBuffer holds interleaved float32 frames between the engine and the driver.
//
// Write may only be called from the audio thread and Read only from the driver
// callback. Both cursors are free-running frame counts; each one is stored only
// by its owner, so written-read never exceeds the capacity.
type RingBuffer struct {
	data     []float32
	frames   uint64
	channels int

	written atomic.Uint64
	read    atomic.Uint64

	underruns    atomic.Uint64
	missedFrames atomic.Uint64
}

// NewRingBuffer creates a buffer holding capacity frames of the given width
func NewRingBuffer(capacity, channels int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	if channels < 1 {
		channels = 1
	}
	return &RingBuffer{
		data:     make([]float32, capacity*channels),
		frames:   uint64(capacity),
		channels: channels,
	}
}

// Write appends up to len(frames)/Channels() frames and returns how many were
// accepted. A short count means the buffer was full.
func (rb *RingBuffer) Write(frames []float32) int {
	want := uint64(len(frames) / rb.channels)
	w := rb.written.Load()
	r := rb.read.Load()

	free := rb.frames - (w - r)
	n := want
	if n > free {
		n = free
	}
	if n == 0 {
		return 0
	}

	ch := uint64(rb.channels)
	start := w % rb.frames
	first := n
	if start+first > rb.frames {
		first = rb.frames - start
	}
	copy(rb.data[start*ch:(start+first)*ch], frames[:first*ch])
	if rest := n - first; rest > 0 {
		copy(rb.data[:rest*ch], frames[first*ch:n*ch])
	}

	rb.written.Store(w + n)
	return int(n)
}

// Read fills out with up to len(out)/Channels() frames. Any shortfall is
// zero-filled and counted as an underrun. It returns the number of frames that
// came from the buffer and never blocks.
func (rb *RingBuffer) Read(out []float32) int {
	want := uint64(len(out) / rb.channels)
	r := rb.read.Load()
	w := rb.written.Load()

	avail := w - r
	n := want
	if n > avail {
		n = avail
	}

	ch := uint64(rb.channels)
	if n > 0 {
		start := r % rb.frames
		first := n
		if start+first > rb.frames {
			first = rb.frames - start
		}
		copy(out[:first*ch], rb.data[start*ch:(start+first)*ch])
		if rest := n - first; rest > 0 {
			copy(out[first*ch:n*ch], rb.data[:rest*ch])
		}
		rb.read.Store(r + n)
	}

	if n < want {
		clear(out[n*ch:])
		rb.underruns.Add(1)
		rb.missedFrames.Add(want - n)
	}
	// Trailing partial frame, if any
	clear(out[want*ch:])

	return int(n)
}

// ReadFrames reads up to maxFrames frames into a new slice of exactly
// maxFrames frames. It allocates; use Read on the real-time path.
func (rb *RingBuffer) ReadFrames(maxFrames int) []float32 {
	if maxFrames <= 0 {
		return nil
	}
	out := make([]float32, maxFrames*rb.channels)
	rb.Read(out)
	return out
}

// Available returns the number of frames ready to read
func (rb *RingBuffer) Available() int {
	return int(rb.written.Load() - rb.read.Load())
}

// Free returns the number of frames that can be written without loss
func (rb *RingBuffer) Free() int {
	return int(rb.frames) - rb.Available()
}

// Capacity returns the fixed size in frames
func (rb *RingBuffer) Capacity() int {
	return int(rb.frames)
}

// Channels returns the samples per frame
func (rb *RingBuffer) Channels() int {
	return rb.channels
}

// TotalWritten returns the frames ever accepted by Write
func (rb *RingBuffer) TotalWritten() uint64 {
	return rb.written.Load()
}

// TotalRead returns the frames ever handed out by Read
func (rb *RingBuffer) TotalRead() uint64 {
	return rb.read.Load()
}

// Underruns returns how many reads came up short
func (rb *RingBuffer) Underruns() uint64 {
	return rb.underruns.Load()
}

// MissedFrames returns the total frames substituted with silence
func (rb *RingBuffer) MissedFrames() uint64 {
	return rb.missedFrames.Load()
}

// Reset discards buffered frames and counters. The driver must not be reading.
func (rb *RingBuffer) Reset() {
	rb.read.Store(0)
	rb.written.Store(0)
	rb.underruns.Store(0)
	rb.missedFrames.Store(0)
}
