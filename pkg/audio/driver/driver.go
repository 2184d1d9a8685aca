// ABOUTME: Audio driver interface definition
// ABOUTME: Common interface for pull-model playback backends
package driver

import (
	"errors"

	"github.com/Resonate-Protocol/audiocore/pkg/audio"
)

var (
	// ErrUnknownDriver is returned by New for unregistered names
	ErrUnknownDriver = errors.New("unknown audio driver")
	// ErrAlreadyOpen is returned when Open is called twice without Close
	ErrAlreadyOpen = errors.New("audio driver already open")
)

// Callback fills out with frames interleaved samples. It runs on the
// backend's audio thread and must not block or allocate.
type Callback func(out []float32, frames int)

// Spec describes the stream a driver should open
type Spec struct {
	Format audio.Format
	// BufferFrames is the requested device period/buffer size
	BufferFrames int
	// AppName is reported to sound servers that show stream owners
	AppName string
}

// Driver represents a platform audio output
type Driver interface {
	// Name returns the registry name of the backend
	Name() string

	// Open starts the device stream and begins invoking cb
	Open(spec Spec, cb Callback) error

	// Close stops the stream and releases device resources
	Close() error
}

// Servicer is implemented by drivers that have no device thread of their own
// and must be pumped from the audio thread once per cycle.
type Servicer interface {
	Service()
}
