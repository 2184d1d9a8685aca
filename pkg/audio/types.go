// ABOUTME: Audio type definitions
// ABOUTME: Defines the fixed engine sample format and frame/duration helpers
package audio

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultSampleRate is the engine rate when none is configured
	DefaultSampleRate = 48000
	// DefaultChannels is stereo
	DefaultChannels = 2
	// MaxChannels bounds the interleaved frame width
	MaxChannels = 2
)

// ErrInvalidFormat is returned for formats the engine cannot render
var ErrInvalidFormat = errors.New("invalid audio format")

// Format describes the interleaved float32 stream shared by engine and driver
type Format struct {
	SampleRate int
	Channels   int
}

// DefaultFormat returns 48kHz stereo
func DefaultFormat() Format {
	return Format{SampleRate: DefaultSampleRate, Channels: DefaultChannels}
}

// Validate checks that the format is renderable
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %d", ErrInvalidFormat, f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > MaxChannels {
		return fmt.Errorf("%w: %d channels (supported: 1-%d)", ErrInvalidFormat, f.Channels, MaxChannels)
	}
	return nil
}

// Frames converts a duration to a frame count, rounding down
func (f Format) Frames(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(d * time.Duration(f.SampleRate) / time.Second)
}

// Duration converts a frame count to wall time
func (f Format) Duration(frames int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// String renders the format for logs
func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/f32", f.SampleRate, f.Channels)
}

// ClampSample limits a float sample to [-1, 1]
func ClampSample(s float32) float32 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}

// SampleToInt16 converts a float sample to signed 16-bit
func SampleToInt16(s float32) int16 {
	return int16(ClampSample(s) * 32767)
}
