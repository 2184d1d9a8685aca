// ABOUTME: PulseAudio driver using the pure-Go jfreymuth/pulse client
// ABOUTME: Works against PulseAudio and PipeWire's pulse server on Linux
package driver

import (
	"fmt"

	"github.com/jfreymuth/pulse"
)

func init() {
	Register("pulse", func() Driver { return NewPulse() })
}

// Pulse plays through a PulseAudio playback stream
type Pulse struct {
	client   *pulse.Client
	stream   *pulse.PlaybackStream
	channels int
}

// NewPulse creates a new Pulse driver
func NewPulse() *Pulse {
	return &Pulse{}
}

// Name returns "pulse"
func (p *Pulse) Name() string {
	return "pulse"
}

// Open connects to the sound server and starts a float32 playback stream
func (p *Pulse) Open(spec Spec, cb Callback) error {
	if p.stream != nil {
		return ErrAlreadyOpen
	}
	if err := spec.Format.Validate(); err != nil {
		return err
	}

	appName := spec.AppName
	if appName == "" {
		appName = "audiocore"
	}

	client, err := pulse.NewClient(pulse.ClientApplicationName(appName))
	if err != nil {
		return fmt.Errorf("failed to connect to pulse server: %w", err)
	}

	p.channels = spec.Format.Channels
	opts := []pulse.PlaybackOption{
		pulse.PlaybackSampleRate(spec.Format.SampleRate),
	}
	if p.channels == 2 {
		opts = append(opts, pulse.PlaybackStereo)
	} else {
		opts = append(opts, pulse.PlaybackMono)
	}
	if spec.BufferFrames > 0 {
		opts = append(opts, pulse.PlaybackLatency(spec.Format.Duration(spec.BufferFrames).Seconds()))
	}

	reader := pulse.Float32Reader(func(out []float32) (int, error) {
		cb(out, len(out)/p.channels)
		return len(out), nil
	})

	stream, err := client.NewPlayback(reader, opts...)
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to create playback stream: %w", err)
	}
	stream.Start()

	p.client = client
	p.stream = stream

	log.Infof("Audio output initialized: %s (pulse, %d frame buffer)", spec.Format, stream.BufferSize())
	return nil
}

// Close stops the stream and disconnects
func (p *Pulse) Close() error {
	if p.stream == nil {
		return nil
	}

	p.stream.Stop()
	if p.stream.Underflow() {
		log.Debugf("Pulse stream reported underflow before close")
	}
	err := p.stream.Error()
	p.stream.Close()
	p.client.Close()
	p.stream = nil
	p.client = nil

	if err != nil {
		return fmt.Errorf("pulse stream error: %w", err)
	}
	return nil
}
