//go:build malgo

// ABOUTME: Malgo-based audio driver using miniaudio via cgo
// ABOUTME: Built with -tags malgo; pulls float32 frames from the device callback
package driver

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gen2brain/malgo"
)

func init() {
	Register("malgo", func() Driver { return NewMalgo() })
}

// MalgoAvailable reports whether the miniaudio backend was compiled in
const MalgoAvailable = true

// Malgo driver implementation using malgo/miniaudio library
type Malgo struct {
	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device
	cb       Callback
	channels int
	scratch  []float32
}

// NewMalgo creates a new Malgo driver
func NewMalgo() *Malgo {
	return &Malgo{}
}

// Name returns "malgo"
func (m *Malgo) Name() string {
	return "malgo"
}

// Open initializes the playback device with f32 samples
func (m *Malgo) Open(spec Spec, cb Callback) error {
	if m.device != nil {
		return ErrAlreadyOpen
	}
	if err := spec.Format.Validate(); err != nil {
		return err
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize malgo context: %w", err)
	}

	period := spec.BufferFrames
	if period <= 0 {
		period = 512
	}
	m.cb = cb
	m.channels = spec.Format.Channels
	m.scratch = make([]float32, period*m.channels)

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatF32
	deviceConfig.Playback.Channels = uint32(spec.Format.Channels)
	deviceConfig.SampleRate = uint32(spec.Format.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(period)
	deviceConfig.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(pOutput, pInput []byte, frameCount uint32) {
			m.dataCallback(pOutput, int(frameCount))
		},
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("failed to initialize playback device: %w", err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("failed to start device: %w", err)
	}

	m.malgoCtx = ctx
	m.device = device

	log.Infof("Audio output initialized: %s (malgo, period %d)", spec.Format, period)
	return nil
}

// dataCallback is called by miniaudio to fill the device buffer
func (m *Malgo) dataCallback(pOutput []byte, frames int) {
	if need := frames * m.channels; need > len(m.scratch) {
		m.scratch = make([]float32, need)
	}
	samples := m.scratch[:frames*m.channels]
	m.cb(samples, frames)

	for i, s := range samples {
		binary.LittleEndian.PutUint32(pOutput[i*4:], math.Float32bits(s))
	}
}

// Close stops the device and releases the context
func (m *Malgo) Close() error {
	if m.device == nil {
		return nil
	}

	if err := m.device.Stop(); err != nil {
		log.Warnf("device stop error: %v", err)
	}
	m.device.Uninit()
	m.device = nil

	if m.malgoCtx != nil {
		if err := m.malgoCtx.Uninit(); err != nil {
			log.Warnf("malgo context uninit error: %v", err)
		}
		m.malgoCtx.Free()
		m.malgoCtx = nil
	}
	return nil
}
