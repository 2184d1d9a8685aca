// ABOUTME: Oto-based audio driver
// ABOUTME: Feeds an oto player from the engine callback as little-endian float32
package driver

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Resonate-Protocol/audiocore/pkg/audio"
	"github.com/ebitengine/oto/v3"
)

func init() {
	Register("oto", func() Driver { return NewOto() })
}

// oto allows only one context per process; it is created on first Open and
// reused afterwards.
var (
	otoMu     sync.Mutex
	otoCtx    *oto.Context
	otoFormat audio.Format
)

// Oto driver implementation using oto library
type Oto struct {
	player *oto.Player
	reader *otoReader
}

// NewOto creates a new Oto driver
func NewOto() *Oto {
	return &Oto{}
}

// Name returns "oto"
func (o *Oto) Name() string {
	return "oto"
}

// Open creates (or reuses) the oto context and starts a player pulling from cb
func (o *Oto) Open(spec Spec, cb Callback) error {
	if o.player != nil {
		return ErrAlreadyOpen
	}
	if err := spec.Format.Validate(); err != nil {
		return err
	}

	ctx, err := sharedOtoContext(spec)
	if err != nil {
		return err
	}

	o.reader = newOtoReader(spec, cb)
	o.player = ctx.NewPlayer(o.reader)
	if spec.BufferFrames > 0 {
		o.player.SetBufferSize(spec.BufferFrames * spec.Format.Channels * 4)
	}
	o.player.Play()

	log.Infof("Audio output initialized: %s (oto)", spec.Format)
	return nil
}

func sharedOtoContext(spec Spec) (*oto.Context, error) {
	otoMu.Lock()
	defer otoMu.Unlock()

	if otoCtx != nil {
		if otoFormat != spec.Format {
			return nil, fmt.Errorf("oto context already running at %s, cannot switch to %s", otoFormat, spec.Format)
		}
		if err := otoCtx.Resume(); err != nil {
			return nil, fmt.Errorf("failed to resume oto context: %w", err)
		}
		return otoCtx, nil
	}

	op := &oto.NewContextOptions{
		SampleRate:   spec.Format.SampleRate,
		ChannelCount: spec.Format.Channels,
		Format:       oto.FormatFloat32LE,
	}
	if spec.BufferFrames > 0 {
		op.BufferSize = spec.Format.Duration(spec.BufferFrames)
	}

	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("failed to create oto context: %w", err)
	}

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("oto context not ready after 5s")
	}

	otoCtx = ctx
	otoFormat = spec.Format
	return ctx, nil
}

// Close stops the player and suspends the shared context
func (o *Oto) Close() error {
	if o.player == nil {
		return nil
	}
	err := o.player.Close()
	o.player = nil
	o.reader = nil

	otoMu.Lock()
	if otoCtx != nil {
		if serr := otoCtx.Suspend(); serr != nil {
			log.Warnf("oto suspend error: %v", serr)
		}
	}
	otoMu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to close oto player: %w", err)
	}
	return nil
}

// otoReader adapts the pull callback to the io.Reader oto consumes
type otoReader struct {
	cb       Callback
	channels int
	scratch  []float32
}

func newOtoReader(spec Spec, cb Callback) *otoReader {
	period := spec.BufferFrames
	if period <= 0 {
		period = 1024
	}
	return &otoReader{
		cb:       cb,
		channels: spec.Format.Channels,
		scratch:  make([]float32, period*spec.Format.Channels),
	}
}

// Read is called from oto's mixing goroutine
func (r *otoReader) Read(p []byte) (int, error) {
	frameBytes := 4 * r.channels
	frames := len(p) / frameBytes
	if frames == 0 {
		return 0, nil
	}

	// oto may ask for more than one period; grow once and keep it
	if need := frames * r.channels; need > len(r.scratch) {
		r.scratch = make([]float32, need)
	}
	samples := r.scratch[:frames*r.channels]
	r.cb(samples, frames)

	for i, s := range samples {
		binary.LittleEndian.PutUint32(p[i*4:], math.Float32bits(s))
	}
	return frames * frameBytes, nil
}
