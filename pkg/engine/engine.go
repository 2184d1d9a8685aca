// ABOUTME: Audio engine owning the ring buffer, driver and mixing graph
// ABOUTME: State is mutated only by messages applied on the owning audio thread
package engine

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Resonate-Protocol/audiocore/pkg/audio"
	"github.com/Resonate-Protocol/audiocore/pkg/audio/driver"
	"github.com/Resonate-Protocol/audiocore/pkg/rpc"
)

const (
	// DefaultBufferSize is the ring capacity in frames when none is given
	DefaultBufferSize = 1024
	// maxRenderChunk bounds the preallocated render scratch
	maxRenderChunk = 1024
)

// Engine renders audio into a RingBuffer that the driver drains.
//
// Init and Deinit run on the control side. Everything else that mutates
// state runs through apply on the thread that currently owns the engine.
type Engine struct {
	format  audio.Format
	appName string

	// lifecycle, control side only
	mu  sync.Mutex
	drv driver.Driver
	buf *audio.RingBuffer

	initialized atomic.Bool
	bufferSize  atomic.Int64
	driverName  atomic.Pointer[string]
	owner       atomic.Pointer[Thread]

	// audio thread state
	graph    *graph
	playing  bool
	position int64
	volume   float64
	muted    bool
	mix      [][2]float64
	out      []float32

	stats engineStats
}

type engineStats struct {
	rendered    atomic.Uint64
	pulled      atomic.Uint64
	wrongThread atomic.Uint64
	applied     atomic.Uint64
	failed      atomic.Uint64
}

// Stats is a snapshot of engine counters, safe to read from any goroutine
type Stats struct {
	FramesRendered uint64
	FramesPulled   uint64
	Underruns      uint64
	MissedFrames   uint64
	WrongThread    uint64
	Applied        uint64
	Failed         uint64
	Buffered       int
}

type options struct {
	freqs   []float64
	gain    float64
	volume  float64
	appName string
}

// Option configures an Engine
type Option func(*options)

// WithTracks sets one tone track per frequency
func WithTracks(freqs ...float64) Option {
	return func(o *options) {
		o.freqs = append([]float64(nil), freqs...)
	}
}

// WithTrackGain sets the initial gain of every track
func WithTrackGain(gain float64) Option {
	return func(o *options) {
		o.gain = gain
	}
}

// WithVolume sets the initial master volume
func WithVolume(volume float64) Option {
	return func(o *options) {
		o.volume = volume
	}
}

// WithAppName sets the stream name reported to sound servers
func WithAppName(name string) Option {
	return func(o *options) {
		o.appName = name
	}
}

// NewEngine creates an uninitialized engine for format
func NewEngine(format audio.Format, opts ...Option) *Engine {
	o := options{
		freqs:   []float64{440, 660},
		gain:    0.25,
		volume:  1,
		appName: "audiocore",
	}
	for _, opt := range opts {
		opt(&o)
	}
	if len(o.freqs) > rpc.MaxTracks {
		o.freqs = o.freqs[:rpc.MaxTracks]
	}

	e := &Engine{
		format:  format,
		appName: o.appName,
		graph:   newGraph(format.SampleRate, o.freqs, o.gain),
		volume:  o.volume,
		mix:     make([][2]float64, maxRenderChunk),
	}
	e.graph.setMaster(e.volume, false)
	return e
}

// Init allocates the ring buffer and opens drv with a pull callback bound to
// it. The engine starts paused. On failure nothing stays allocated and the
// error matches ErrDriverOpenFailed.
func (e *Engine) Init(drv driver.Driver, bufferSize int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized.Load() {
		return ErrAlreadyInitialized
	}
	if err := e.format.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrDriverOpenFailed, err)
	}
	if drv == nil {
		return fmt.Errorf("%w: no driver", ErrDriverOpenFailed)
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	e.buf = audio.NewRingBuffer(bufferSize, e.format.Channels)
	chunk := bufferSize
	if chunk > maxRenderChunk {
		chunk = maxRenderChunk
	}
	e.out = make([]float32, chunk*e.format.Channels)

	buf := e.buf
	cb := func(out []float32, frames int) {
		buf.Read(out)
		e.stats.pulled.Add(uint64(frames))
	}

	spec := driver.Spec{Format: e.format, BufferFrames: bufferSize, AppName: e.appName}
	if err := drv.Open(spec, cb); err != nil {
		e.buf = nil
		e.out = nil
		log.Errorf("Driver %s failed to open: %v", drv.Name(), err)
		return fmt.Errorf("%w: %s: %w", ErrDriverOpenFailed, drv.Name(), err)
	}

	e.drv = drv
	name := drv.Name()
	e.driverName.Store(&name)
	e.bufferSize.Store(int64(bufferSize))
	e.playing = false
	e.graph.setPlaying(false)
	e.initialized.Store(true)

	log.Infof("Engine initialized: %s, %d frame buffer, driver %s", e.format, bufferSize, name)
	return nil
}

// Deinit closes the driver and releases the buffer. It is idempotent and a
// no-op on an engine that never initialized.
func (e *Engine) Deinit() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t := e.owner.Load(); t != nil && t.State() == StateRunning {
		return ErrEngineBusy
	}
	if !e.initialized.Load() {
		return nil
	}
	e.initialized.Store(false)

	var err error
	if e.drv != nil {
		if cerr := e.drv.Close(); cerr != nil {
			err = fmt.Errorf("failed to close driver %s: %w", e.drv.Name(), cerr)
			log.Warnf("%v", err)
		}
		e.drv = nil
	}
	e.buf = nil
	e.out = nil
	e.bufferSize.Store(0)

	log.Infof("Engine deinitialized")
	return err
}

// IsInitialized reports whether Init succeeded and Deinit has not run
func (e *Engine) IsInitialized() bool {
	return e.initialized.Load()
}

// Format returns the fixed engine format
func (e *Engine) Format() audio.Format {
	return e.format
}

// BufferSize returns the ring capacity in frames, 0 when uninitialized
func (e *Engine) BufferSize() int {
	return int(e.bufferSize.Load())
}

// DriverName returns the backend opened by Init
func (e *Engine) DriverName() string {
	if p := e.driverName.Load(); p != nil {
		return *p
	}
	return ""
}

// Stats returns counters readable from any goroutine
func (e *Engine) Stats() Stats {
	s := Stats{
		FramesRendered: e.stats.rendered.Load(),
		FramesPulled:   e.stats.pulled.Load(),
		WrongThread:    e.stats.wrongThread.Load(),
		Applied:        e.stats.applied.Load(),
		Failed:         e.stats.failed.Load(),
	}
	e.mu.Lock()
	if e.buf != nil {
		s.Underruns = e.buf.Underruns()
		s.MissedFrames = e.buf.MissedFrames()
		s.Buffered = e.buf.Available()
	}
	e.mu.Unlock()
	return s
}

// claim makes t the only thread allowed to mutate state
func (e *Engine) claim(t *Thread) error {
	if e.owner.CompareAndSwap(nil, t) {
		return nil
	}
	if e.owner.Load() == t {
		return nil
	}
	return ErrWrongThread
}

// release drops ownership and pauses playback
func (e *Engine) release(t *Thread) {
	if e.owner.Load() != t {
		return
	}
	e.playing = false
	e.graph.setPlaying(false)
	e.owner.Store(nil)
}

func (e *Engine) owns(t *Thread) bool {
	if t == nil || e.owner.Load() != t {
		e.stats.wrongThread.Add(1)
		return false
	}
	return true
}

// apply executes one request on the owning thread and returns its response
func (e *Engine) apply(t *Thread, msg rpc.Message) rpc.Response {
	resp := rpc.Response{ID: msg.ID, Method: msg.Method}

	if !e.owns(t) {
		resp.Code = rpc.CodeWrongThread
		return resp
	}
	if !e.initialized.Load() {
		resp.Code = rpc.CodeNotInitialized
		return resp
	}

	resp.Code = e.dispatch(msg)
	if resp.Code == rpc.CodeOK {
		e.stats.applied.Add(1)
	} else {
		e.stats.failed.Add(1)
	}
	resp.Status = e.snapshot()
	return resp
}

func (e *Engine) dispatch(msg rpc.Message) rpc.Code {
	a := msg.Args
	switch msg.Method {
	case rpc.MethodPlay:
		e.playing = true
		e.graph.setPlaying(true)
	case rpc.MethodStop:
		e.playing = false
		e.graph.setPlaying(false)
	case rpc.MethodSeek:
		if a.Position < 0 {
			return rpc.CodeInvalidArgument
		}
		e.position = a.Position
		e.graph.seek(a.Position)
	case rpc.MethodSetVolume:
		return e.setVolume(a.Value)
	case rpc.MethodSetMute:
		e.muted = a.Flag
		e.graph.setMaster(e.volume, e.muted)
	case rpc.MethodSetTrackGain:
		return e.setTrackGain(a.Track, a.Value)
	case rpc.MethodSetTrackFrequency:
		return e.setTrackFrequency(a.Track, a.Value)
	case rpc.MethodSetTrackEnabled:
		tr := e.track(a.Track)
		if tr == nil {
			return rpc.CodeInvalidArgument
		}
		tr.ctrl.Paused = !a.Flag
	case rpc.MethodSetParam:
		return e.setParam(a.Name, a.Value)
	case rpc.MethodQueryState, rpc.MethodPing:
	default:
		return rpc.CodeUnknownMethod
	}
	return rpc.CodeOK
}

func validGain(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

func (e *Engine) setVolume(v float64) rpc.Code {
	if !validGain(v) {
		return rpc.CodeInvalidArgument
	}
	e.volume = v
	e.graph.setMaster(e.volume, e.muted)
	return rpc.CodeOK
}

func (e *Engine) track(i int) *track {
	if i < 0 || i >= len(e.graph.tracks) {
		return nil
	}
	return e.graph.tracks[i]
}

func (e *Engine) setTrackGain(i int, v float64) rpc.Code {
	tr := e.track(i)
	if tr == nil || !validGain(v) {
		return rpc.CodeInvalidArgument
	}
	tr.setGain(v)
	return rpc.CodeOK
}

func (e *Engine) setTrackFrequency(i int, hz float64) rpc.Code {
	tr := e.track(i)
	if tr == nil || math.IsNaN(hz) || hz <= 0 || hz > float64(e.format.SampleRate)/2 {
		return rpc.CodeInvalidArgument
	}
	tr.osc.freq = hz
	return rpc.CodeOK
}

// setParam handles named parameters: volume, mute, track.N.gain,
// track.N.freq, track.N.enabled
func (e *Engine) setParam(name string, v float64) rpc.Code {
	switch name {
	case "volume":
		return e.setVolume(v)
	case "mute":
		e.muted = v != 0
		e.graph.setMaster(e.volume, e.muted)
		return rpc.CodeOK
	}

	parts := strings.Split(name, ".")
	if len(parts) != 3 || parts[0] != "track" {
		return rpc.CodeInvalidArgument
	}
	i, err := strconv.Atoi(parts[1])
	if err != nil {
		return rpc.CodeInvalidArgument
	}
	switch parts[2] {
	case "gain":
		return e.setTrackGain(i, v)
	case "freq":
		return e.setTrackFrequency(i, v)
	case "enabled":
		tr := e.track(i)
		if tr == nil {
			return rpc.CodeInvalidArgument
		}
		tr.ctrl.Paused = v == 0
		return rpc.CodeOK
	}
	return rpc.CodeInvalidArgument
}

func (e *Engine) snapshot() rpc.Status {
	s := rpc.Status{
		Playing:  e.playing,
		Position: e.position,
		Volume:   e.volume,
		Muted:    e.muted,
		Tracks:   len(e.graph.tracks),
	}
	if e.buf != nil {
		s.Underruns = e.buf.Underruns()
	}
	for i, tr := range e.graph.tracks {
		s.TrackGains[i] = tr.g
	}
	return s
}

// render fills the free space of the ring buffer. A paused graph renders
// silence so the driver never underruns while stopped. Returns frames written.
func (e *Engine) render(t *Thread) int {
	if e.owner.Load() != t || e.buf == nil {
		return 0
	}

	ch := e.format.Channels
	chunkMax := len(e.out) / ch
	total := 0
	for {
		free := e.buf.Free()
		if free == 0 {
			break
		}
		n := free
		if n > chunkMax {
			n = chunkMax
		}

		mix := e.mix[:n]
		e.graph.stream(mix)
		out := e.out[:n*ch]
		for i, s := range mix {
			if ch == 1 {
				out[i] = audio.ClampSample(float32((s[0] + s[1]) / 2))
				continue
			}
			out[i*2] = audio.ClampSample(float32(s[0]))
			out[i*2+1] = audio.ClampSample(float32(s[1]))
		}

		w := e.buf.Write(out)
		total += w
		if e.playing {
			e.position += int64(w)
		}
		if w < n {
			break
		}
	}

	e.stats.rendered.Add(uint64(total))
	return total
}

// service pumps drivers that have no device thread
func (e *Engine) service(t *Thread) {
	if e.owner.Load() != t {
		return
	}
	if s, ok := e.drv.(driver.Servicer); ok {
		s.Service()
	}
}
