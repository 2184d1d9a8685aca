// ABOUTME: Owning context that wires engine, rpc channel, audio thread and sequencer
// ABOUTME: Replaces process-wide singletons with one object per audio subsystem
package audiomodule

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/Resonate-Protocol/audiocore/pkg/audio"
	"github.com/Resonate-Protocol/audiocore/pkg/audio/driver"
	"github.com/Resonate-Protocol/audiocore/pkg/engine"
	"github.com/Resonate-Protocol/audiocore/pkg/rpc"
	"github.com/Resonate-Protocol/audiocore/pkg/sequencer"
)

// Name is reported by ModuleName
const Name = "audio_engine"

// RunMode tells the module how the host application runs
type RunMode int

const (
	// RunModeGUI is an interactive application with sound output
	RunModeGUI RunMode = iota
	// RunModeConsole is a command-line tool with sound output
	RunModeConsole
	// RunModeHeadless renders without a device using the null driver
	RunModeHeadless
)

func (m RunMode) String() string {
	switch m {
	case RunModeGUI:
		return "gui"
	case RunModeConsole:
		return "console"
	case RunModeHeadless:
		return "headless"
	default:
		return fmt.Sprintf("runmode(%d)", int(m))
	}
}

// ErrAlreadyInitialized is returned by a second OnInit without OnDeinit
var ErrAlreadyInitialized = errors.New("audio module already initialized")

// Configuration is the part of application config read at init time
type Configuration interface {
	DriverBufferSize() int
}

// AudioEngine is the query surface exported to collaborators
type AudioEngine interface {
	IsInitialized() bool
	Format() audio.Format
	BufferSize() int
	DriverName() string
	Stats() engine.Stats
}

// RPCChannel is the command surface exported to collaborators
type RPCChannel interface {
	Send(msg rpc.Message) error
	Call(msg rpc.Message, fn func(rpc.Response)) (rpc.CallID, error)
	Expect(id rpc.CallID, fn func(rpc.Response)) error
	Forget(id rpc.CallID)
	TryReceive() (rpc.Response, bool)
	NextID() rpc.CallID
	Stats() rpc.Stats
}

// Scheduler is the sequencer surface exported to collaborators
type Scheduler interface {
	Schedule(at time.Duration, msg rpc.Message) (sequencer.EventID, error)
	ScheduleAfter(d time.Duration, msg rpc.Message) (sequencer.EventID, error)
	Cancel(id sequencer.EventID) bool
	Now() time.Duration
	Pending() int
	Stats() sequencer.Stats
}

// Module owns one audio subsystem from OnInit to OnDeinit
type Module struct {
	conf Configuration
	opts options

	mu          sync.Mutex
	initialized bool

	engine  *engine.Engine
	channel *rpc.Channel
	thread  *engine.Thread
	seq     *sequencer.Sequencer

	monitor     *engine.Monitor
	stopMonitor context.CancelFunc
	monitorDone chan struct{}
}

type options struct {
	format       audio.Format
	driver       driver.Driver
	driverName   string
	goos         string
	post         func(func())
	channelSize  int
	sequencerCap int
	cyclePeriod  time.Duration
	monitorEvery time.Duration
	engineOpts   []engine.Option
	threadOpts   []engine.ThreadOption
	clock        func() time.Time
}

// Option configures a Module
type Option func(*options)

// WithFormat sets the engine sample format
func WithFormat(f audio.Format) Option {
	return func(o *options) { o.format = f }
}

// WithDriver uses drv instead of runtime selection
func WithDriver(drv driver.Driver) Option {
	return func(o *options) { o.driver = drv }
}

// WithDriverName selects a registered backend by name ("auto" by default)
func WithDriverName(name string) Option {
	return func(o *options) { o.driverName = name }
}

// WithMainThread sets the control loop used to deliver responses
func WithMainThread(post func(func())) Option {
	return func(o *options) { o.post = post }
}

// WithChannelCapacity sets the rpc queue sizes
func WithChannelCapacity(n int) Option {
	return func(o *options) { o.channelSize = n }
}

// WithSequencerCapacity bounds pending sequencer events
func WithSequencerCapacity(n int) Option {
	return func(o *options) { o.sequencerCap = n }
}

// WithCyclePeriod sets the audio loop and sequencer tick period
func WithCyclePeriod(d time.Duration) Option {
	return func(o *options) { o.cyclePeriod = d }
}

// WithMonitorInterval sets how often audio quality counters are checked
// and logged
func WithMonitorInterval(d time.Duration) Option {
	return func(o *options) { o.monitorEvery = d }
}

// WithEngineOptions forwards options to the engine
func WithEngineOptions(opts ...engine.Option) Option {
	return func(o *options) { o.engineOpts = append(o.engineOpts, opts...) }
}

// WithThreadOptions forwards options to the audio thread
func WithThreadOptions(opts ...engine.ThreadOption) Option {
	return func(o *options) { o.threadOpts = append(o.threadOpts, opts...) }
}

// WithClock replaces the sequencer timebase clock
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// New creates the module and its long-lived channel and thread. The engine
// buffer and driver are created by OnInit.
func New(conf Configuration, opts ...Option) *Module {
	o := options{
		format:      audio.DefaultFormat(),
		driverName:  driver.Auto,
		goos:        runtime.GOOS,
		cyclePeriod: engine.DefaultCyclePeriod,
	}
	for _, opt := range opts {
		opt(&o)
	}

	ch := rpc.NewChannel(o.channelSize)

	seqOpts := []sequencer.Option{sequencer.WithCapacity(o.sequencerCap)}
	if o.clock != nil {
		seqOpts = append(seqOpts, sequencer.WithClock(o.clock))
	}

	threadOpts := append([]engine.ThreadOption{engine.WithCyclePeriod(o.cyclePeriod)}, o.threadOpts...)

	eng := engine.NewEngine(o.format, o.engineOpts...)
	thread := engine.NewThread(ch, threadOpts...)

	return &Module{
		conf:    conf,
		opts:    o,
		engine:  eng,
		channel: ch,
		thread:  thread,
		seq:     sequencer.New(ch.Audio(), seqOpts...),
		monitor: engine.NewMonitor(eng, thread),
	}
}

// ModuleName returns "audio_engine"
func (m *Module) ModuleName() string {
	return Name
}

// OnInit initializes the engine with the resolved driver, sets up the
// sequencer and main-thread delivery, then starts the audio thread. Nothing
// is started if any step fails.
func (m *Module) OnInit(mode RunMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return ErrAlreadyInitialized
	}

	bufferSize := m.conf.DriverBufferSize()
	if err := m.initEngine(mode, bufferSize); err != nil {
		return fmt.Errorf("audio module init: %w", err)
	}

	m.seq.Setup()
	if m.opts.post != nil {
		m.channel.SetupMainThread(m.opts.post)
	}

	m.thread.SetEngine(m.engine)
	m.thread.SetTicker(m.seq)
	if err := m.thread.Run(); err != nil {
		if derr := m.engine.Deinit(); derr != nil {
			log.Warnf("Engine deinit after failed start: %v", derr)
		}
		return fmt.Errorf("audio module start: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.stopMonitor = cancel
	m.monitorDone = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		m.monitor.Run(ctx, m.opts.monitorEvery)
	}(m.monitorDone)

	m.initialized = true
	log.Infof("Audio module initialized (%s, driver %s, %d frames)", mode, m.engine.DriverName(), bufferSize)
	return nil
}

// initEngine opens an explicit driver, the null driver when headless, or
// the first backend that opens for this OS.
func (m *Module) initEngine(mode RunMode, bufferSize int) error {
	if m.opts.driver != nil {
		return m.engine.Init(m.opts.driver, bufferSize)
	}
	if mode == RunModeHeadless {
		return m.engine.Init(driver.NewNull(), bufferSize)
	}

	names := []string{m.opts.driverName}
	if m.opts.driverName == "" || m.opts.driverName == driver.Auto {
		names = driver.Candidates(m.opts.goos)
	}
	if len(names) == 0 {
		return fmt.Errorf("%w: no backend compiled in for %s", engine.ErrDriverOpenFailed, m.opts.goos)
	}

	var errs []error
	for _, name := range names {
		drv, err := driver.New(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		err = m.engine.Init(drv, bufferSize)
		if err == nil {
			return nil
		}
		log.Warnf("Driver %s unavailable, trying next: %v", name, err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// OnDeinit stops the audio thread, then deinitializes the engine. It is
// safe to call repeatedly and after a failed OnInit.
func (m *Module) OnDeinit() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.thread.Stop()
	if m.stopMonitor != nil {
		m.stopMonitor()
		<-m.monitorDone
		m.stopMonitor = nil
	}
	err := m.engine.Deinit()
	m.channel.Close()

	if m.initialized {
		m.initialized = false
		log.Infof("Audio module deinitialized")
	}
	return err
}

// Engine returns the engine query interface
func (m *Module) Engine() AudioEngine {
	return m.engine
}

// Channel returns the rpc command interface
func (m *Module) Channel() RPCChannel {
	return m.channel
}

// Sequencer returns the scheduling interface
func (m *Module) Sequencer() Scheduler {
	return m.seq
}

// ThreadState reports the audio thread lifecycle state
func (m *Module) ThreadState() engine.State {
	return m.thread.State()
}

// CheckQuality logs audio quality counters that grew since the last check
// and returns the deltas. The module also checks periodically while running.
func (m *Module) CheckQuality() engine.Quality {
	return m.monitor.Check()
}

// Deliver runs response callbacks on the caller when no main loop is set
func (m *Module) Deliver() int {
	return m.channel.Deliver()
}
