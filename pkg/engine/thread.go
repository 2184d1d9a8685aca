// ABOUTME: Dedicated audio worker that owns the engine while running
// ABOUTME: Drains RPC requests, ticks the sequencer, renders and services the driver each cycle
package engine

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/audiocore/internal/rtthread"
	"github.com/Resonate-Protocol/audiocore/pkg/rpc"
)

// DefaultCyclePeriod is the audio loop period when none is configured
const DefaultCyclePeriod = 5 * time.Millisecond

// State is the AudioThread lifecycle state
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Ticker is driven once per audio cycle before requests are drained
type Ticker interface {
	Tick()
}

// Thread runs the audio loop on a goroutine locked to its OS thread
type Thread struct {
	ch     *rpc.Channel
	audio  *rpc.AudioEndpoint
	engine *Engine
	ticker Ticker

	period time.Duration
	nice   int

	mu    sync.Mutex
	state atomic.Int32
	stop  chan struct{}
	done  chan struct{}

	cycles           atomic.Uint64
	droppedResponses atomic.Uint64
	abandoned        atomic.Uint64
}

// ThreadOption configures a Thread
type ThreadOption func(*Thread)

// WithCyclePeriod sets the loop period
func WithCyclePeriod(d time.Duration) ThreadOption {
	return func(t *Thread) {
		if d > 0 {
			t.period = d
		}
	}
}

// WithNice sets the niceness requested for the locked OS thread
func WithNice(nice int) ThreadOption {
	return func(t *Thread) {
		t.nice = nice
	}
}

// NewThread creates a thread in the Created state serving ch
func NewThread(ch *rpc.Channel, opts ...ThreadOption) *Thread {
	t := &Thread{
		ch:     ch,
		audio:  ch.Audio(),
		period: DefaultCyclePeriod,
		nice:   rtthread.DefaultNice,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetEngine attaches the engine the thread will own once running
func (t *Thread) SetEngine(e *Engine) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.engine = e
}

// SetTicker attaches the per-cycle ticker, typically the sequencer
func (t *Thread) SetTicker(tk Ticker) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ticker = tk
}

// Channel returns the channel this thread serves
func (t *Thread) Channel() *rpc.Channel {
	return t.ch
}

// State returns the lifecycle state
func (t *Thread) State() State {
	return State(t.state.Load())
}

// Cycles returns how many loop iterations have completed
func (t *Thread) Cycles() uint64 {
	return t.cycles.Load()
}

// DroppedResponses returns how many replies found the response queue full
func (t *Thread) DroppedResponses() uint64 {
	return t.droppedResponses.Load()
}

// Abandoned returns how many queued requests were answered with
// CodeAbandoned at shutdown
func (t *Thread) Abandoned() uint64 {
	return t.abandoned.Load()
}

// Run starts the audio loop. The engine must be initialized; otherwise the
// thread stays Created and ErrEngineNotInitialized is returned.
func (t *Thread) Run() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.State() {
	case StateRunning:
		return ErrThreadRunning
	case StateStopped:
		return ErrThreadStopped
	}

	if t.engine == nil || !t.engine.IsInitialized() {
		return ErrEngineNotInitialized
	}
	if err := t.engine.claim(t); err != nil {
		return err
	}

	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	t.state.Store(int32(StateRunning))

	boosted := make(chan error, 1)
	go t.loop(t.engine, t.ticker, boosted)

	if err := <-boosted; err != nil {
		log.Debugf("Audio thread priority unchanged: %v", err)
	}
	log.Infof("Audio thread running (period %v)", t.period)
	return nil
}

// Stop ends the loop and waits for it. Queued requests that expect a reply
// are answered with CodeAbandoned. Stop is idempotent and does nothing
// before Run.
func (t *Thread) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.State() != StateRunning {
		return
	}

	close(t.stop)
	<-t.done
	t.state.Store(int32(StateStopped))

	log.Infof("Audio thread stopped after %d cycles (%d abandoned, %d responses dropped)",
		t.cycles.Load(), t.abandoned.Load(), t.droppedResponses.Load())
}

// loop never logs; the outcome of the priority boost is handed back to Run
func (t *Thread) loop(e *Engine, tk Ticker, boosted chan<- error) {
	defer close(t.done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	boosted <- rtthread.Boost(t.nice)

	ticker := time.NewTicker(t.period)
	defer ticker.Stop()

	for {
		t.cycle(e, tk)

		select {
		case <-t.stop:
			t.shutdown(e)
			return
		case <-ticker.C:
		case <-t.audio.Wake():
		}
	}
}

// cycle is one loop iteration. Nothing here may block or log; quality
// problems only bump counters that a Monitor reports.
func (t *Thread) cycle(e *Engine, tk Ticker) {
	if tk != nil {
		tk.Tick()
	}

	// Bounded so a flooding producer cannot starve rendering
	for i := 0; i < t.ch.Capacity(); i++ {
		msg, ok := t.audio.TryReceive()
		if !ok {
			break
		}
		resp := e.apply(t, msg)
		if msg.WantsReply() {
			if err := t.audio.Respond(resp); err != nil {
				t.droppedResponses.Add(1)
			}
		}
	}

	e.render(t)
	e.service(t)
	t.cycles.Add(1)
}

// shutdown answers pending requests and releases the engine
func (t *Thread) shutdown(e *Engine) {
	for i := 0; i < t.ch.Capacity(); i++ {
		msg, ok := t.audio.TryReceive()
		if !ok {
			break
		}
		if !msg.WantsReply() {
			continue
		}
		t.abandoned.Add(1)
		resp := rpc.Response{ID: msg.ID, Method: msg.Method, Code: rpc.CodeAbandoned}
		if err := t.audio.Respond(resp); err != nil {
			t.droppedResponses.Add(1)
		}
	}
	e.release(t)
}
