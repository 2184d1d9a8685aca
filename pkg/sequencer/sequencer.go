// ABOUTME: Sequencer turning timed events into rpc sends on the audio thread
// ABOUTME: Schedule and Cancel run on the control side, Tick runs once per audio cycle
package sequencer

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/audiocore/pkg/rpc"
	"github.com/google/uuid"
)

// DefaultCapacity bounds the number of pending events
const DefaultCapacity = 1024

var (
	// ErrNotSetup is returned by Schedule before Setup
	ErrNotSetup = errors.New("sequencer not set up")
	// ErrSequencerFull is returned when pending storage is exhausted. It
	// matches rpc.ErrChannelFull.
	ErrSequencerFull = fmt.Errorf("sequencer full: %w", rpc.ErrChannelFull)
)

// EventID identifies a scheduled event
type EventID = uuid.UUID

// Sender is the request side of an rpc channel
type Sender interface {
	Send(msg rpc.Message) error
}

// Responder is implemented by senders that can answer a request directly.
// Events that want a reply and cannot be sent are answered with
// rpc.CodeDropped through it.
type Responder interface {
	Respond(r rpc.Response) error
}

// Stats tracks sequencer counters
type Stats struct {
	Scheduled  uint64
	Dispatched uint64
	Cancelled  uint64
	Dropped    uint64
	Pending    int
}

type timebase struct {
	start time.Time
}

// Sequencer dispatches rpc messages at scheduled offsets from its timebase.
//
// Control goroutines call Schedule and Cancel. The audio thread calls Tick.
// The two sides share only the insert queue and per-event atomic state; Tick
// never takes the control-side mutex.
type Sequencer struct {
	sender   Sender
	capacity int
	now      func() time.Time

	// control side
	mu     sync.Mutex
	index  map[EventID]*event
	seq    uint64
	epoch  atomic.Pointer[timebase]
	insert atomic.Pointer[chan *event]

	// audio side
	queue eventQueue

	pending    atomic.Int64
	scheduled  atomic.Uint64
	dispatched atomic.Uint64
	cancelled  atomic.Uint64
	dropped    atomic.Uint64
}

// Option configures a Sequencer
type Option func(*Sequencer)

// WithCapacity sets the maximum number of pending events
func WithCapacity(n int) Option {
	return func(s *Sequencer) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithClock replaces time.Now for the timebase
func WithClock(now func() time.Time) Option {
	return func(s *Sequencer) {
		s.now = now
	}
}

// New creates a sequencer that sends through sender
func New(sender Sender, opts ...Option) *Sequencer {
	s := &Sequencer{
		sender:   sender,
		capacity: DefaultCapacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Setup allocates empty pending storage and restarts the timebase at zero.
// Calling it again discards everything pending; it must not race with Tick.
func (s *Sequencer) Setup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan *event, s.capacity)
	s.index = make(map[EventID]*event, s.capacity)
	s.queue = make(eventQueue, 0, s.capacity)
	s.seq = 0
	s.pending.Store(0)
	s.epoch.Store(&timebase{start: s.now()})
	s.insert.Store(&ch)

	log.Debugf("Sequencer set up with capacity %d", s.capacity)
}

// Now returns the elapsed time on the sequencer timebase
func (s *Sequencer) Now() time.Duration {
	tb := s.epoch.Load()
	if tb == nil {
		return 0
	}
	return s.now().Sub(tb.start)
}

// Schedule queues msg for dispatch once the timebase reaches at. Events with
// equal times dispatch in the order they were scheduled. It never blocks.
func (s *Sequencer) Schedule(at time.Duration, msg rpc.Message) (EventID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	insert := s.insert.Load()
	if insert == nil {
		return uuid.Nil, ErrNotSetup
	}
	if s.pending.Load() >= int64(s.capacity) {
		return uuid.Nil, ErrSequencerFull
	}
	if len(s.index) >= s.capacity {
		s.reapLocked()
	}

	s.seq++
	e := &event{id: uuid.New(), at: at, msg: msg, seq: s.seq}

	select {
	case *insert <- e:
	default:
		return uuid.Nil, ErrSequencerFull
	}

	s.index[e.id] = e
	s.pending.Add(1)
	s.scheduled.Add(1)
	return e.id, nil
}

// ScheduleAfter schedules msg d after the current timebase time
func (s *Sequencer) ScheduleAfter(d time.Duration, msg rpc.Message) (EventID, error) {
	return s.Schedule(s.Now()+d, msg)
}

// Cancel prevents a pending event from dispatching and reports whether it
// did. Unknown, dispatched and already cancelled ids are ignored.
func (s *Sequencer) Cancel(id EventID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.index[id]
	if !ok {
		return false
	}
	delete(s.index, id)

	if !e.state.CompareAndSwap(statePending, stateCancelled) {
		return false
	}
	s.pending.Add(-1)
	s.cancelled.Add(1)
	log.Tracef("Cancelled event %s at %v", id, e.at)
	return true
}

// Pending returns the number of events not yet dispatched or cancelled
func (s *Sequencer) Pending() int {
	return int(s.pending.Load())
}

// Tick moves new events into the heap and dispatches every event whose time
// has come. It must only be called from the audio thread.
func (s *Sequencer) Tick() {
	insert := s.insert.Load()
	if insert == nil {
		return
	}

drain:
	for {
		select {
		case e := <-*insert:
			if len(s.queue) == cap(s.queue) {
				s.compact()
			}
			heap.Push(&s.queue, e)
		default:
			break drain
		}
	}

	now := s.Now()
	for {
		e := s.queue.Peek()
		if e == nil || e.at > now {
			break
		}
		heap.Pop(&s.queue)

		if !e.state.CompareAndSwap(statePending, stateDispatched) {
			// cancelled while queued
			continue
		}
		s.pending.Add(-1)

		if err := s.sender.Send(e.msg); err != nil {
			s.dropped.Add(1)
			s.answerDropped(e.msg)
			continue
		}
		s.dispatched.Add(1)
	}
}

// answerDropped tells a waiting caller its event could not be sent
func (s *Sequencer) answerDropped(msg rpc.Message) {
	if !msg.WantsReply() {
		return
	}
	r, ok := s.sender.(Responder)
	if !ok {
		return
	}
	_ = r.Respond(rpc.Response{ID: msg.ID, Method: msg.Method, Code: rpc.CodeDropped})
}

// compact removes cancelled events from the heap in place so it stays
// within its preallocated capacity
func (s *Sequencer) compact() {
	live := s.queue[:0]
	for _, e := range s.queue {
		if e.state.Load() == statePending {
			live = append(live, e)
		}
	}
	for i := len(live); i < len(s.queue); i++ {
		s.queue[i] = nil
	}
	s.queue = live
	heap.Init(&s.queue)
}

// Reap drops control-side index entries for events that have dispatched. It
// runs on the control side so Tick never touches the index.
func (s *Sequencer) Reap() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reapLocked()
}

func (s *Sequencer) reapLocked() int {
	n := 0
	for id, e := range s.index {
		if e.state.Load() != statePending {
			delete(s.index, id)
			n++
		}
	}
	return n
}

// Stats returns a snapshot of counters
func (s *Sequencer) Stats() Stats {
	return Stats{
		Scheduled:  s.scheduled.Load(),
		Dispatched: s.dispatched.Load(),
		Cancelled:  s.cancelled.Load(),
		Dropped:    s.dropped.Load(),
		Pending:    s.Pending(),
	}
}
