// ABOUTME: Bounded non-blocking request/response channel
// ABOUTME: Control side sends and receives, AudioEndpoint is the audio thread's half
package rpc

import (
	"sync"
	"sync/atomic"
)

// DefaultCapacity is used when NewChannel gets a non-positive size
const DefaultCapacity = 256

// Channel connects control goroutines to the audio thread. Requests and
// responses travel through two bounded FIFO queues; no operation blocks.
//
// Control goroutines enqueue requests and the audio thread dequeues them.
// The one exception is AudioEndpoint.Send, which lets audio-side producers
// such as the sequencer enqueue requests from the audio thread.
//
// Every accepted request that wants a reply holds one of Capacity reply
// slots until its response is dequeued, so the audio thread always has room
// to answer.
type Channel struct {
	requests  chan Message
	responses chan Response

	// wake nudges the audio loop when a request arrives
	wake chan struct{}
	// notify tells the main-thread forwarder responses are queued
	notify chan struct{}

	nextID atomic.Uint64
	// replySlots counts accepted requests whose response is not yet dequeued
	replySlots atomic.Int64

	mu        sync.Mutex
	callbacks map[CallID]pendingCall
	unhandled func(Response)
	post      func(func())

	done      chan struct{}
	closeOnce sync.Once

	audio *AudioEndpoint
	stats channelStats
}

type pendingCall struct {
	fn func(Response)
	// expected entries hold a reply slot for a request another producer sends
	expected bool
}

type channelStats struct {
	sent              atomic.Uint64
	rejected          atomic.Uint64
	responded         atomic.Uint64
	responsesRejected atomic.Uint64
	delivered         atomic.Uint64
}

// Stats is a snapshot of channel counters
type Stats struct {
	Sent              uint64
	Rejected          uint64
	Responded         uint64
	ResponsesRejected uint64
	Delivered         uint64
	QueuedRequests    int
	QueuedResponses   int
	ReplySlots        int
}

// NewChannel creates a channel whose queues each hold capacity entries
func NewChannel(capacity int) *Channel {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Channel{
		requests:  make(chan Message, capacity),
		responses: make(chan Response, capacity),
		wake:      make(chan struct{}, 1),
		notify:    make(chan struct{}, 1),
		callbacks: make(map[CallID]pendingCall),
		done:      make(chan struct{}),
	}
	c.audio = &AudioEndpoint{c: c}
	return c
}

// Capacity returns the size of each queue
func (c *Channel) Capacity() int {
	return cap(c.requests)
}

// NextID returns a fresh non-zero correlation id that no registered callback
// is using
func (c *Channel) NextID() CallID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextIDLocked()
}

func (c *Channel) nextIDLocked() CallID {
	for {
		id := CallID(c.nextID.Add(1))
		if id == 0 {
			continue
		}
		if _, used := c.callbacks[id]; !used {
			return id
		}
	}
}

// Send enqueues msg for the audio thread. It never blocks and returns
// ErrChannelFull when the request queue has no room, or when msg wants a
// reply and every reply slot is taken.
func (c *Channel) Send(msg Message) error {
	if !msg.WantsReply() {
		return c.enqueue(msg)
	}
	if !c.reserveReply() {
		if c.isClosed() {
			return ErrClosed
		}
		c.stats.rejected.Add(1)
		return ErrChannelFull
	}
	if err := c.enqueue(msg); err != nil {
		c.releaseReply()
		return err
	}
	return nil
}

func (c *Channel) enqueue(msg Message) error {
	if c.isClosed() {
		return ErrClosed
	}

	select {
	case c.requests <- msg:
		c.stats.sent.Add(1)
		signal(c.wake)
		return nil
	default:
		c.stats.rejected.Add(1)
		return ErrChannelFull
	}
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// reserveReply takes a reply slot if one is free
func (c *Channel) reserveReply() bool {
	limit := int64(cap(c.responses))
	for {
		n := c.replySlots.Load()
		if n >= limit {
			return false
		}
		if c.replySlots.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// releaseReply returns a reply slot. Responses nobody reserved for leave
// the count at zero.
func (c *Channel) releaseReply() {
	for {
		n := c.replySlots.Load()
		if n <= 0 {
			return
		}
		if c.replySlots.CompareAndSwap(n, n-1) {
			return
		}
	}
}

// TrySend is Send under the name used by callers that poll
func (c *Channel) TrySend(msg Message) error {
	return c.Send(msg)
}

// Call sends msg with a fresh id (unless one is set) and registers fn to run
// on the main thread when the response arrives. fn may be nil. An explicit
// id that is still awaiting its response yields ErrDuplicateID.
func (c *Channel) Call(msg Message, fn func(Response)) (CallID, error) {
	c.mu.Lock()
	if msg.ID == 0 {
		msg.ID = c.nextIDLocked()
	} else if _, used := c.callbacks[msg.ID]; used {
		c.mu.Unlock()
		c.stats.rejected.Add(1)
		return 0, ErrDuplicateID
	}
	c.callbacks[msg.ID] = pendingCall{fn: fn}
	c.mu.Unlock()

	if err := c.Send(msg); err != nil {
		c.mu.Lock()
		delete(c.callbacks, msg.ID)
		c.mu.Unlock()
		return 0, err
	}
	return msg.ID, nil
}

// Expect registers fn for a response to id without sending anything. It is
// used when the request is sent later by another producer, such as the
// sequencer, and holds a reply slot until the response is dequeued or
// Forget is called. It returns ErrDuplicateID when id is already awaiting a
// response and ErrChannelFull when no reply slot is free.
func (c *Channel) Expect(id CallID, fn func(Response)) error {
	if id == 0 {
		return ErrInvalidID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, used := c.callbacks[id]; used {
		return ErrDuplicateID
	}
	if !c.reserveReply() {
		return ErrChannelFull
	}
	c.callbacks[id] = pendingCall{fn: fn, expected: true}
	return nil
}

// Forget drops an Expect registration whose request will never be sent and
// frees its reply slot. Ids registered by Call are left alone because their
// response is already on its way.
func (c *Channel) Forget(id CallID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.callbacks[id]
	if !ok || !p.expected {
		return
	}
	delete(c.callbacks, id)
	c.releaseReply()
}

// TryReceive dequeues one response if available
func (c *Channel) TryReceive() (Response, bool) {
	select {
	case r := <-c.responses:
		c.releaseReply()
		return r, true
	default:
		return Response{}, false
	}
}

// OnUnhandled sets the hook for delivered responses that have no callback
func (c *Channel) OnUnhandled(fn func(Response)) {
	c.mu.Lock()
	c.unhandled = fn
	c.mu.Unlock()
}

// Deliver drains queued responses and runs their callbacks on the calling
// goroutine. It returns the number of responses handled.
func (c *Channel) Deliver() int {
	n := 0
	for {
		r, ok := c.TryReceive()
		if !ok {
			return n
		}
		n++
		c.stats.delivered.Add(1)

		c.mu.Lock()
		p, found := c.callbacks[r.ID]
		if found {
			delete(c.callbacks, r.ID)
		}
		fn := p.fn
		if fn == nil {
			fn = c.unhandled
		}
		c.mu.Unlock()

		if fn != nil {
			fn(r)
		} else {
			log.Tracef("Response %d (%s) has no receiver", r.ID, r.Method)
		}
	}
}

// SetupMainThread arranges for responses to be delivered through post, which
// must run its argument on the control event loop. Only the first call has
// effect.
func (c *Channel) SetupMainThread(post func(func())) {
	if post == nil {
		return
	}

	c.mu.Lock()
	if c.post != nil {
		c.mu.Unlock()
		log.Warnf("Main thread already set up, ignoring")
		return
	}
	c.post = post
	c.mu.Unlock()

	go c.forward(post)
	log.Debugf("Response delivery bound to main thread")
}

// forward waits for the audio side to signal queued responses and schedules
// Deliver on the main thread. It never dequeues itself.
func (c *Channel) forward(post func(func())) {
	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
			post(func() { c.Deliver() })
		}
	}
}

// Pending returns the number of callbacks still awaiting a response
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.callbacks)
}

// Audio returns the audio thread's endpoint
func (c *Channel) Audio() *AudioEndpoint {
	return c.audio
}

// Stats returns a snapshot of the channel counters
func (c *Channel) Stats() Stats {
	return Stats{
		Sent:              c.stats.sent.Load(),
		Rejected:          c.stats.rejected.Load(),
		Responded:         c.stats.responded.Load(),
		ResponsesRejected: c.stats.responsesRejected.Load(),
		Delivered:         c.stats.delivered.Load(),
		QueuedRequests:    len(c.requests),
		QueuedResponses:   len(c.responses),
		ReplySlots:        int(c.replySlots.Load()),
	}
}

// Close stops main-thread delivery and rejects further sends. Queued
// messages stay readable.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// AudioEndpoint is the audio thread's side of a Channel
type AudioEndpoint struct {
	c *Channel
}

// TryReceive dequeues the next request if one is queued
func (a *AudioEndpoint) TryReceive() (Message, bool) {
	select {
	case m := <-a.c.requests:
		return m, true
	default:
		return Message{}, false
	}
}

// Respond enqueues r for the control side. It never blocks and returns
// ErrChannelFull when the response queue has no room, which cannot happen
// for replies to requests that took a reply slot.
func (a *AudioEndpoint) Respond(r Response) error {
	select {
	case a.c.responses <- r:
		a.c.stats.responded.Add(1)
		signal(a.c.notify)
		return nil
	default:
		a.c.stats.responsesRejected.Add(1)
		return ErrChannelFull
	}
}

// Send lets audio-side producers, such as the sequencer, enqueue requests.
// It takes no reply slot: a request that wants a reply must have been
// registered with Channel.Expect, which holds the slot for it.
func (a *AudioEndpoint) Send(msg Message) error {
	return a.c.enqueue(msg)
}

// Wake fires after requests are queued
func (a *AudioEndpoint) Wake() <-chan struct{} {
	return a.c.wake
}

// signal performs a non-blocking notify on a 1-slot channel
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
