// ABOUTME: Time-ordered event heap for the sequencer
// ABOUTME: Orders by scheduled time with insertion order breaking ties
package sequencer

import (
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/audiocore/pkg/rpc"
	"github.com/google/uuid"
)

const (
	statePending int32 = iota
	stateDispatched
	stateCancelled
)

// event is shared between the control-side index and the audio-side heap.
// Only state is written by both sides, and only through CompareAndSwap.
type event struct {
	id    uuid.UUID
	at    time.Duration
	msg   rpc.Message
	seq   uint64
	state atomic.Int32
}

// eventQueue implements container/heap.Interface as a min-heap on (at, seq)
type eventQueue []*event

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}
	return q[i].seq < q[j].seq
}

func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

// Push appends within the preallocated capacity
func (q *eventQueue) Push(x any) {
	*q = append(*q, x.(*event))
}

// Pop removes the last element and clears its slot
func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}

// Peek returns the earliest event without removing it
func (q eventQueue) Peek() *event {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}
