// ABOUTME: Control-side watcher for audio quality counters
// ABOUTME: Logs underruns, wrong-thread requests and dropped replies the audio thread only counts
package engine

import (
	"context"
	"sync"
	"time"
)

// DefaultMonitorInterval is how often Run checks the counters
const DefaultMonitorInterval = time.Second

// Quality is the counter delta seen by one Check
type Quality struct {
	Underruns        uint64
	MissedFrames     uint64
	WrongThread      uint64
	Failed           uint64
	DroppedResponses uint64
}

// Zero reports whether nothing grew
func (q Quality) Zero() bool {
	return q == Quality{}
}

// Monitor reads engine and thread counters from a control goroutine and logs
// what grew since the previous check
type Monitor struct {
	engine *Engine
	thread *Thread

	mu          sync.Mutex
	lastStats   Stats
	lastDropped uint64
}

// NewMonitor watches e and the thread that runs it. t may be nil.
func NewMonitor(e *Engine, t *Thread) *Monitor {
	return &Monitor{engine: e, thread: t}
}

// Check logs counters that grew since the last call and returns the deltas
func (m *Monitor) Check() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.engine.Stats()
	var dropped uint64
	if m.thread != nil {
		dropped = m.thread.DroppedResponses()
	}

	q := Quality{
		Underruns:        delta(s.Underruns, m.lastStats.Underruns),
		MissedFrames:     delta(s.MissedFrames, m.lastStats.MissedFrames),
		WrongThread:      delta(s.WrongThread, m.lastStats.WrongThread),
		Failed:           delta(s.Failed, m.lastStats.Failed),
		DroppedResponses: delta(dropped, m.lastDropped),
	}
	m.lastStats = s
	m.lastDropped = dropped

	if q.Underruns > 0 {
		log.Warnf("Audio underruns: %d new (%d total, %d frames of silence)",
			q.Underruns, s.Underruns, q.MissedFrames)
	}
	if q.WrongThread > 0 {
		log.Warnf("Rejected %d requests from a non-owning thread", q.WrongThread)
	}
	if q.Failed > 0 {
		log.Debugf("%d requests failed to apply", q.Failed)
	}
	if q.DroppedResponses > 0 {
		log.Warnf("Dropped %d responses on a full queue", q.DroppedResponses)
	}
	return q
}

// Run calls Check every interval until ctx is done
func (m *Monitor) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = DefaultMonitorInterval
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Check()
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// delta tolerates counters that restarted, such as a new ring buffer after
// Deinit and Init
func delta(now, last uint64) uint64 {
	if now < last {
		return now
	}
	return now - last
}
