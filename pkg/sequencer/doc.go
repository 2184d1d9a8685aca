// ABOUTME: Timed dispatch of rpc messages to the audio thread
// ABOUTME: Events fire at most once, in time order with insertion order breaking ties
// Package sequencer schedules rpc messages against a monotonic timebase.
//
// The timebase starts at Setup. Tick is driven by the audio thread once per
// cycle, so dispatch resolution equals the audio cycle period (5ms by
// default). Each due event produces exactly one Send; a failed Send drops
// the event and is counted, never retried.
//
//	seq := sequencer.New(channel)
//	seq.Setup()
//	id, _ := seq.Schedule(2*time.Second, rpc.Message{Method: rpc.MethodPlay})
//	seq.Cancel(id) // no-op once dispatched
package sequencer
