// ABOUTME: Real-time audio engine and its dedicated worker thread
// ABOUTME: Engine state is single-writer; control code reaches it only through rpc messages
// Package engine implements the audio engine and the AudioThread that owns it.
//
// Lifecycle:
//
//	e := engine.NewEngine(audio.DefaultFormat())
//	if err := e.Init(drv, 1024); err != nil { ... }   // opens the driver
//	th := engine.NewThread(ch)
//	th.SetEngine(e)
//	th.Run()                                           // Created -> Running
//	...
//	th.Stop()                                          // Running -> Stopped, idempotent
//	e.Deinit()                                         // closes the driver once
//
// While running, the thread is the only goroutine allowed to mutate engine
// state. Each cycle it ticks the sequencer, applies queued rpc messages in
// order, renders into the ring buffer and services headless drivers.
package engine
