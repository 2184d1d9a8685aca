// ABOUTME: Audio subsystem bootstrap as an explicit owning context
// ABOUTME: Exports engine, rpc channel and sequencer interfaces to collaborators
// Package audiomodule assembles the audio engine core.
//
// OnInit resolves a driver, initializes the engine with the configured
// buffer size, sets up the sequencer and main-thread delivery, and starts the
// audio thread. OnDeinit stops the thread before deinitializing the engine.
// A Module is used for one OnInit/OnDeinit cycle.
//
//	m := audiomodule.New(cfg, audiomodule.WithMainThread(loop.Post))
//	if err := m.OnInit(audiomodule.RunModeConsole); err != nil { ... }
//	defer m.OnDeinit()
//	m.Channel().Send(rpc.Message{Method: rpc.MethodPlay})
package audiomodule
