// ABOUTME: Platform audio driver abstraction and runtime backend selection
// ABOUTME: Backends pull frames through a callback bound to the engine's ring buffer
// Package driver abstracts the platform audio output.
//
// A Driver is opened with a Spec and a Callback. The backend invokes the
// callback from its own audio thread whenever the device needs frames; the
// callback must fill out completely and must not block.
//
// Backends:
//   - oto: cross-platform via ebitengine/oto (macOS, Windows, Linux, WASM)
//   - pulse: PulseAudio / PipeWire-pulse, pure Go (Linux)
//   - malgo: miniaudio via cgo, built with -tags malgo
//   - null: headless, pulled by the audio thread through Service
//
// Example:
//
//	drv, err := driver.New("auto")
//	err = drv.Open(driver.Spec{Format: audio.DefaultFormat(), BufferFrames: 512}, buf.Read)
package driver
