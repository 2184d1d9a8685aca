// ABOUTME: Audio fundamentals package providing core types and the shared frame buffer
// ABOUTME: Defines Format and the lock-free RingBuffer between engine and driver
// Package audio provides the sample format and the single-producer,
// single-consumer frame buffer that sits between the engine (writer) and the
// platform driver (reader).
//
// Samples are interleaved float32 in [-1, 1]. A frame holds one sample per
// channel. The RingBuffer counts in frames.
//
// Example:
//
//	buf := audio.NewRingBuffer(512, 2)
//	n := buf.Write(rendered)     // frames accepted, may be partial
//	buf.Read(out)                // zero-fills on underrun, never blocks
package audio
