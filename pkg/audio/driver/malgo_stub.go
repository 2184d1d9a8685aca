//go:build !malgo

// ABOUTME: Placeholder for builds without the malgo backend
// ABOUTME: Build with -tags malgo to register the miniaudio driver
package driver

// MalgoAvailable reports whether the miniaudio backend was compiled in
const MalgoAvailable = false
