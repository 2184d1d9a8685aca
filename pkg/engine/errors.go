package engine

import "errors"

var (
	// ErrDriverOpenFailed wraps the backend error when Init cannot open the device
	ErrDriverOpenFailed = errors.New("audio driver open failed")
	// ErrEngineNotInitialized is returned by Thread.Run before a successful Init
	ErrEngineNotInitialized = errors.New("audio engine not initialized")
	// ErrAlreadyInitialized is returned by a second Init without Deinit
	ErrAlreadyInitialized = errors.New("audio engine already initialized")
	// ErrEngineBusy is returned by Deinit while a running thread owns the engine
	ErrEngineBusy = errors.New("audio engine owned by a running thread")
	// ErrWrongThread is returned when a thread other than the owner touches engine state
	ErrWrongThread = errors.New("engine state touched from a non-owning thread")
	// ErrThreadStopped is returned by Run after Stop
	ErrThreadStopped = errors.New("audio thread already stopped")
	// ErrThreadRunning is returned by a second Run
	ErrThreadRunning = errors.New("audio thread already running")
)
