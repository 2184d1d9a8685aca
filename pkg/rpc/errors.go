package rpc

import "errors"

var (
	// ErrChannelFull is returned when a bounded queue has no room
	ErrChannelFull = errors.New("rpc channel full")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("rpc channel closed")
	// ErrDuplicateID is returned when a correlation id is still awaiting
	// its response
	ErrDuplicateID = errors.New("rpc call id already in use")
	// ErrInvalidID is returned for the zero correlation id where one is required
	ErrInvalidID = errors.New("rpc call id must be non-zero")
)
