// ABOUTME: Remote control message definitions
// ABOUTME: JSON envelopes of {type, payload} exchanged over the control WebSocket
package control

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Resonate-Protocol/audiocore/pkg/engine"
	"github.com/Resonate-Protocol/audiocore/pkg/rpc"
	"github.com/Resonate-Protocol/audiocore/pkg/sequencer"
)

const (
	// ProtocolVersion is sent in both hellos
	ProtocolVersion = 1

	// Path is the WebSocket endpoint
	Path = "/audiocore"
)

// Message types
const (
	TypeClientHello = "client/hello"
	TypeServerHello = "server/hello"
	TypeServerError = "server/error"
	TypeEngineCall  = "engine/call"
	TypeEngineReply = "engine/reply"
	TypeEngineStats = "engine/stats"
	TypeSchedule    = "sequencer/schedule"
	TypeScheduled   = "sequencer/scheduled"
	TypeCancel      = "sequencer/cancel"
	TypeCancelled   = "sequencer/cancelled"
)

// Error codes carried in server/error
const (
	ErrCodeDuplicateClient = "duplicate_client_id"
	ErrCodeInvalidMessage  = "invalid_message"
	ErrCodeUnknownType     = "unknown_type"
	ErrCodeUnknownMethod   = "unknown_method"
	ErrCodeChannelFull     = "channel_full"
	ErrCodeSequencerFull   = "sequencer_full"
	ErrCodeNotReady        = "not_ready"
	ErrCodeInternal        = "internal"
)

// Envelope is the outgoing wrapper for every message
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Message is an incoming envelope whose payload is decoded by type
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ClientHello opens a session
type ClientHello struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
	Version  int    `json:"version"`
}

// ServerHello describes the engine behind the server
type ServerHello struct {
	ServerID     string `json:"server_id"`
	Name         string `json:"name"`
	Version      int    `json:"version"`
	Software     string `json:"software"`
	Driver       string `json:"driver"`
	SampleRate   int    `json:"sample_rate"`
	Channels     int    `json:"channels"`
	BufferFrames int    `json:"buffer_frames"`
}

// EngineCall asks the audio thread to apply one method
type EngineCall struct {
	ID     uint64   `json:"id"`
	Method string   `json:"method"`
	Args   rpc.Args `json:"args"`
}

// EngineReply is the response to an EngineCall, or to a scheduled event
// that asked for one
type EngineReply struct {
	ID     uint64     `json:"id"`
	Method string     `json:"method"`
	Code   string     `json:"code"`
	Status rpc.Status `json:"status"`
}

// Err reports a non-ok reply as an error
func (r EngineReply) Err() error {
	if r.Code == rpc.CodeOK.String() {
		return nil
	}
	return fmt.Errorf("%s: %s", r.Method, r.Code)
}

// ScheduleRequest queues a method on the sequencer. AtMs is an absolute
// offset on the sequencer timebase; when nil, AfterMs is relative to now.
type ScheduleRequest struct {
	ID      uint64   `json:"id"`
	AtMs    *int64   `json:"at_ms,omitempty"`
	AfterMs int64    `json:"after_ms,omitempty"`
	Method  string   `json:"method"`
	Args    rpc.Args `json:"args"`
	Reply   bool     `json:"reply,omitempty"`
}

// Scheduled confirms a ScheduleRequest
type Scheduled struct {
	ID      uint64 `json:"id"`
	EventID string `json:"event_id"`
	AtMs    int64  `json:"at_ms"`
}

// CancelRequest removes a pending event
type CancelRequest struct {
	ID      uint64 `json:"id"`
	EventID string `json:"event_id"`
}

// Cancelled confirms a CancelRequest. Pending is the sequencer count after
// the cancel.
type Cancelled struct {
	ID      uint64 `json:"id"`
	EventID string `json:"event_id"`
	Pending int    `json:"pending"`
}

// StatsRequest asks for engine counters
type StatsRequest struct {
	ID uint64 `json:"id"`
}

// EngineStats reports counters from all three layers
type EngineStats struct {
	ID        uint64          `json:"id"`
	Engine    engine.Stats    `json:"engine"`
	RPC       rpc.Stats       `json:"rpc"`
	Sequencer sequencer.Stats `json:"sequencer"`
	ClockMs   int64           `json:"clock_ms"`
}

// ErrorPayload reports a failed request or rejected session
type ErrorPayload struct {
	ID      uint64 `json:"id,omitempty"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ServerError is an ErrorPayload returned to Client callers
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// errorCode maps local failures onto wire error codes
func errorCode(err error) string {
	switch {
	case errors.Is(err, sequencer.ErrSequencerFull):
		return ErrCodeSequencerFull
	case errors.Is(err, rpc.ErrChannelFull):
		return ErrCodeChannelFull
	case errors.Is(err, rpc.ErrClosed), errors.Is(err, sequencer.ErrNotSetup):
		return ErrCodeNotReady
	default:
		return ErrCodeInternal
	}
}

func newReply(id uint64, resp rpc.Response) EngineReply {
	return EngineReply{
		ID:     id,
		Method: resp.Method.String(),
		Code:   resp.Code.String(),
		Status: resp.Status,
	}
}
