// ABOUTME: RPC message, response and method definitions
// ABOUTME: Messages are plain values so crossing the thread boundary never shares memory
package rpc

import (
	"fmt"
	"strings"
)

// CallID correlates a request with its response. Zero means no reply.
type CallID uint64

// Method names an engine operation
type Method uint8

const (
	MethodUnknown Method = iota
	MethodPlay
	MethodStop
	MethodSeek
	MethodSetVolume
	MethodSetMute
	MethodSetTrackGain
	MethodSetTrackFrequency
	MethodSetTrackEnabled
	MethodSetParam
	MethodQueryState
	MethodPing
)

var methodNames = map[Method]string{
	MethodUnknown:           "unknown",
	MethodPlay:              "play",
	MethodStop:              "stop",
	MethodSeek:              "seek",
	MethodSetVolume:         "set_volume",
	MethodSetMute:           "set_mute",
	MethodSetTrackGain:      "set_track_gain",
	MethodSetTrackFrequency: "set_track_frequency",
	MethodSetTrackEnabled:   "set_track_enabled",
	MethodSetParam:          "set_param",
	MethodQueryState:        "query_state",
	MethodPing:              "ping",
}

func (m Method) String() string {
	if s, ok := methodNames[m]; ok {
		return s
	}
	return fmt.Sprintf("method(%d)", uint8(m))
}

// ParseMethod resolves a wire name such as "set_volume"
func ParseMethod(s string) (Method, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m, name := range methodNames {
		if name == s && m != MethodUnknown {
			return m, nil
		}
	}
	return MethodUnknown, fmt.Errorf("unknown method %q", s)
}

// Args holds the scalar arguments of a Message. It must stay free of
// pointers, slices and maps.
type Args struct {
	Track    int     `json:"track,omitempty"`
	Value    float64 `json:"value,omitempty"`
	Position int64   `json:"position,omitempty"`
	Flag     bool    `json:"flag,omitempty"`
	Name     string  `json:"name,omitempty"`
}

// Message is a request for the audio thread
type Message struct {
	ID     CallID
	Method Method
	Args   Args
}

// WantsReply reports whether the sender expects a Response
func (m Message) WantsReply() bool {
	return m.ID != 0
}

// Code is the outcome of applying a Message
type Code uint8

const (
	CodeOK Code = iota
	CodeUnknownMethod
	CodeInvalidArgument
	CodeWrongThread
	CodeNotInitialized
	CodeAbandoned
	CodeDropped
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeUnknownMethod:
		return "unknown_method"
	case CodeInvalidArgument:
		return "invalid_argument"
	case CodeWrongThread:
		return "wrong_thread"
	case CodeNotInitialized:
		return "not_initialized"
	case CodeAbandoned:
		return "abandoned"
	case CodeDropped:
		return "dropped"
	default:
		return fmt.Sprintf("code(%d)", uint8(c))
	}
}

// MaxTracks bounds the per-track gain snapshot
const MaxTracks = 8

// Status is a copy of engine state taken on the audio thread
type Status struct {
	Playing    bool               `json:"playing"`
	Position   int64              `json:"position"`
	Volume     float64            `json:"volume"`
	Muted      bool               `json:"muted"`
	Underruns  uint64             `json:"underruns"`
	Tracks     int                `json:"tracks"`
	TrackGains [MaxTracks]float64 `json:"track_gains"`
}

// Response answers a Message with the same ID
type Response struct {
	ID     CallID
	Method Method
	Code   Code
	Status Status
}

// Err converts a failure code into an error
func (r Response) Err() error {
	if r.Code == CodeOK {
		return nil
	}
	return &CallError{ID: r.ID, Method: r.Method, Code: r.Code}
}

// CallError is a non-OK response surfaced as an error
type CallError struct {
	ID     CallID
	Method Method
	Code   Code
}

func (e *CallError) Error() string {
	return fmt.Sprintf("rpc call %d (%s) failed: %s", e.ID, e.Method, e.Code)
}
