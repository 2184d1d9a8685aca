// ABOUTME: Command-line parsing for audioctl
// ABOUTME: Maps words like "volume 0.5" or "at 1000 play" onto control requests
package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Resonate-Protocol/audiocore/pkg/rpc"
)

var errUsage = errors.New("usage")

type commandKind int

const (
	kindCall commandKind = iota
	kindSchedule
	kindCancel
	kindStats
)

// command is one parsed invocation
type command struct {
	kind    commandKind
	method  rpc.Method
	args    rpc.Args
	atMs    *int64
	afterMs int64
	eventID string
	wait    bool
}

// shortcuts map friendly verbs onto engine methods
var shortcuts = map[string]rpc.Method{
	"play":   rpc.MethodPlay,
	"stop":   rpc.MethodStop,
	"pause":  rpc.MethodStop,
	"status": rpc.MethodQueryState,
	"ping":   rpc.MethodPing,
	"volume": rpc.MethodSetVolume,
	"mute":   rpc.MethodSetMute,
	"seek":   rpc.MethodSeek,
	"gain":   rpc.MethodSetTrackGain,
	"freq":   rpc.MethodSetTrackFrequency,
	"enable": rpc.MethodSetTrackEnabled,
	"param":  rpc.MethodSetParam,
}

const usage = `commands:
  play | stop | status | ping | stats
  volume <0..1>          mute <on|off>          seek <frames>
  gain <track> <0..1>    freq <track> <hz>      enable <track> <on|off>
  param <name> <value>   call <method> <args...>
  at <ms> <cmd...>       after <ms> <cmd...>    [add -wait to get the reply]
  cancel <event-id>`

func parseCommand(words []string) (command, error) {
	if len(words) == 0 {
		return command{}, errUsage
	}

	verb, rest := strings.ToLower(words[0]), words[1:]
	switch verb {
	case "stats":
		return command{kind: kindStats}, nil

	case "cancel":
		if len(rest) != 1 {
			return command{}, fmt.Errorf("cancel needs an event id: %w", errUsage)
		}
		return command{kind: kindCancel, eventID: rest[0]}, nil

	case "at", "after":
		return parseSchedule(verb, rest)

	case "call":
		if len(rest) == 0 {
			return command{}, fmt.Errorf("call needs a method: %w", errUsage)
		}
		method, err := rpc.ParseMethod(rest[0])
		if err != nil {
			return command{}, err
		}
		return parseArgs(method, rest[1:])
	}

	method, ok := shortcuts[verb]
	if !ok {
		return command{}, fmt.Errorf("unknown command %q: %w", verb, errUsage)
	}
	return parseArgs(method, rest)
}

func parseSchedule(verb string, rest []string) (command, error) {
	wait := false
	if n := len(rest); n > 0 && rest[n-1] == "-wait" {
		wait = true
		rest = rest[:n-1]
	}
	if len(rest) < 2 {
		return command{}, fmt.Errorf("%s needs a time and a command: %w", verb, errUsage)
	}

	ms, err := strconv.ParseInt(rest[0], 10, 64)
	if err != nil || ms < 0 {
		return command{}, fmt.Errorf("invalid time %q", rest[0])
	}

	cmd, err := parseCommand(rest[1:])
	if err != nil {
		return command{}, err
	}
	if cmd.kind != kindCall {
		return command{}, fmt.Errorf("only engine calls can be scheduled: %w", errUsage)
	}

	cmd.kind = kindSchedule
	cmd.wait = wait
	if verb == "at" {
		cmd.atMs = &ms
	} else {
		cmd.afterMs = ms
	}
	return cmd, nil
}

// parseArgs reads the positional arguments each method expects
func parseArgs(method rpc.Method, rest []string) (command, error) {
	cmd := command{kind: kindCall, method: method}
	need := func(n int) error {
		if len(rest) < n {
			return fmt.Errorf("%s needs %d argument(s): %w", method, n, errUsage)
		}
		return nil
	}

	var err error
	switch method {
	case rpc.MethodSetVolume:
		if err = need(1); err == nil {
			cmd.args.Value, err = parseFloat(rest[0])
		}
	case rpc.MethodSetMute:
		if err = need(1); err == nil {
			cmd.args.Flag, err = parseSwitch(rest[0])
		}
	case rpc.MethodSeek:
		if err = need(1); err == nil {
			cmd.args.Position, err = strconv.ParseInt(rest[0], 10, 64)
		}
	case rpc.MethodSetTrackGain, rpc.MethodSetTrackFrequency:
		if err = need(2); err == nil {
			if cmd.args.Track, err = strconv.Atoi(rest[0]); err == nil {
				cmd.args.Value, err = parseFloat(rest[1])
			}
		}
	case rpc.MethodSetTrackEnabled:
		if err = need(2); err == nil {
			if cmd.args.Track, err = strconv.Atoi(rest[0]); err == nil {
				cmd.args.Flag, err = parseSwitch(rest[1])
			}
		}
	case rpc.MethodSetParam:
		if err = need(2); err == nil {
			cmd.args.Name = rest[0]
			cmd.args.Value, err = parseFloat(rest[1])
		}
	}
	if err != nil {
		return command{}, err
	}
	return cmd, nil
}

func parseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return v, nil
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "yes":
		return true, nil
	case "off", "no":
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid switch %q (want on or off)", s)
	}
	return b, nil
}
