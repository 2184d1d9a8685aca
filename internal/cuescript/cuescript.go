// ABOUTME: Lua cue scripts that schedule timed engine calls on the sequencer
// ABOUTME: Exposes cue, after, param, cancel and now to a sandboxed gopher-lua state
package cuescript

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Resonate-Protocol/audiocore/pkg/rpc"
	"github.com/Resonate-Protocol/audiocore/pkg/sequencer"
	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"
)

// ErrNoScheduler is returned when a Runner has nothing to schedule on
var ErrNoScheduler = errors.New("cue script has no scheduler")

// Scheduler is the sequencer surface scripts drive
type Scheduler interface {
	Schedule(at time.Duration, msg rpc.Message) (sequencer.EventID, error)
	Cancel(id sequencer.EventID) bool
	Now() time.Duration
}

// Runner executes cue scripts against a scheduler
type Runner struct {
	sched     Scheduler
	scheduled []sequencer.EventID
}

// New creates a runner for sched
func New(sched Scheduler) *Runner {
	return &Runner{sched: sched}
}

// RunFile executes the script at path
func (r *Runner) RunFile(ctx context.Context, path string) error {
	return r.run(ctx, path, func(L *lua.LState) error { return L.DoFile(path) })
}

// RunString executes src; name is used in log and error messages
func (r *Runner) RunString(ctx context.Context, name, src string) error {
	return r.run(ctx, name, func(L *lua.LState) error { return L.DoString(src) })
}

// Scheduled returns the ids of every event scheduled so far
func (r *Runner) Scheduled() []sequencer.EventID {
	out := make([]sequencer.EventID, len(r.scheduled))
	copy(out, r.scheduled)
	return out
}

// CancelAll cancels every event this runner scheduled. Dispatched events
// are unaffected.
func (r *Runner) CancelAll() {
	for _, id := range r.scheduled {
		r.sched.Cancel(id)
	}
	r.scheduled = r.scheduled[:0]
}

func (r *Runner) run(ctx context.Context, name string, exec func(*lua.LState) error) error {
	if r.sched == nil {
		return ErrNoScheduler
	}

	L := newState()
	defer L.Close()
	L.SetContext(ctx)
	r.register(L)

	before := len(r.scheduled)
	if err := exec(L); err != nil {
		return fmt.Errorf("cue script %s: %w", name, err)
	}

	log.Infof("Cue script %s scheduled %d events", name, len(r.scheduled)-before)
	return nil
}

// newState opens only the libraries a cue script needs
func newState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	return L
}

func (r *Runner) register(L *lua.LState) {
	L.SetGlobal("cue", L.NewFunction(r.luaCue))
	L.SetGlobal("after", L.NewFunction(r.luaAfter))
	L.SetGlobal("param", L.NewFunction(r.luaParam))
	L.SetGlobal("cancel", L.NewFunction(r.luaCancel))
	L.SetGlobal("now", L.NewFunction(r.luaNow))
}

// cue(at_ms, method, value [, track]) -> event id
func (r *Runner) luaCue(L *lua.LState) int {
	at := msDuration(L.CheckNumber(1))
	return r.scheduleCall(L, at)
}

// after(ms, method, value [, track]) -> event id
func (r *Runner) luaAfter(L *lua.LState) int {
	at := r.sched.Now() + msDuration(L.CheckNumber(1))
	return r.scheduleCall(L, at)
}

// param(at_ms, name, value) -> event id
func (r *Runner) luaParam(L *lua.LState) int {
	at := msDuration(L.CheckNumber(1))
	msg := rpc.Message{
		Method: rpc.MethodSetParam,
		Args:   rpc.Args{Name: L.CheckString(2), Value: float64(L.CheckNumber(3))},
	}
	return r.push(L, at, msg)
}

// cancel(event_id)
func (r *Runner) luaCancel(L *lua.LState) int {
	id, err := uuid.Parse(L.CheckString(1))
	if err != nil {
		L.ArgError(1, "invalid event id")
		return 0
	}
	r.sched.Cancel(id)
	return 0
}

// now() -> ms on the sequencer timebase
func (r *Runner) luaNow(L *lua.LState) int {
	L.Push(lua.LNumber(r.sched.Now().Milliseconds()))
	return 1
}

func (r *Runner) scheduleCall(L *lua.LState, at time.Duration) int {
	method, err := rpc.ParseMethod(L.CheckString(2))
	if err != nil {
		L.ArgError(2, err.Error())
		return 0
	}
	args, err := argsFor(method, L.Get(3), L.OptInt(4, 0))
	if err != nil {
		L.ArgError(3, err.Error())
		return 0
	}
	return r.push(L, at, rpc.Message{Method: method, Args: args})
}

func (r *Runner) push(L *lua.LState, at time.Duration, msg rpc.Message) int {
	if at < 0 {
		L.ArgError(1, "time must not be negative")
		return 0
	}
	id, err := r.sched.Schedule(at, msg)
	if err != nil {
		L.RaiseError("schedule %s at %v: %v", msg.Method, at, err)
		return 0
	}
	r.scheduled = append(r.scheduled, id)
	log.Tracef("Cue %s at %v (%s)", msg.Method, at, id)

	L.Push(lua.LString(id.String()))
	return 1
}

// argsFor maps a script value onto the argument field the method reads
func argsFor(method rpc.Method, v lua.LValue, track int) (rpc.Args, error) {
	args := rpc.Args{Track: track}

	switch v := v.(type) {
	case lua.LNumber:
		args.Value = float64(v)
		args.Flag = v != 0
	case lua.LBool:
		args.Flag = bool(v)
		if v {
			args.Value = 1
		}
	case *lua.LNilType:
	default:
		return args, fmt.Errorf("value must be a number or boolean, got %s", v.Type())
	}

	if method == rpc.MethodSeek {
		args.Position = int64(args.Value)
	}
	return args, nil
}

func msDuration(n lua.LNumber) time.Duration {
	return time.Duration(float64(n) * float64(time.Millisecond))
}
