package cuescript

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Resonate-Protocol/audiocore/pkg/rpc"
	"github.com/Resonate-Protocol/audiocore/pkg/sequencer"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scheduledCall struct {
	at  time.Duration
	msg rpc.Message
}

type fakeScheduler struct {
	now       time.Duration
	calls     []scheduledCall
	ids       []sequencer.EventID
	cancelled []sequencer.EventID
	err       error
}

func (f *fakeScheduler) Schedule(at time.Duration, msg rpc.Message) (sequencer.EventID, error) {
	if f.err != nil {
		return uuid.Nil, f.err
	}
	id := uuid.New()
	f.calls = append(f.calls, scheduledCall{at: at, msg: msg})
	f.ids = append(f.ids, id)
	return id, nil
}

func (f *fakeScheduler) Cancel(id sequencer.EventID) bool {
	f.cancelled = append(f.cancelled, id)
	return true
}

func (f *fakeScheduler) Now() time.Duration {
	return f.now
}

func TestCueSchedulesCalls(t *testing.T) {
	sched := &fakeScheduler{}
	r := New(sched)

	err := r.RunString(context.Background(), "intro", `
		cue(0, "play", 0)
		cue(250, "set_volume", 0.5)
		cue(500, "set_track_gain", 0.1, 1)
		cue(750, "set_mute", true)
		cue(1000, "seek", 4800)
	`)
	require.NoError(t, err)
	require.Len(t, sched.calls, 5)

	assert.Equal(t, rpc.MethodPlay, sched.calls[0].msg.Method)
	assert.Equal(t, time.Duration(0), sched.calls[0].at)

	assert.Equal(t, 250*time.Millisecond, sched.calls[1].at)
	assert.Equal(t, 0.5, sched.calls[1].msg.Args.Value)

	assert.Equal(t, rpc.MethodSetTrackGain, sched.calls[2].msg.Method)
	assert.Equal(t, 1, sched.calls[2].msg.Args.Track)

	assert.True(t, sched.calls[3].msg.Args.Flag)
	assert.Equal(t, int64(4800), sched.calls[4].msg.Args.Position)

	for _, c := range sched.calls {
		assert.False(t, c.msg.WantsReply())
	}
	assert.Equal(t, sched.ids, r.Scheduled())
}

func TestAfterIsRelativeToNow(t *testing.T) {
	sched := &fakeScheduler{now: 2 * time.Second}
	r := New(sched)

	require.NoError(t, r.RunString(context.Background(), "after", `after(100, "stop", 0)`))
	require.Len(t, sched.calls, 1)
	assert.Equal(t, 2100*time.Millisecond, sched.calls[0].at)
}

func TestParamAndLoops(t *testing.T) {
	sched := &fakeScheduler{}
	r := New(sched)

	err := r.RunString(context.Background(), "sweep", `
		for i = 0, 3 do
			param(i * 100, "track.0.freq", 220 * (i + 1))
		end
	`)
	require.NoError(t, err)
	require.Len(t, sched.calls, 4)
	assert.Equal(t, "track.0.freq", sched.calls[3].msg.Args.Name)
	assert.Equal(t, 880.0, sched.calls[3].msg.Args.Value)
	assert.Equal(t, 300*time.Millisecond, sched.calls[3].at)
}

func TestCancelFromScript(t *testing.T) {
	sched := &fakeScheduler{}
	r := New(sched)

	err := r.RunString(context.Background(), "cancel", `
		local id = cue(1000, "play", 0)
		cancel(id)
	`)
	require.NoError(t, err)
	require.Len(t, sched.cancelled, 1)
	assert.Equal(t, sched.ids[0], sched.cancelled[0])
}

func TestNowIsExposed(t *testing.T) {
	sched := &fakeScheduler{now: 1500 * time.Millisecond}
	r := New(sched)

	require.NoError(t, r.RunString(context.Background(), "now", `cue(now() + 10, "play", 0)`))
	assert.Equal(t, 1510*time.Millisecond, sched.calls[0].at)
}

func TestScriptErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unknown method", `cue(0, "explode", 1)`},
		{"negative time", `cue(-5, "play", 0)`},
		{"bad value", `cue(0, "set_volume", "loud")`},
		{"bad cancel id", `cancel("nope")`},
		{"syntax", `cue(0, "play"`},
		{"no io library", `io.open("x")`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(&fakeScheduler{})
			assert.Error(t, r.RunString(context.Background(), tt.name, tt.src))
		})
	}
}

func TestScheduleFailureRaises(t *testing.T) {
	sched := &fakeScheduler{err: sequencer.ErrSequencerFull}
	r := New(sched)

	err := r.RunString(context.Background(), "full", `cue(0, "play", 0)`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sequencer full")
}

func TestCancelAll(t *testing.T) {
	sched := &fakeScheduler{}
	r := New(sched)

	require.NoError(t, r.RunString(context.Background(), "two", `cue(0, "play", 0) cue(10, "stop", 0)`))
	r.CancelAll()
	assert.ElementsMatch(t, sched.ids, sched.cancelled)
	assert.Empty(t, r.Scheduled())
}

func TestRunFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cues.lua")
	require.NoError(t, os.WriteFile(path, []byte(`cue(100, "play", 0)`), 0o644))

	sched := &fakeScheduler{}
	require.NoError(t, New(sched).RunFile(context.Background(), path))
	assert.Len(t, sched.calls, 1)

	assert.Error(t, New(sched).RunFile(context.Background(), filepath.Join(t.TempDir(), "missing.lua")))
}

func TestNilScheduler(t *testing.T) {
	assert.ErrorIs(t, New(nil).RunString(context.Background(), "x", ""), ErrNoScheduler)
}
