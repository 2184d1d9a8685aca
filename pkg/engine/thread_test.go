// ABOUTME: Tests for the audio thread lifecycle
// ABOUTME: Covers run/stop state machine, request round-trips and abandoned replies
package engine

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Resonate-Protocol/audiocore/pkg/audio"
	"github.com/Resonate-Protocol/audiocore/pkg/audio/driver"
	"github.com/Resonate-Protocol/audiocore/pkg/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTicker struct {
	ticks atomic.Int64
}

func (c *countingTicker) Tick() { c.ticks.Add(1) }

func waitResponse(t *testing.T, ch *rpc.Channel) rpc.Response {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r, ok := ch.TryReceive(); ok {
			return r
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for response")
	return rpc.Response{}
}

func startThread(t *testing.T) (*Thread, *Engine, *rpc.Channel, *driver.Null) {
	t.Helper()
	e := NewEngine(audio.DefaultFormat())
	drv := driver.NewNull()
	require.NoError(t, e.Init(drv, 1024))

	ch := rpc.NewChannel(16)
	th := NewThread(ch, WithCyclePeriod(time.Millisecond))
	th.SetEngine(e)
	require.NoError(t, th.Run())
	t.Cleanup(func() {
		th.Stop()
		_ = e.Deinit()
	})
	return th, e, ch, drv
}

func TestThreadSetVolumeRoundTrip(t *testing.T) {
	th, _, ch, _ := startThread(t)
	assert.Equal(t, StateRunning, th.State())

	require.NoError(t, ch.Send(rpc.Message{ID: 7, Method: rpc.MethodSetVolume, Args: rpc.Args{Value: 0.5}}))

	r := waitResponse(t, ch)
	assert.Equal(t, rpc.CallID(7), r.ID)
	assert.Equal(t, rpc.CodeOK, r.Code)
	assert.Equal(t, 0.5, r.Status.Volume)
}

func TestThreadRespondsInOrderAndOnlyWithID(t *testing.T) {
	_, _, ch, _ := startThread(t)

	require.NoError(t, ch.Send(rpc.Message{ID: 1, Method: rpc.MethodPlay}))
	require.NoError(t, ch.Send(rpc.Message{Method: rpc.MethodSetVolume, Args: rpc.Args{Value: 0.3}}))
	require.NoError(t, ch.Send(rpc.Message{ID: 2, Method: rpc.MethodSetMute, Args: rpc.Args{Flag: true}}))
	require.NoError(t, ch.Send(rpc.Message{ID: 3, Method: rpc.MethodQueryState}))

	ids := []rpc.CallID{}
	var last rpc.Response
	for len(ids) < 3 {
		last = waitResponse(t, ch)
		ids = append(ids, last.ID)
	}
	assert.Equal(t, []rpc.CallID{1, 2, 3}, ids)
	assert.True(t, last.Status.Playing)
	assert.True(t, last.Status.Muted)
	assert.Equal(t, 0.3, last.Status.Volume)

	time.Sleep(10 * time.Millisecond)
	_, extra := ch.TryReceive()
	assert.False(t, extra, "fire-and-forget request must not produce a response")
}

func TestThreadRendersAndServicesDriver(t *testing.T) {
	th, e, _, drv := startThread(t)

	require.Eventually(t, func() bool {
		return th.Cycles() > 5 && drv.Pulled() > 0
	}, 2*time.Second, time.Millisecond)
	assert.Greater(t, e.Stats().FramesRendered, uint64(0))
}

func TestThreadTicksEachCycle(t *testing.T) {
	e := NewEngine(audio.DefaultFormat())
	require.NoError(t, e.Init(driver.NewNull(), 256))
	defer e.Deinit()

	tk := &countingTicker{}
	th := NewThread(rpc.NewChannel(4), WithCyclePeriod(time.Millisecond))
	th.SetEngine(e)
	th.SetTicker(tk)
	require.NoError(t, th.Run())

	require.Eventually(t, func() bool { return tk.ticks.Load() >= 3 }, 2*time.Second, time.Millisecond)
	th.Stop()
	assert.GreaterOrEqual(t, uint64(tk.ticks.Load()), th.Cycles())
}

func TestThreadStopIdempotent(t *testing.T) {
	th, e, _, drv := startThread(t)

	th.Stop()
	th.Stop()
	assert.Equal(t, StateStopped, th.State())
	assert.ErrorIs(t, th.Run(), ErrThreadStopped)

	require.NoError(t, e.Deinit())
	require.NoError(t, e.Deinit())
	assert.Equal(t, uint64(1), drv.Closes())
}

func TestThreadConcurrentStop(t *testing.T) {
	th, _, _, _ := startThread(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			th.Stop()
		}()
	}
	wg.Wait()
	assert.Equal(t, StateStopped, th.State())
}

func TestThreadStopBeforeRun(t *testing.T) {
	th := NewThread(rpc.NewChannel(4))
	th.Stop()
	assert.Equal(t, StateCreated, th.State())
}

func TestThreadRunTwice(t *testing.T) {
	th, _, _, _ := startThread(t)
	assert.ErrorIs(t, th.Run(), ErrThreadRunning)
}

func TestThreadRunWithoutEngine(t *testing.T) {
	th := NewThread(rpc.NewChannel(4))
	assert.ErrorIs(t, th.Run(), ErrEngineNotInitialized)
	assert.Equal(t, StateCreated, th.State())
}

func TestDriverOpenFailureNeverRuns(t *testing.T) {
	e := NewEngine(audio.DefaultFormat())
	err := e.Init(&fakeDriver{openErr: assert.AnError}, 512)
	require.ErrorIs(t, err, ErrDriverOpenFailed)

	th := NewThread(rpc.NewChannel(4))
	th.SetEngine(e)
	assert.ErrorIs(t, th.Run(), ErrEngineNotInitialized)
	assert.Equal(t, StateCreated, th.State())

	th.Stop()
	assert.Equal(t, StateCreated, th.State())
}

func TestDeinitWhileRunningIsRefused(t *testing.T) {
	th, e, _, _ := startThread(t)
	assert.ErrorIs(t, e.Deinit(), ErrEngineBusy)
	th.Stop()
	assert.NoError(t, e.Deinit())
}

func TestSecondThreadCannotClaim(t *testing.T) {
	_, e, _, _ := startThread(t)

	other := NewThread(rpc.NewChannel(4))
	other.SetEngine(e)
	assert.ErrorIs(t, other.Run(), ErrWrongThread)
	assert.Equal(t, StateCreated, other.State())
}

func TestShutdownAbandonsQueuedRequests(t *testing.T) {
	e, th, _ := ownedEngine(t)

	require.NoError(t, th.ch.Send(rpc.Message{ID: 11, Method: rpc.MethodPlay}))
	require.NoError(t, th.ch.Send(rpc.Message{Method: rpc.MethodPlay}))
	require.NoError(t, th.ch.Send(rpc.Message{ID: 12, Method: rpc.MethodPing}))

	th.shutdown(e)

	r1, ok := th.ch.TryReceive()
	require.True(t, ok)
	r2, ok := th.ch.TryReceive()
	require.True(t, ok)
	_, ok = th.ch.TryReceive()
	assert.False(t, ok)

	assert.Equal(t, rpc.CallID(11), r1.ID)
	assert.Equal(t, rpc.CodeAbandoned, r1.Code)
	assert.Equal(t, rpc.CallID(12), r2.ID)
	assert.Equal(t, rpc.CodeAbandoned, r2.Code)
	assert.False(t, e.playing, "abandoned requests are not applied")
	assert.Nil(t, e.owner.Load())
}
