// ABOUTME: Tests for the audio module bootstrap
// ABOUTME: Covers init ordering, driver failure, exported interfaces and teardown
package audiomodule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Resonate-Protocol/audiocore/pkg/audio/driver"
	"github.com/Resonate-Protocol/audiocore/pkg/engine"
	"github.com/Resonate-Protocol/audiocore/pkg/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticConfig int

func (c staticConfig) DriverBufferSize() int { return int(c) }

type failingDriver struct {
	closes int
}

func (f *failingDriver) Name() string { return "failing" }

func (f *failingDriver) Open(driver.Spec, driver.Callback) error {
	return errors.New("device busy")
}

func (f *failingDriver) Close() error {
	f.closes++
	return nil
}

func TestModuleName(t *testing.T) {
	m := New(staticConfig(256))
	assert.Equal(t, "audio_engine", m.ModuleName())
}

func TestHeadlessLifecycle(t *testing.T) {
	m := New(staticConfig(512), WithCyclePeriod(time.Millisecond))

	require.NoError(t, m.OnInit(RunModeHeadless))
	assert.Equal(t, engine.StateRunning, m.ThreadState())
	assert.True(t, m.Engine().IsInitialized())
	assert.Equal(t, 512, m.Engine().BufferSize())
	assert.Equal(t, "null", m.Engine().DriverName())

	assert.ErrorIs(t, m.OnInit(RunModeHeadless), ErrAlreadyInitialized)

	require.NoError(t, m.OnDeinit())
	assert.Equal(t, engine.StateStopped, m.ThreadState())
	assert.False(t, m.Engine().IsInitialized())
	require.NoError(t, m.OnDeinit())
}

func TestDriverOpenFailure(t *testing.T) {
	drv := &failingDriver{}
	m := New(staticConfig(512), WithDriver(drv))

	err := m.OnInit(RunModeGUI)
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrDriverOpenFailed))
	assert.Equal(t, engine.StateCreated, m.ThreadState())

	require.NoError(t, m.OnDeinit())
	assert.Equal(t, engine.StateCreated, m.ThreadState())
	assert.Equal(t, 0, drv.closes)
}

func TestUnknownDriverName(t *testing.T) {
	m := New(staticConfig(512), WithDriverName("jack"))
	err := m.OnInit(RunModeConsole)
	assert.ErrorIs(t, err, driver.ErrUnknownDriver)
	assert.Equal(t, engine.StateCreated, m.ThreadState())
}

func TestCallDeliveredOnMainLoop(t *testing.T) {
	loop := rpc.NewMainLoop(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	m := New(staticConfig(256), WithMainThread(loop.Post), WithCyclePeriod(time.Millisecond))
	require.NoError(t, m.OnInit(RunModeHeadless))
	defer m.OnDeinit()

	got := make(chan rpc.Response, 1)
	err := loop.Do(ctx, func() {
		_, err := m.Channel().Call(rpc.Message{ID: 7, Method: rpc.MethodSetVolume, Args: rpc.Args{Value: 0.5}}, func(r rpc.Response) {
			got <- r
		})
		assert.NoError(t, err)
	})
	require.NoError(t, err)

	select {
	case r := <-got:
		assert.Equal(t, rpc.CallID(7), r.ID)
		assert.Equal(t, rpc.CodeOK, r.Code)
		assert.Equal(t, 0.5, r.Status.Volume)
	case <-time.After(2 * time.Second):
		t.Fatal("response not delivered")
	}
}

func TestSequencerDrivesEngine(t *testing.T) {
	m := New(staticConfig(256), WithCyclePeriod(time.Millisecond))
	require.NoError(t, m.OnInit(RunModeHeadless))
	defer m.OnDeinit()

	_, err := m.Sequencer().ScheduleAfter(5*time.Millisecond, rpc.Message{Method: rpc.MethodPlay})
	require.NoError(t, err)
	_, err = m.Sequencer().ScheduleAfter(10*time.Millisecond, rpc.Message{ID: 99, Method: rpc.MethodQueryState})
	require.NoError(t, err)

	var resp rpc.Response
	require.Eventually(t, func() bool {
		r, ok := m.Channel().TryReceive()
		if ok {
			resp = r
		}
		return ok
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, rpc.CallID(99), resp.ID)
	assert.True(t, resp.Status.Playing)
	assert.Equal(t, 0, m.Sequencer().Pending())
}

func TestRunModeString(t *testing.T) {
	assert.Equal(t, "headless", RunModeHeadless.String())
	assert.Equal(t, "gui", RunModeGUI.String())
	assert.Equal(t, "runmode(9)", RunMode(9).String())
}

type capturingDriver struct {
	cb driver.Callback
}

func (c *capturingDriver) Name() string { return "capture" }

func (c *capturingDriver) Open(_ driver.Spec, cb driver.Callback) error {
	c.cb = cb
	return nil
}

func (c *capturingDriver) Close() error { return nil }

func TestQualityReportedFromControlSide(t *testing.T) {
	drv := &capturingDriver{}
	m := New(staticConfig(512),
		WithDriver(drv),
		WithCyclePeriod(time.Millisecond),
		WithMonitorInterval(time.Hour))
	require.NoError(t, m.OnInit(RunModeConsole))

	// a device pulling more than the buffer holds always comes up short
	out := make([]float32, 2*1024)
	drv.cb(out, 1024)

	q := m.CheckQuality()
	assert.Equal(t, uint64(1), q.Underruns)
	assert.NotZero(t, q.MissedFrames)

	require.NoError(t, m.OnDeinit())
}
