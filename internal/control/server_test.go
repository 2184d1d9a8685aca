// ABOUTME: Tests for the control server and client against a headless module
// ABOUTME: Exercises handshake, engine calls, scheduling, cancellation and errors
package control

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Resonate-Protocol/audiocore/internal/version"
	"github.com/Resonate-Protocol/audiocore/pkg/audiomodule"
	"github.com/Resonate-Protocol/audiocore/pkg/rpc"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufferFrames int

func (b bufferFrames) DriverBufferSize() int { return int(b) }

// startServer runs a headless module, a main loop and a control server
// and returns the server address
func startServer(t *testing.T) (string, *Server) {
	t.Helper()

	loop := rpc.NewMainLoop(64)
	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(loopDone)
	}()

	mod := audiomodule.New(bufferFrames(512),
		audiomodule.WithMainThread(loop.Post),
		audiomodule.WithCyclePeriod(time.Millisecond))
	require.NoError(t, mod.OnInit(audiomodule.RunModeHeadless))

	srv := New(Config{Name: "test-core"}, mod, loop)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		mod.OnDeinit()
		cancel()
		<-loopDone
	})
	return strings.TrimPrefix(ts.URL, "http://"), srv
}

func dial(t *testing.T, addr, id string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Dial(ctx, ClientConfig{ServerAddr: addr, ClientID: id, Name: "tester"})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestHandshakeDescribesEngine(t *testing.T) {
	addr, srv := startServer(t)
	c := dial(t, addr, "")

	hello := c.Hello()
	assert.Equal(t, "test-core", hello.Name)
	assert.Equal(t, ProtocolVersion, hello.Version)
	assert.Equal(t, "null", hello.Driver)
	assert.Equal(t, 48000, hello.SampleRate)
	assert.Equal(t, 2, hello.Channels)
	assert.Equal(t, 512, hello.BufferFrames)
	assert.NotEmpty(t, hello.ServerID)
	assert.Equal(t, version.String(), hello.Software)

	assert.Eventually(t, func() bool { return srv.Sessions() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDuplicateClientRejected(t *testing.T) {
	addr, _ := startServer(t)
	dial(t, addr, "same-id")

	_, err := Dial(testContext(t), ClientConfig{ServerAddr: addr, ClientID: "same-id"})
	require.Error(t, err)

	var serr *ServerError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, ErrCodeDuplicateClient, serr.Code)
}

func TestHelloRequired(t *testing.T) {
	addr, _ := startServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+Path, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Envelope{Type: TypeEngineCall, Payload: EngineCall{ID: 1, Method: "play"}}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, TypeServerError, msg.Type)
}

func TestCallSetVolume(t *testing.T) {
	addr, _ := startServer(t)
	c := dial(t, addr, "")

	reply, err := c.Call(testContext(t), rpc.MethodSetVolume, rpc.Args{Value: 0.5})
	require.NoError(t, err)
	assert.Equal(t, "set_volume", reply.Method)
	assert.Equal(t, "ok", reply.Code)
	assert.InDelta(t, 0.5, reply.Status.Volume, 1e-9)
}

func TestCallInvalidArgument(t *testing.T) {
	addr, _ := startServer(t)
	c := dial(t, addr, "")

	reply, err := c.Call(testContext(t), rpc.MethodSetVolume, rpc.Args{Value: 2})
	require.Error(t, err)
	assert.Equal(t, rpc.CodeInvalidArgument.String(), reply.Code)
}

func TestCallUnknownMethod(t *testing.T) {
	addr, _ := startServer(t)
	c := dial(t, addr, "")

	_, err := c.Call(testContext(t), rpc.MethodUnknown, rpc.Args{})
	var serr *ServerError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, ErrCodeUnknownMethod, serr.Code)
}

func TestScheduleWithReply(t *testing.T) {
	addr, _ := startServer(t)
	c := dial(t, addr, "")
	ctx := testContext(t)

	scheduled, err := c.Schedule(ctx, ScheduleRequest{
		AfterMs: 10,
		Method:  "set_volume",
		Args:    rpc.Args{Value: 0.25},
		Reply:   true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, scheduled.EventID)

	select {
	case reply := <-c.Replies:
		assert.Equal(t, scheduled.ID, reply.ID)
		assert.Equal(t, "ok", reply.Code)
		assert.InDelta(t, 0.25, reply.Status.Volume, 1e-9)
	case <-ctx.Done():
		t.Fatal("no reply for scheduled event")
	}
}

func TestScheduleAtAbsoluteTime(t *testing.T) {
	addr, _ := startServer(t)
	c := dial(t, addr, "")

	at := int64(60_000)
	scheduled, err := c.Schedule(testContext(t), ScheduleRequest{AtMs: &at, Method: "play"})
	require.NoError(t, err)
	assert.Equal(t, at, scheduled.AtMs)
}

func TestCancelPendingEvent(t *testing.T) {
	addr, _ := startServer(t)
	c := dial(t, addr, "")
	ctx := testContext(t)

	scheduled, err := c.Schedule(ctx, ScheduleRequest{AfterMs: 60_000, Method: "play", Reply: true})
	require.NoError(t, err)

	cancelled, err := c.Cancel(ctx, scheduled.EventID)
	require.NoError(t, err)
	assert.Equal(t, 0, cancelled.Pending)

	// a second cancel is a no-op
	_, err = c.Cancel(ctx, scheduled.EventID)
	require.NoError(t, err)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Sequencer.Cancelled)
}

func TestCancelInvalidEventID(t *testing.T) {
	addr, _ := startServer(t)
	c := dial(t, addr, "")

	_, err := c.Cancel(testContext(t), "not-a-uuid")
	var serr *ServerError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, ErrCodeInvalidMessage, serr.Code)
}

func TestStatsReportsTraffic(t *testing.T) {
	addr, _ := startServer(t)
	c := dial(t, addr, "")
	ctx := testContext(t)

	_, err := c.Call(ctx, rpc.MethodPing, rpc.Args{})
	require.NoError(t, err)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.RPC.Sent, uint64(1))
	assert.GreaterOrEqual(t, stats.Engine.Applied, uint64(1))
}

func TestServeShutsDownOnCancel(t *testing.T) {
	loop := rpc.NewMainLoop(8)
	mod := audiomodule.New(bufferFrames(256))
	srv := New(Config{Addr: "127.0.0.1:0"}, mod, loop)
	require.NoError(t, srv.Listen())
	assert.NotZero(t, srv.Port())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx) }()

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}
