// ABOUTME: Non-blocking command channel between control code and the audio thread
// ABOUTME: Bounded request/response queues with correlation ids and main-thread delivery
// Package rpc carries commands from control goroutines to the audio thread and
// replies back, without ever blocking the audio side.
//
// The control side sends Messages. A Message with a non-zero ID asks for a
// Response carrying the same ID. The audio side drains requests with
// AudioEndpoint.TryReceive, applies them in order and enqueues Responses.
//
// Responses can be polled with Channel.TryReceive, or delivered as callbacks on
// a control event loop registered with SetupMainThread:
//
//	loop := rpc.NewMainLoop(64)
//	ch := rpc.NewChannel(256)
//	ch.SetupMainThread(loop.Post)
//	ch.Call(rpc.Message{Method: rpc.MethodQueryState}, func(r rpc.Response) {
//	    fmt.Println(r.Status.Volume)
//	})
//	loop.Run(ctx)
package rpc
