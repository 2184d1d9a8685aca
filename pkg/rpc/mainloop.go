// ABOUTME: Minimal control-thread event loop
// ABOUTME: Runs posted closures one at a time on the goroutine calling Run
package rpc

import (
	"context"
)

// MainLoop serializes control-side work onto a single goroutine
type MainLoop struct {
	tasks chan func()
	done  chan struct{}
}

// NewMainLoop creates a loop with a task queue of the given size
func NewMainLoop(size int) *MainLoop {
	if size <= 0 {
		size = 64
	}
	return &MainLoop{
		tasks: make(chan func(), size),
		done:  make(chan struct{}),
	}
}

// Post queues fn to run on the loop. It waits for queue space and drops fn
// once the loop has stopped.
func (l *MainLoop) Post(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.done:
	}
}

// Do runs fn on the loop and waits for it to finish
func (l *MainLoop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}

	select {
	case l.tasks <- task:
	case <-l.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes posted tasks until ctx is cancelled. It must be called once.
func (l *MainLoop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.tasks:
			fn()
		}
	}
}
