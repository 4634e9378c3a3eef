// Package dispatch runs chat and store I/O on a single goroutine. Mailbox
// watchers hand work to it and block until the result comes back.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrStopped is returned for work submitted after the loop has exited.
var ErrStopped = errors.New("dispatch loop stopped")

// Func is a unit of work executed on the loop goroutine. It must not call
// back into the same Loop.
type Func func(ctx context.Context) error

type job struct {
	fn     Func
	result chan error
}

// Loop serializes store access, deliveries and bot replies onto one goroutine.
type Loop struct {
	jobs   chan job
	done   chan struct{}
	logger *slog.Logger
}

// NewLoop returns a Loop that accepts work once Run is started.
func NewLoop(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		jobs:   make(chan job),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Run executes submitted work in arrival order until ctx is cancelled.
// A job that has been accepted always runs to completion.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	l.logger.Debug("dispatch loop started")
	for {
		select {
		case <-ctx.Done():
			l.logger.Debug("dispatch loop stopped")
			return ctx.Err()
		case j := <-l.jobs:
			j.result <- l.execute(ctx, j.fn)
		}
	}
}

func (l *Loop) execute(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("dispatch job panicked", "panic", r)
			err = fmt.Errorf("dispatch job panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// Call runs fn on the loop and waits for its result. Cancelling ctx only
// abandons work the loop has not picked up yet.
func (l *Loop) Call(ctx context.Context, fn Func) error {
	j := job{fn: fn, result: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrStopped
	case l.jobs <- j:
	}
	return <-j.result
}
