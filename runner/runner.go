package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/mail-to-telegram/model"
	"github.com/dhcgn/mail-to-telegram/stats"
)

// DefaultRestartDelay is used when Options.RestartDelay is zero.
const DefaultRestartDelay = 10 * time.Second

// StageFunc runs until ctx ends or it fails.
type StageFunc func(context.Context) error

// Options tunes a Runner.
type Options struct {
	// RestartDelay is the pause before a returned watcher is started again.
	RestartDelay time.Duration
}

// Runner owns the long-lived goroutines of the service. Stages are
// singletons whose failure stops everything; watchers are restarted.
type Runner struct {
	logger *slog.Logger
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc

	events chan stats.Event

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeEventsOnce sync.Once
	since           time.Time
}

// New returns a Runner whose context derives from parent.
func New(parent context.Context, logger *slog.Logger, opts Options) *Runner {
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = DefaultRestartDelay
	}
	ctx, cancel := context.WithCancel(parent)
	return &Runner{
		logger: logger,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan stats.Event, 128),
	}
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

func (r *Runner) EmitEvent(evt stats.Event) {
	select {
	case <-r.ctx.Done():
	case r.events <- evt:
	}
}

func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, r.events); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

// AddWatcher runs fn until the runner stops, starting it again
// RestartDelay after every return. A watcher never stops the runner.
func (r *Runner) AddWatcher(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		logger := r.logger.With("watcher", name)
		for {
			err := fn(r.ctx)
			if r.ctx.Err() != nil {
				return
			}

			if err == nil {
				err = errors.New("watcher returned without error")
			}
			if model.IsAuthError(err) {
				logger.Error("mailbox login rejected, check credentials", "err", err, "retryIn", r.opts.RestartDelay)
			} else {
				logger.Error("watcher stopped", "err", err, "retryIn", r.opts.RestartDelay)
			}
			r.EmitEvent(stats.Event{Stage: stats.StageWatcher, Type: stats.EventTypeReconnect, Mailbox: name, Err: err})

			timer := time.NewTimer(r.opts.RestartDelay)
			select {
			case <-r.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()
}

// Start blocks until every stage and watcher has returned.
func (r *Runner) Start() error {
	r.since = time.Now()

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	err := r.err
	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("service failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("service stopped", "duration", duration)
	return nil
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		close(r.events)
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
