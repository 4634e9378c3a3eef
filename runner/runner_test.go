package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dhcgn/mail-to-telegram/model"
	"github.com/dhcgn/mail-to-telegram/stats"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAddWatcherRestartsAfterFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := New(ctx, discardLogger(), Options{RestartDelay: time.Millisecond})

	reconnects := make(chan stats.Event, 8)
	r.SubscribeStats("test", func(ctx context.Context, events <-chan stats.Event) error {
		for evt := range events {
			if evt.Type == stats.EventTypeReconnect {
				reconnects <- evt
			}
		}
		return nil
	})

	var calls atomic.Int32
	r.AddWatcher("ops@example.com", func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return &model.TransportError{Op: "login", Auth: true, Err: errors.New("NO")}
		}
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})

	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("watcher ran %d times, want 3", got)
	}
	if got := len(reconnects); got != 2 {
		t.Fatalf("reconnect events = %d, want 2", got)
	}
	evt := <-reconnects
	if evt.Mailbox != "ops@example.com" || !model.IsAuthError(evt.Err) {
		t.Fatalf("unexpected reconnect event %+v", evt)
	}
}

func TestAddWatcherDoesNotStopOthers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := New(ctx, discardLogger(), Options{RestartDelay: time.Millisecond})

	var failing atomic.Int32
	r.AddWatcher("broken", func(ctx context.Context) error {
		failing.Add(1)
		return errors.New("dial refused")
	})

	healthy := make(chan struct{})
	r.AddWatcher("healthy", func(ctx context.Context) error {
		for failing.Load() < 5 {
			time.Sleep(time.Millisecond)
		}
		close(healthy)
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})

	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-healthy:
	default:
		t.Fatal("healthy watcher did not keep running")
	}
}

func TestAddStageFailureCancels(t *testing.T) {
	r := New(context.Background(), discardLogger(), Options{})
	boom := errors.New("loop crashed")

	r.AddStage("loop", func(ctx context.Context) error {
		return boom
	})
	r.AddWatcher("mailbox", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := r.Start()
	if !errors.Is(err, boom) {
		t.Fatalf("Start error = %v, want %v", err, boom)
	}
}

func TestDefaultRestartDelay(t *testing.T) {
	r := New(context.Background(), discardLogger(), Options{})
	if r.opts.RestartDelay != DefaultRestartDelay {
		t.Fatalf("RestartDelay = %v", r.opts.RestartDelay)
	}
}
