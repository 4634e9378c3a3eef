package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dhcgn/mail-to-telegram/model"
	"github.com/dhcgn/mail-to-telegram/state"
)

func startLoop(t *testing.T) (*Loop, context.CancelFunc) {
	t.Helper()
	l := NewLoop(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l, cancel
}

func TestLoop_SerialisesCalls(t *testing.T) {
	l, _ := startLoop(t)

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Call(context.Background(), func(context.Context) error {
				counter++
				return nil
			}); err != nil {
				t.Errorf("Call() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Fatalf("counter = %d, want 50", counter)
	}
}

func TestLoop_ReturnsJobError(t *testing.T) {
	l, _ := startLoop(t)
	want := errors.New("send failed")
	if err := l.Call(context.Background(), func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Fatalf("Call() error = %v, want %v", err, want)
	}
}

func TestLoop_RecoversPanic(t *testing.T) {
	l, _ := startLoop(t)
	err := l.Call(context.Background(), func(context.Context) error { panic("boom") })
	if err == nil {
		t.Fatal("Call() should report the panic")
	}
	if err := l.Call(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("loop unusable after panic: %v", err)
	}
}

func TestLoop_StoppedAndCancelled(t *testing.T) {
	l, cancel := startLoop(t)
	cancel()
	select {
	case <-l.done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
	if err := l.Call(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, ErrStopped) {
		t.Fatalf("Call() after stop = %v, want ErrStopped", err)
	}

	idle := NewLoop(nil)
	ctx, cancelCall := context.WithCancel(context.Background())
	cancelCall()
	if err := idle.Call(ctx, func(context.Context) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("Call() with cancelled ctx = %v, want context.Canceled", err)
	}
}

func TestBindMarkers(t *testing.T) {
	l, _ := startLoop(t)
	ctx := context.Background()
	markers := BindMarkers(l, state.NewMemoryStore("a@example.com"))

	if err := markers.Set(ctx, "a@example.com", "12"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, ok, err := markers.Get(ctx, "a@example.com")
	if err != nil || !ok || got != "12" {
		t.Fatalf("Get() = %q, %v, %v", got, ok, err)
	}
	if err := markers.Set(ctx, "b@example.com", "1"); !errors.Is(err, model.ErrMailboxNotFound) {
		t.Fatalf("Set(unknown) = %v, want ErrMailboxNotFound", err)
	}
}

type recordingSink struct {
	targets []model.Target
}

func (r *recordingSink) Send(_ context.Context, target model.Target, _ string, _ []byte, _ string) error {
	r.targets = append(r.targets, target)
	return nil
}

type staticResolver []model.Target

func (s staticResolver) Resolve(context.Context, string) ([]model.Target, error) { return s, nil }

func TestBindSinkAndResolver(t *testing.T) {
	l, _ := startLoop(t)
	ctx := context.Background()

	targets, err := BindResolver(l, staticResolver{1, 2}).Resolve(ctx, "a@example.com")
	if err != nil || len(targets) != 2 {
		t.Fatalf("Resolve() = %v, %v", targets, err)
	}

	rec := &recordingSink{}
	sink := BindSink(l, rec)
	for _, target := range targets {
		if err := sink.Send(ctx, target, "r.pdf", []byte("x"), ""); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}
	if len(rec.targets) != 2 || rec.targets[0] != 1 || rec.targets[1] != 2 {
		t.Errorf("sink saw %v", rec.targets)
	}
}
