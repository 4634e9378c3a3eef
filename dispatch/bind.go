package dispatch

import (
	"context"

	"github.com/dhcgn/mail-to-telegram/model"
	"github.com/dhcgn/mail-to-telegram/store"
)

// Caller is satisfied by *Loop.
type Caller interface {
	Call(ctx context.Context, fn Func) error
}

type MarkerStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, marker string) error
}

type Resolver interface {
	Resolve(ctx context.Context, key string) ([]model.Target, error)
}

type Sink interface {
	Send(ctx context.Context, target model.Target, filename string, data []byte, caption string) error
}

type Applier interface {
	ApplySnapshot(ctx context.Context, snap store.Snapshot) (store.ApplyResult, error)
}

// BindMarkers returns a MarkerStore whose calls execute on the loop.
func BindMarkers(c Caller, m MarkerStore) MarkerStore {
	return boundMarkers{c: c, m: m}
}

type boundMarkers struct {
	c Caller
	m MarkerStore
}

func (b boundMarkers) Get(ctx context.Context, key string) (marker string, ok bool, err error) {
	callErr := b.c.Call(ctx, func(ctx context.Context) error {
		marker, ok, err = b.m.Get(ctx, key)
		return err
	})
	return marker, ok, callErr
}

func (b boundMarkers) Set(ctx context.Context, key, marker string) error {
	return b.c.Call(ctx, func(ctx context.Context) error {
		return b.m.Set(ctx, key, marker)
	})
}

// BindResolver returns a Resolver whose calls execute on the loop.
func BindResolver(c Caller, r Resolver) Resolver {
	return boundResolver{c: c, r: r}
}

type boundResolver struct {
	c Caller
	r Resolver
}

func (b boundResolver) Resolve(ctx context.Context, key string) (targets []model.Target, err error) {
	callErr := b.c.Call(ctx, func(ctx context.Context) error {
		targets, err = b.r.Resolve(ctx, key)
		return err
	})
	return targets, callErr
}

// BindSink returns a Sink whose sends execute on the loop.
func BindSink(c Caller, s Sink) Sink {
	return boundSink{c: c, s: s}
}

type boundSink struct {
	c Caller
	s Sink
}

func (b boundSink) Send(ctx context.Context, target model.Target, filename string, data []byte, caption string) error {
	return b.c.Call(ctx, func(ctx context.Context) error {
		return b.s.Send(ctx, target, filename, data, caption)
	})
}

// BindApplier returns an Applier whose transactions execute on the loop.
func BindApplier(c Caller, a Applier) Applier {
	return boundApplier{c: c, a: a}
}

type boundApplier struct {
	c Caller
	a Applier
}

func (b boundApplier) ApplySnapshot(ctx context.Context, snap store.Snapshot) (res store.ApplyResult, err error) {
	callErr := b.c.Call(ctx, func(ctx context.Context) error {
		res, err = b.a.ApplySnapshot(ctx, snap)
		return err
	})
	return res, callErr
}
