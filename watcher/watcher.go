// Package watcher follows one mailbox over IMAP IDLE and relays the
// attachments of new messages to the mailbox's subscribers.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dhcgn/mail-to-telegram/extract"
	"github.com/dhcgn/mail-to-telegram/model"
	"github.com/dhcgn/mail-to-telegram/stats"
)

// DefaultIdleTimeout bounds one IDLE round before it is reissued.
const DefaultIdleTimeout = 5 * time.Minute

// Session is an open mail connection.
type Session interface {
	Login(username, password string) error
	Select(folder string) error
	IdleWait(ctx context.Context, timeout time.Duration) (bool, error)
	SearchUnseen() ([]uint32, error)
	Fetch(uid uint32) (model.RawMessage, error)
	MarkSeen(uids []uint32) error
	Close() error
}

// Dialer opens a Session for a mailbox.
type Dialer func(ctx context.Context, id model.MailboxIdentity) (Session, error)

// MarkerStore keeps the last handled UID per mailbox key.
type MarkerStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, marker string) error
}

// Resolver returns the chats subscribed to a mailbox.
type Resolver interface {
	Resolve(ctx context.Context, key string) ([]model.Target, error)
}

// Sink delivers one attachment to one chat.
type Sink interface {
	Send(ctx context.Context, target model.Target, filename string, data []byte, caption string) error
}

// Extractor parses a raw message into its attachments.
type Extractor interface {
	Extract(raw model.RawMessage) (extract.Result, error)
}

// Filter decides whether a message is relayed at all.
type Filter interface {
	Accept(from string, raw []byte) (bool, string)
}

// Events receives counters for the stats reporter.
type Events interface {
	EmitEvent(evt stats.Event)
}

// Options wires a Watcher to its collaborators.
type Options struct {
	Identity    model.MailboxIdentity
	IdleTimeout time.Duration

	Dial      Dialer
	Markers   MarkerStore
	Resolver  Resolver
	Sink      Sink
	Extractor Extractor
	// Filter is optional.
	Filter Filter
	// Events is optional.
	Events Events
}

// Watcher follows one mailbox. A Watcher is not restarted by itself; Run
// returns and the caller decides when to run it again.
type Watcher struct {
	opts   Options
	key    string
	logger *slog.Logger
	state  atomic.Int32
}

// New validates opts and fills in defaults.
func New(opts Options, logger *slog.Logger) (*Watcher, error) {
	if opts.Dial == nil || opts.Markers == nil || opts.Resolver == nil || opts.Sink == nil || opts.Extractor == nil {
		return nil, errors.New("watcher: dialer, markers, resolver, sink and extractor are required")
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Events == nil {
		opts.Events = discardEvents{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	key := opts.Identity.Key()
	return &Watcher{
		opts:   opts,
		key:    key,
		logger: logger.With("mailbox", key),
	}, nil
}

// State reports where the watcher currently is.
func (w *Watcher) State() State {
	return State(w.state.Load())
}

func (w *Watcher) setState(s State) {
	if State(w.state.Swap(int32(s))) != s {
		w.logger.Debug("watcher state", "state", s)
	}
}

// Run connects, catches up and then waits for new mail until ctx ends or
// an error occurs. It never returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	err := w.run(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	w.setState(StateFailed)
	w.opts.Events.EmitEvent(stats.Event{Stage: stats.StageWatcher, Type: stats.EventTypeError, Mailbox: w.key, Err: err})
	return err
}

func (w *Watcher) run(ctx context.Context) error {
	id := w.opts.Identity

	w.setState(StateConnecting)
	sess, err := w.opts.Dial(ctx, id)
	if err != nil {
		return err
	}
	defer func() {
		_ = sess.Close()
	}()

	if err := sess.Login(id.Email, id.Password); err != nil {
		return err
	}
	w.setState(StateAuthenticated)

	if err := sess.Select(id.FolderName()); err != nil {
		return err
	}
	w.logger.Info("watching mailbox", "folder", id.FolderName(), "idleTimeout", w.opts.IdleTimeout)

	if err := w.cycle(ctx, sess); err != nil {
		return err
	}

	for {
		w.setState(StateIdleWait)
		notified, err := sess.IdleWait(ctx, w.opts.IdleTimeout)
		if err != nil {
			return err
		}
		if !notified {
			continue
		}
		if err := w.cycle(ctx, sess); err != nil {
			return err
		}
	}
}

// cycle searches for unseen mail and processes what the marker allows.
func (w *Watcher) cycle(ctx context.Context, sess Session) error {
	w.setState(StateFetching)

	uids, err := sess.SearchUnseen()
	if err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}

	marker, hasMarker, err := w.opts.Markers.Get(ctx, w.key)
	if err != nil {
		return w.markerError("get", err)
	}

	p, err := plan(uids, marker, hasMarker)
	if err != nil {
		return w.markerError("parse", err)
	}

	if len(p.stale) > 0 {
		if hasMarker {
			for _, uid := range p.stale {
				w.logger.Warn("unseen message at or below marker", "uid", uid, "marker", marker)
				w.emit(stats.EventTypeAnomaly, uid)
			}
		} else {
			w.logger.Info("first run, skipping older unseen messages", "count", len(p.stale), "newest", p.process[0])
		}
		if err := sess.MarkSeen(p.stale); err != nil {
			return err
		}
	}

	w.setState(StateProcessing)
	for _, uid := range p.process {
		if err := w.process(ctx, sess, uid, !hasMarker); err != nil {
			return err
		}
	}
	return nil
}

// process relays one message. initMarker forces a marker write even when
// the message is skipped, so the first run always leaves a marker behind.
// The message is marked \Seen only after it is handled, so an aborted
// cycle leaves it unseen for the next catch-up.
func (w *Watcher) process(ctx context.Context, sess Session, uid uint32, initMarker bool) error {
	logger := w.logger.With("uid", uid)

	skip := func(reason string, markSeen bool) error {
		logger.Info("message skipped", "reason", reason)
		w.emit(stats.EventTypeSkipped, uid)
		if initMarker {
			if err := w.advance(ctx, uid); err != nil {
				return err
			}
		}
		if !markSeen {
			return nil
		}
		return sess.MarkSeen([]uint32{uid})
	}

	raw, err := sess.Fetch(uid)
	if errors.Is(err, model.ErrMessageGone) {
		return skip("message gone", false)
	}
	if err != nil {
		return err
	}
	w.emit(stats.EventTypeFetched, uid)

	res, err := w.opts.Extractor.Extract(raw)
	if err != nil {
		var extractErr *model.ExtractionError
		if !errors.As(err, &extractErr) {
			return err
		}
		logger.Warn("message could not be parsed", "err", err)
		return skip("malformed message", true)
	}

	if w.opts.Filter != nil {
		if ok, reason := w.opts.Filter.Accept(res.From, raw.Body); !ok {
			return skip(reason, true)
		}
	}

	if len(res.Attachments) == 0 {
		return skip("no attachments", true)
	}

	targets, err := w.opts.Resolver.Resolve(ctx, w.key)
	if err != nil {
		return w.markerError("resolve", err)
	}
	if len(targets) == 0 {
		logger.Info("no subscribers for mailbox")
	}

	var failed int
	for _, target := range targets {
		for _, att := range res.Attachments {
			if err := w.opts.Sink.Send(ctx, target, att.Filename, att.Data, res.Subject); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failed++
				logger.Warn("delivery failed", "target", int64(target), "file", att.Filename, "err", err)
				w.opts.Events.EmitEvent(stats.Event{Stage: stats.StageDelivery, Type: stats.EventTypeDeliveryFailed, Mailbox: w.key, UID: uid, Err: err})
				continue
			}
			w.opts.Events.EmitEvent(stats.Event{Stage: stats.StageDelivery, Type: stats.EventTypeDelivered, Mailbox: w.key, UID: uid, Detail: att.Filename})
		}
	}

	logger.Info("message relayed",
		"subject", res.Subject,
		"attachments", len(res.Attachments),
		"targets", len(targets),
		"failed", failed,
	)
	w.emit(stats.EventTypeProcessed, uid)
	if err := w.advance(ctx, uid); err != nil {
		return err
	}
	return sess.MarkSeen([]uint32{uid})
}

func (w *Watcher) advance(ctx context.Context, uid uint32) error {
	if err := w.opts.Markers.Set(ctx, w.key, strconv.FormatUint(uint64(uid), 10)); err != nil {
		return w.markerError("set", err)
	}
	w.emit(stats.EventTypeMarkerAdvanced, uid)
	return nil
}

func (w *Watcher) markerError(op string, err error) error {
	return &model.MarkerStoreError{Key: w.key, Op: op, Err: err}
}

func (w *Watcher) emit(typ stats.EventType, uid uint32) {
	w.opts.Events.EmitEvent(stats.Event{Stage: stats.StageWatcher, Type: typ, Mailbox: w.key, UID: uid})
}

type discardEvents struct{}

func (discardEvents) EmitEvent(stats.Event) {}
