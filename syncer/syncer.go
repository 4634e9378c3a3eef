// Package syncer mirrors the external subscriber directory into the store.
package syncer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dhcgn/mail-to-telegram/seatable"
	"github.com/dhcgn/mail-to-telegram/stats"
	"github.com/dhcgn/mail-to-telegram/store"
)

type Source interface {
	Columns(ctx context.Context, table string) ([]seatable.Column, error)
	Rows(ctx context.Context, table string) ([]seatable.Row, error)
}

type Applier interface {
	ApplySnapshot(ctx context.Context, snap store.Snapshot) (store.ApplyResult, error)
}

type Events interface {
	EmitEvent(evt stats.Event)
}

type Options struct {
	UsersTable     string
	MailboxesTable string
	Columns        Columns
	// Events is optional.
	Events Events
}

type Syncer struct {
	src    Source
	dst    Applier
	opts   Options
	logger *slog.Logger
}

func New(src Source, dst Applier, opts Options, logger *slog.Logger) *Syncer {
	if opts.UsersTable == "" {
		opts.UsersTable = "Users"
	}
	if opts.MailboxesTable == "" {
		opts.MailboxesTable = "Mailboxes"
	}
	if opts.Columns == (Columns{}) {
		opts.Columns = DefaultColumns()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{src: src, dst: dst, opts: opts, logger: logger}
}

// Sync reads both directory tables and applies them as one snapshot.
func (s *Syncer) Sync(ctx context.Context) (store.ApplyResult, error) {
	res, err := s.sync(ctx)
	if err != nil {
		s.emit(stats.Event{Stage: stats.StageSync, Type: stats.EventTypeError, Err: err})
		return store.ApplyResult{}, err
	}
	s.emit(stats.Event{Stage: stats.StageSync, Type: stats.EventTypeSynced})
	return res, nil
}

func (s *Syncer) sync(ctx context.Context) (store.ApplyResult, error) {
	s.logger.Info("directory sync started")

	var (
		t   Tables
		err error
	)
	t.UserColumns, t.Users, err = s.table(ctx, s.opts.UsersTable, s.opts.Columns.user())
	if err != nil {
		return store.ApplyResult{}, err
	}
	t.MailboxColumns, t.Mailboxes, err = s.table(ctx, s.opts.MailboxesTable, s.opts.Columns.mailbox())
	if err != nil {
		return store.ApplyResult{}, err
	}

	snap, rejected := BuildSnapshot(t, s.opts.Columns)
	for _, r := range rejected {
		s.logger.Warn("directory row skipped", "table", r.Table, "row", r.RowID, "reason", r.Reason)
	}

	res, err := s.dst.ApplySnapshot(ctx, snap)
	if err != nil {
		return store.ApplyResult{}, fmt.Errorf("apply directory snapshot: %w", err)
	}
	s.logger.Info("directory sync finished", append(res.LogAttrs(), "skipped", len(rejected))...)
	return res, nil
}

func (s *Syncer) table(ctx context.Context, name string, columns []string) (seatable.ColumnMap, []seatable.Row, error) {
	cols, err := s.src.Columns(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	m, err := seatable.MapColumns(cols, columns...)
	if err != nil {
		return nil, nil, fmt.Errorf("table %s: %w", name, err)
	}
	rows, err := s.src.Rows(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	return m, rows, nil
}

func (s *Syncer) emit(evt stats.Event) {
	if s.opts.Events != nil {
		s.opts.Events.EmitEvent(evt)
	}
}
