package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-to-telegram/cmd"
	"github.com/dhcgn/mail-to-telegram/config"
	"github.com/dhcgn/mail-to-telegram/dispatch"
	"github.com/dhcgn/mail-to-telegram/extract"
	"github.com/dhcgn/mail-to-telegram/filter"
	"github.com/dhcgn/mail-to-telegram/imap"
	"github.com/dhcgn/mail-to-telegram/model"
	"github.com/dhcgn/mail-to-telegram/runner"
	"github.com/dhcgn/mail-to-telegram/state"
	"github.com/dhcgn/mail-to-telegram/stats"
	"github.com/dhcgn/mail-to-telegram/telegram"
	"github.com/dhcgn/mail-to-telegram/watcher"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mail-to-telegram",
		Short: "Relay PDF and PNG attachments from IMAP mailboxes to Telegram subscribers",
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(c)
			if err != nil {
				return err
			}

			logger, cleanup, err := cmd.SetupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting mail-to-telegram", "mailboxes", len(cfg.Mailboxes), "database", cfg.Database, "markers", cfg.MarkerBackend)

			return run(c.Context(), cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.AddCommand(cmd.SyncCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	db, err := cmd.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.EnsureMailboxes(ctx, cfg.MailboxKeys()); err != nil {
		return fmt.Errorf("register mailboxes: %w", err)
	}

	var markers dispatch.MarkerStore = db
	if cfg.MarkerBackend == "file" {
		files, err := state.NewFileStore(cfg.StateDir, cfg.MailboxKeys())
		if err != nil {
			return fmt.Errorf("state.NewFileStore: %w", err)
		}
		defer files.Close()
		snap := files.Snapshot()
		logger.Info("file marker store loaded", "dir", cfg.StateDir, "mailboxes", snap.Mailboxes, "withMarker", snap.WithMarker)
		markers = files
	}

	api, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		return fmt.Errorf("telegram bot: %w", err)
	}
	logger.Info("telegram bot authorized", "bot", api.Self.UserName)

	r := runner.New(ctx, logger, runner.Options{RestartDelay: cfg.Watch.RestartDelay})
	loop := dispatch.NewLoop(logger)

	sink := dispatch.BindSink(loop, telegram.NewSink(api, telegram.SinkOptions{RatePerSecond: cfg.Telegram.RatePerSecond}, logger))
	boundMarkers := dispatch.BindMarkers(loop, markers)
	resolver := dispatch.BindResolver(loop, db)
	extractor := extract.New(logger)

	type namedWatcher struct {
		name string
		w    *watcher.Watcher
	}
	var watchers []namedWatcher
	for _, mb := range cfg.Mailboxes {
		id := mb.Identity()
		f, err := filter.New(mb.FilterOptions())
		if err != nil {
			return fmt.Errorf("mailbox %s filter: %w", id.Key(), err)
		}
		w, err := watcher.New(watcher.Options{
			Identity:    id,
			IdleTimeout: cfg.Watch.IdleTimeout,
			Dial:        dialIMAP(logger),
			Markers:     boundMarkers,
			Resolver:    resolver,
			Sink:        sink,
			Extractor:   extractor,
			Filter:      f,
			Events:      r,
		}, logger)
		if err != nil {
			return err
		}
		watchers = append(watchers, namedWatcher{name: id.Key(), w: w})
	}

	s, err := cmd.NewSyncer(cfg, dispatch.BindApplier(loop, db), r, logger)
	if err != nil && !errors.Is(err, cmd.ErrSeaTableDisabled) {
		return err
	}

	stats.NewReporter(r, logger, cfg.StatsInterval)
	r.AddStage("dispatch", loop.Run)
	r.AddStage("bot", telegram.NewBot(api, db, loop, logger).Run)
	if s != nil {
		r.AddStage("sync", func(ctx context.Context) error {
			return s.Schedule(ctx, cfg.SeaTable.SyncTimeUTC)
		})
	} else {
		logger.Warn("directory sync disabled, subscribers are taken from the database as is")
	}
	for _, nw := range watchers {
		r.AddWatcher(nw.name, nw.w.Run)
	}

	return r.Start()
}

func dialIMAP(logger *slog.Logger) watcher.Dialer {
	return func(ctx context.Context, id model.MailboxIdentity) (watcher.Session, error) {
		session, err := imap.Dial(ctx, id, logger.With("mailbox", id.Key()))
		if err != nil {
			return nil, err
		}
		return session, nil
	}
}
