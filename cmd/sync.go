package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-to-telegram/config"
	"github.com/dhcgn/mail-to-telegram/seatable"
	"github.com/dhcgn/mail-to-telegram/store"
	"github.com/dhcgn/mail-to-telegram/syncer"
)

var ErrSeaTableDisabled = errors.New("seatable.api_token is not configured")

// SyncCmd runs one directory synchronization and exits.
var SyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize subscribers and mailboxes from SeaTable once",
	Args:  cobra.NoArgs,
	RunE: func(c *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(c)
		if err != nil {
			return err
		}

		logger, cleanup, err := SetupLogger(cfg)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		db, err := OpenStore(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		s, err := NewSyncer(cfg, db, nil, logger)
		if err != nil {
			return err
		}
		if _, err := s.Sync(c.Context()); err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		return nil
	},
}

// OpenStore opens the SQLite database, creating its directory if needed.
func OpenStore(cfg config.Config) (*store.SQLiteStore, error) {
	if dir := filepath.Dir(cfg.Database); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := store.NewSQLiteStore(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Database, err)
	}
	return db, nil
}

// NewSyncer wires the SeaTable directory to dst.
func NewSyncer(cfg config.Config, dst syncer.Applier, events syncer.Events, logger *slog.Logger) (*syncer.Syncer, error) {
	st := cfg.SeaTable
	if st.APIToken == "" {
		return nil, ErrSeaTableDisabled
	}
	client := seatable.NewClient(seatable.Options{
		ServerURL: st.ServerURL,
		APIToken:  st.APIToken,
		TokenTTL:  st.TokenTTL,
	}, logger)

	return syncer.New(client, dst, syncer.Options{
		UsersTable:     st.UsersTable,
		MailboxesTable: st.MailboxesTable,
		Columns:        st.Columns,
		Events:         events,
	}, logger.With("component", "sync")), nil
}
