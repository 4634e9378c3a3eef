package cmd

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dhcgn/mail-to-telegram/config"
)

func TestSetupLoggerWritesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	logger, cleanup, err := SetupLogger(config.Config{LogLevel: "debug", LogDir: dir})
	if err != nil {
		t.Fatalf("SetupLogger: %v", err)
	}
	logger.Debug("hello from test", "n", 1)
	if err := cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("log dir entries = %v, err = %v", entries, err)
	}
	name := entries[0].Name()
	if !strings.HasPrefix(name, "mail-to-telegram-") || !strings.HasSuffix(name, ".log") {
		t.Fatalf("log file name = %q", name)
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "hello from test") {
		t.Fatalf("log file missing entry:\n%s", data)
	}
}

func TestOpenStoreCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "relay.db")
	db, err := OpenStore(config.Config{Database: path})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database file: %v", err)
	}
}

func TestNewSyncerRequiresToken(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := NewSyncer(config.Config{}, nil, nil, logger); !errors.Is(err, ErrSeaTableDisabled) {
		t.Fatalf("err = %v, want ErrSeaTableDisabled", err)
	}

	cfg := config.Config{SeaTable: config.SeaTableConfig{APIToken: "token"}}
	if s, err := NewSyncer(cfg, nil, nil, logger); err != nil || s == nil {
		t.Fatalf("NewSyncer = %v, %v", s, err)
	}
}
