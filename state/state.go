// Package state keeps per-mailbox markers outside the SQL store.
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/dhcgn/mail-to-telegram/model"
)

type Snapshot struct {
	Mailboxes  int
	WithMarker int
}

// MemoryStore holds markers for a fixed set of registered mailbox keys.
type MemoryStore struct {
	mu      sync.RWMutex
	known   map[string]struct{}
	markers map[string]string
}

func NewMemoryStore(keys ...string) *MemoryStore {
	m := &MemoryStore{
		known:   make(map[string]struct{}),
		markers: make(map[string]string),
	}
	for _, k := range keys {
		m.known[model.MailboxKey(k)] = struct{}{}
	}
	return m
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	marker, ok := m.markers[model.MailboxKey(key)]
	m.mu.RUnlock()
	return marker, ok, nil
}

// Set stores marker for key. A marker lower than the stored one is ignored.
func (m *MemoryStore) Set(_ context.Context, key, marker string) error {
	_, err := m.set(model.MailboxKey(key), marker)
	return err
}

// set reports whether the stored value changed.
func (m *MemoryStore) set(key, marker string) (bool, error) {
	next, err := strconv.ParseUint(marker, 10, 32)
	if err != nil {
		return false, fmt.Errorf("invalid marker %q: %w", marker, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.known[key]; !ok {
		return false, fmt.Errorf("%s: %w", key, model.ErrMailboxNotFound)
	}
	if current, ok := m.markers[key]; ok {
		if cur, err := strconv.ParseUint(current, 10, 32); err == nil && cur >= next {
			return false, nil
		}
	}
	m.markers[key] = marker
	return true, nil
}

func (m *MemoryStore) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{Mailboxes: len(m.known), WithMarker: len(m.markers)}
}

// FileStore persists markers as an append-only JSON lines file. The last
// record for a mailbox wins on load.
type FileStore struct {
	*MemoryStore
	path    string
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

type fileRecord struct {
	Mailbox string `json:"mailbox"`
	Marker  string `json:"marker"`
}

func NewFileStore(stateDir string, keys []string) (*FileStore, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	store := &FileStore{
		MemoryStore: NewMemoryStore(keys...),
		path:        filepath.Join(stateDir, "markers.jsonl"),
	}

	records, err := store.load()
	if err != nil {
		return nil, err
	}
	if records > len(store.markers) {
		if err := store.compact(); err != nil {
			return nil, err
		}
	}

	file, err := os.OpenFile(store.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open state file for append: %w", err)
	}
	store.file = file
	store.writer = bufio.NewWriter(file)

	return store, nil
}

func (f *FileStore) load() (int, error) {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	records := 0
	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var record fileRecord
		if err := json.Unmarshal(text, &record); err != nil {
			return 0, fmt.Errorf("parse state line %d: %w", line, err)
		}
		if record.Mailbox == "" {
			continue
		}
		records++

		f.mu.Lock()
		f.markers[model.MailboxKey(record.Mailbox)] = record.Marker
		f.mu.Unlock()
	}

	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read state file: %w", err)
	}

	return records, nil
}

// compact rewrites the file with one record per mailbox.
func (f *FileStore) compact() error {
	tmp := f.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create compacted state file: %w", err)
	}

	w := bufio.NewWriter(file)
	f.mu.RLock()
	for key, marker := range f.markers {
		if err := writeRecord(w, fileRecord{Mailbox: key, Marker: marker}); err != nil {
			f.mu.RUnlock()
			_ = file.Close()
			return err
		}
	}
	f.mu.RUnlock()

	if err := w.Flush(); err != nil {
		_ = file.Close()
		return fmt.Errorf("flush compacted state file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close compacted state file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// Set records marker and syncs it to disk before returning. Records are
// appended in the same order as the in-memory updates.
func (f *FileStore) Set(_ context.Context, key, marker string) error {
	key = model.MailboxKey(key)

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	changed, err := f.set(key, marker)
	if err != nil || !changed {
		return err
	}

	if err := writeRecord(f.writer, fileRecord{Mailbox: key, Marker: marker}); err != nil {
		return err
	}
	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync state file: %w", err)
	}
	return nil
}

// Close flushes and closes the state file.
func (f *FileStore) Close() error {
	if f.file == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var firstErr error
	if err := f.writer.Flush(); err != nil {
		firstErr = fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close state file: %w", err)
	}
	f.file = nil
	return firstErr
}

func writeRecord(w *bufio.Writer, record fileRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	if err := w.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	return nil
}
