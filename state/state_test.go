package state

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/dhcgn/mail-to-telegram/model"
)

func TestMemoryStore_GetSet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("SR01@example.com")

	if _, ok, err := s.Get(ctx, "sr01@example.com"); err != nil || ok {
		t.Fatalf("Get() on fresh store = ok %v, err %v; want absent", ok, err)
	}

	if err := s.Set(ctx, "sr01@example.com", "102"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, ok, err := s.Get(ctx, "SR01@EXAMPLE.COM")
	if err != nil || !ok || got != "102" {
		t.Fatalf("Get() = %q, %v, %v; want 102", got, ok, err)
	}
}

func TestMemoryStore_NeverDecreases(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("a@example.com")

	for _, m := range []string{"9", "10", "3"} {
		if err := s.Set(ctx, "a@example.com", m); err != nil {
			t.Fatalf("Set(%s) error = %v", m, err)
		}
	}
	if got, _, _ := s.Get(ctx, "a@example.com"); got != "10" {
		t.Errorf("marker = %q, want 10 (numeric comparison)", got)
	}
}

func TestMemoryStore_UnknownMailbox(t *testing.T) {
	s := NewMemoryStore("a@example.com")
	err := s.Set(context.Background(), "b@example.com", "1")
	if !errors.Is(err, model.ErrMailboxNotFound) {
		t.Fatalf("Set() error = %v, want ErrMailboxNotFound", err)
	}
}

func TestMemoryStore_InvalidMarker(t *testing.T) {
	s := NewMemoryStore("a@example.com")
	if err := s.Set(context.Background(), "a@example.com", "abc"); err == nil {
		t.Fatal("Set() with non-numeric marker should fail")
	}
}

func TestFileStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	keys := []string{"a@example.com", "b@example.com"}

	s, err := NewFileStore(dir, keys)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	for _, m := range []string{"203", "204", "205"} {
		if err := s.Set(ctx, "a@example.com", m); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
	}
	if err := s.Set(ctx, "b@example.com", "7"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := NewFileStore(dir, keys)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	if got, ok, _ := reopened.Get(ctx, "a@example.com"); !ok || got != "205" {
		t.Errorf("a marker = %q, %v; want 205", got, ok)
	}
	if got, ok, _ := reopened.Get(ctx, "b@example.com"); !ok || got != "7" {
		t.Errorf("b marker = %q, %v; want 7", got, ok)
	}
	if snap := reopened.Snapshot(); snap.Mailboxes != 2 || snap.WithMarker != 2 {
		t.Errorf("Snapshot() = %+v", snap)
	}

	if n := countLines(t, filepath.Join(dir, "markers.jsonl")); n != 2 {
		t.Errorf("state file has %d lines after compaction, want 2", n)
	}
}

func TestFileStore_ConcurrentSetsAppendInOrder(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	keys := []string{"a@example.com"}

	s, err := NewFileStore(dir, keys)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}

	const n = 64
	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(marker string) {
			defer wg.Done()
			if err := s.Set(ctx, "a@example.com", marker); err != nil {
				t.Errorf("Set(%s) error = %v", marker, err)
			}
		}(strconv.Itoa(i))
	}
	wg.Wait()
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	file, err := os.Open(filepath.Join(dir, "markers.jsonl"))
	if err != nil {
		t.Fatalf("open state file: %v", err)
	}
	defer file.Close()

	last := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var record fileRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			t.Fatalf("parse record %q: %v", scanner.Text(), err)
		}
		got, err := strconv.Atoi(record.Marker)
		if err != nil {
			t.Fatalf("marker %q: %v", record.Marker, err)
		}
		if got <= last {
			t.Fatalf("record %d appended after %d", got, last)
		}
		last = got
	}
	if last != n {
		t.Fatalf("last record = %d, want %d", last, n)
	}

	reopened, err := NewFileStore(dir, keys)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()
	if got, _, _ := reopened.Get(ctx, "a@example.com"); got != strconv.Itoa(n) {
		t.Errorf("marker after reopen = %q, want %d", got, n)
	}
}

func TestFileStore_CorruptLine(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "markers.jsonl"), []byte("{not json\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileStore(dir, nil); err == nil {
		t.Fatal("NewFileStore() should fail on a corrupt state file")
	}
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}
	return n
}
