package store

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/dhcgn/mail-to-telegram/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

func TestMarkers_GetSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.EnsureMailboxes(ctx, []string{"SR01@example.com"}); err != nil {
		t.Fatalf("EnsureMailboxes() error = %v", err)
	}

	if _, ok, err := s.Get(ctx, "sr01@example.com"); err != nil || ok {
		t.Fatalf("Get() before first write = ok %v, err %v", ok, err)
	}

	for _, m := range []string{"203", "204", "205"} {
		if err := s.Set(ctx, "sr01@example.com", m); err != nil {
			t.Fatalf("Set(%s) error = %v", m, err)
		}
	}

	got, ok, err := s.Get(ctx, "SR01@example.com")
	if err != nil || !ok || got != "205" {
		t.Fatalf("Get() = %q, %v, %v; want 205", got, ok, err)
	}
}

func TestMarkers_NumericMonotonic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.EnsureMailboxes(ctx, []string{"a@example.com"}); err != nil {
		t.Fatal(err)
	}

	for _, m := range []string{"99", "100", "98"} {
		if err := s.Set(ctx, "a@example.com", m); err != nil {
			t.Fatalf("Set(%s) error = %v", m, err)
		}
	}
	if got, _, _ := s.Get(ctx, "a@example.com"); got != "100" {
		t.Errorf("marker = %q, want 100", got)
	}
}

func TestMarkers_UnknownMailbox(t *testing.T) {
	s := newTestStore(t)
	err := s.Set(context.Background(), "ghost@example.com", "1")
	if !errors.Is(err, model.ErrMailboxNotFound) {
		t.Fatalf("Set() error = %v, want ErrMailboxNotFound", err)
	}
	if _, ok, err := s.Get(context.Background(), "ghost@example.com"); ok || err != nil {
		t.Fatalf("Get() = ok %v, err %v; want absent", ok, err)
	}
}

func TestMarkers_EnsureKeepsExisting(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.EnsureMailboxes(ctx, []string{"a@example.com"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "a@example.com", "42"); err != nil {
		t.Fatal(err)
	}
	if err := s.EnsureMailboxes(ctx, []string{"a@example.com", "b@example.com"}); err != nil {
		t.Fatal(err)
	}
	if got, _, _ := s.Get(ctx, "a@example.com"); got != "42" {
		t.Errorf("marker after re-registration = %q, want 42", got)
	}
}

func TestApplySnapshot_ResolveOrderAndDedup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	snap := Snapshot{
		Mailboxes: []MailboxRecord{
			{Email: "sr01@example.com", Name: "1", Groups: []int64{-1002, 300}},
			{Email: "sr02@example.com", Name: "2"},
		},
		Subscribers: []SubscriberRecord{
			{Name: "zoe", Phone: "+79810000001", TelegramID: 300, Mailboxes: []string{"sr01@example.com"}},
			{Name: "adam", Phone: "+79810000002", TelegramID: 100, Mailboxes: []string{"SR01@example.com", "sr02@example.com"}},
			{Name: "bob", Phone: "+79810000003", Mailboxes: []string{"sr01@example.com"}},
			{Name: "eve", Phone: "+79810000004", TelegramID: 400, Mailboxes: []string{"unknown@example.com"}},
		},
	}

	res, err := s.ApplySnapshot(ctx, snap)
	if err != nil {
		t.Fatalf("ApplySnapshot() error = %v", err)
	}
	if res.SubscribersAdded != 4 || res.Subscriptions != 4 || res.Groups != 2 || res.Mailboxes != 2 {
		t.Errorf("ApplySnapshot() result = %+v", res)
	}

	got, err := s.Resolve(ctx, "sr01@example.com")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	want := []model.Target{100, 300, -1002}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Resolve(sr01) = %v, want %v", got, want)
	}

	got, err = s.Resolve(ctx, "nobody@example.com")
	if err != nil || len(got) != 0 {
		t.Errorf("Resolve(unknown) = %v, %v; want empty", got, err)
	}
}

func TestApplySnapshot_RemovesAndKeepsTelegramID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first := Snapshot{
		Mailboxes: []MailboxRecord{{Email: "sr01@example.com"}},
		Subscribers: []SubscriberRecord{
			{Name: "ann", Phone: "+79810000001", TelegramID: 11, Mailboxes: []string{"sr01@example.com"}},
			{Name: "ben", Phone: "+79810000002", TelegramID: 22, Mailboxes: []string{"sr01@example.com"}},
		},
	}
	if _, err := s.ApplySnapshot(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "sr01@example.com", "77"); err != nil {
		t.Fatal(err)
	}

	second := Snapshot{
		Subscribers: []SubscriberRecord{
			{Name: "ann", Phone: "+79810000001", Mailboxes: []string{"sr01@example.com"}},
		},
	}
	res, err := s.ApplySnapshot(ctx, second)
	if err != nil {
		t.Fatal(err)
	}
	if res.SubscribersRemoved != 1 || res.SubscribersUpdated != 1 {
		t.Errorf("result = %+v", res)
	}

	got, err := s.Resolve(ctx, "sr01@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []model.Target{11}) {
		t.Errorf("Resolve() = %v, want [11]", got)
	}

	if m, ok, _ := s.Get(ctx, "sr01@example.com"); !ok || m != "77" {
		t.Errorf("marker after sync = %q, %v; want 77 (mailboxes are never deleted)", m, ok)
	}

	if known, _ := s.IsSubscriber(ctx, 22); known {
		t.Error("removed subscriber still known")
	}
	if known, _ := s.IsSubscriber(ctx, 11); !known {
		t.Error("kept subscriber lost its telegram id")
	}
}
