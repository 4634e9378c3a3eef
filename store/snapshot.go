package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/dhcgn/mail-to-telegram/model"
)

// MailboxRecord is a mailbox as described by the external directory.
type MailboxRecord struct {
	Email       string
	Name        string
	SourceRowID string
	Groups      []int64
}

// SubscriberRecord is a person as described by the external directory.
// Phone is the normalised identity; TelegramID is zero when unknown.
type SubscriberRecord struct {
	SourceRowID string
	Name        string
	Phone       string
	TelegramID  int64
	Mailboxes   []string
}

// Snapshot is the complete directory state to converge on.
type Snapshot struct {
	Mailboxes   []MailboxRecord
	Subscribers []SubscriberRecord
}

type ApplyResult struct {
	Mailboxes          int
	SubscribersAdded   int
	SubscribersUpdated int
	SubscribersRemoved int
	Subscriptions      int
	Groups             int
}

func (r ApplyResult) LogAttrs() []any {
	return []any{
		"mailboxes", r.Mailboxes,
		"added", r.SubscribersAdded,
		"updated", r.SubscribersUpdated,
		"removed", r.SubscribersRemoved,
		"subscriptions", r.Subscriptions,
		"groups", r.Groups,
	}
}

type existingSubscriber struct {
	ID         string        `db:"id"`
	Phone      string        `db:"phone"`
	TelegramID sql.NullInt64 `db:"telegram_id"`
}

// ApplySnapshot converges the directory on snap in one transaction.
// Mailboxes are upserted and never deleted, so markers survive a mailbox
// disappearing from the source. Subscribers are matched by phone; those
// missing from snap are removed. Subscriptions and group chats are replaced.
// A known Telegram id is kept when the source does not provide one.
func (s *SQLiteStore) ApplySnapshot(ctx context.Context, snap Snapshot) (ApplyResult, error) {
	var res ApplyResult

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	upsertMailbox, err := tx.PreparexContext(ctx, `
		INSERT INTO mailboxes (email, name, source_row_id) VALUES (?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			name = excluded.name,
			source_row_id = excluded.source_row_id,
			updated_at = CURRENT_TIMESTAMP`)
	if err != nil {
		return res, fmt.Errorf("preparing mailbox upsert: %w", err)
	}
	defer upsertMailbox.Close()

	for _, mb := range snap.Mailboxes {
		if _, err := upsertMailbox.ExecContext(ctx, model.MailboxKey(mb.Email), mb.Name, mb.SourceRowID); err != nil {
			return res, fmt.Errorf("upserting mailbox %s: %w", mb.Email, err)
		}
		res.Mailboxes++
	}

	var existing []existingSubscriber
	if err := tx.SelectContext(ctx, &existing, `SELECT id, phone, telegram_id FROM subscribers`); err != nil {
		return res, fmt.Errorf("loading subscribers: %w", err)
	}
	byPhone := make(map[string]existingSubscriber, len(existing))
	for _, e := range existing {
		byPhone[e.Phone] = e
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions`); err != nil {
		return res, fmt.Errorf("clearing subscriptions: %w", err)
	}

	insertSub, err := tx.PreparexContext(ctx, `
		INSERT INTO subscribers (id, source_row_id, name, phone, telegram_id) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return res, fmt.Errorf("preparing subscriber insert: %w", err)
	}
	defer insertSub.Close()

	updateSub, err := tx.PreparexContext(ctx, `
		UPDATE subscribers
		SET source_row_id = ?, name = ?, telegram_id = COALESCE(?, telegram_id), updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`)
	if err != nil {
		return res, fmt.Errorf("preparing subscriber update: %w", err)
	}
	defer updateSub.Close()

	subscribe, err := tx.PreparexContext(ctx, `
		INSERT OR IGNORE INTO subscriptions (subscriber_id, mailbox_email)
		SELECT ?, email FROM mailboxes WHERE email = ?`)
	if err != nil {
		return res, fmt.Errorf("preparing subscription insert: %w", err)
	}
	defer subscribe.Close()

	keep := make(map[string]struct{}, len(snap.Subscribers))
	for _, sub := range snap.Subscribers {
		telegramID := sql.NullInt64{Int64: sub.TelegramID, Valid: sub.TelegramID != 0}

		id := ""
		if prev, ok := byPhone[sub.Phone]; ok {
			id = prev.ID
			if _, err := updateSub.ExecContext(ctx, sub.SourceRowID, sub.Name, telegramID, id); err != nil {
				return res, fmt.Errorf("updating subscriber %s: %w", sub.Phone, err)
			}
			res.SubscribersUpdated++
		} else {
			id = uuid.NewString()
			if _, err := insertSub.ExecContext(ctx, id, sub.SourceRowID, sub.Name, sub.Phone, telegramID); err != nil {
				return res, fmt.Errorf("inserting subscriber %s: %w", sub.Phone, err)
			}
			byPhone[sub.Phone] = existingSubscriber{ID: id, Phone: sub.Phone}
			res.SubscribersAdded++
		}
		keep[sub.Phone] = struct{}{}

		for _, email := range sub.Mailboxes {
			r, err := subscribe.ExecContext(ctx, id, model.MailboxKey(email))
			if err != nil {
				return res, fmt.Errorf("subscribing %s to %s: %w", sub.Phone, email, err)
			}
			if n, _ := r.RowsAffected(); n > 0 {
				res.Subscriptions++
			}
		}
	}

	for _, e := range existing {
		if _, ok := keep[e.Phone]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM subscribers WHERE id = ?`, e.ID); err != nil {
			return res, fmt.Errorf("removing subscriber %s: %w", e.Phone, err)
		}
		res.SubscribersRemoved++
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM mailbox_groups`); err != nil {
		return res, fmt.Errorf("clearing group chats: %w", err)
	}
	for _, mb := range snap.Mailboxes {
		for _, chatID := range mb.Groups {
			r, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO mailbox_groups (mailbox_email, chat_id) VALUES (?, ?)`,
				model.MailboxKey(mb.Email), chatID)
			if err != nil {
				return res, fmt.Errorf("adding group %d to %s: %w", chatID, mb.Email, err)
			}
			if n, _ := r.RowsAffected(); n > 0 {
				res.Groups++
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("committing sync: %w", err)
	}
	return res, nil
}
