package store

import (
	"context"
	"fmt"

	"github.com/dhcgn/mail-to-telegram/model"
)

// Resolve lists the chats subscribed to a mailbox: registered individuals
// first, ordered by name, then group chats. The result has no duplicates
// and is empty, not an error, when nobody is subscribed.
func (s *SQLiteStore) Resolve(ctx context.Context, key string) ([]model.Target, error) {
	key = model.MailboxKey(key)

	var people []int64
	err := s.db.SelectContext(ctx, &people, `
		SELECT s.telegram_id
		FROM subscriptions sub
		JOIN subscribers s ON s.id = sub.subscriber_id
		WHERE sub.mailbox_email = ? AND s.telegram_id IS NOT NULL
		ORDER BY s.name, s.id`, key)
	if err != nil {
		return nil, fmt.Errorf("querying subscribers: %w", err)
	}

	var groups []int64
	err = s.db.SelectContext(ctx, &groups, `
		SELECT chat_id FROM mailbox_groups
		WHERE mailbox_email = ?
		ORDER BY chat_id`, key)
	if err != nil {
		return nil, fmt.Errorf("querying group chats: %w", err)
	}

	seen := make(map[int64]struct{}, len(people)+len(groups))
	targets := make([]model.Target, 0, len(people)+len(groups))
	for _, id := range append(people, groups...) {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		targets = append(targets, model.Target(id))
	}
	return targets, nil
}

// IsSubscriber reports whether a Telegram user is known to the directory.
func (s *SQLiteStore) IsSubscriber(ctx context.Context, telegramID int64) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM subscribers WHERE telegram_id = ?`, telegramID); err != nil {
		return false, fmt.Errorf("looking up subscriber: %w", err)
	}
	return n > 0, nil
}
