package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/dhcgn/mail-to-telegram/model"
)

// Get returns the last processed UID for a mailbox. ok is false when the
// mailbox has never processed a message or is not registered.
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var uid sql.NullString
	err := s.db.GetContext(ctx, &uid, `SELECT last_uid FROM mailboxes WHERE email = ?`, model.MailboxKey(key))
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading marker: %w", err)
	}
	return uid.String, uid.Valid, nil
}

// Set advances the marker for a mailbox. The update is a single conditional
// statement, so concurrent writers can never move a marker backwards.
// Writing a lower or equal marker is a no-op.
func (s *SQLiteStore) Set(ctx context.Context, key, marker string) error {
	key = model.MailboxKey(key)
	next, err := strconv.ParseUint(marker, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid marker %q: %w", marker, err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE mailboxes
		SET last_uid = ?, updated_at = CURRENT_TIMESTAMP
		WHERE email = ? AND (last_uid IS NULL OR CAST(last_uid AS INTEGER) < ?)`,
		marker, key, int64(next),
	)
	if err != nil {
		return fmt.Errorf("updating marker: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating marker: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var exists int
	if err := s.db.GetContext(ctx, &exists, `SELECT COUNT(*) FROM mailboxes WHERE email = ?`, key); err != nil {
		return fmt.Errorf("checking mailbox: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%s: %w", key, model.ErrMailboxNotFound)
	}
	return nil
}

// EnsureMailboxes registers configured mailboxes that have no record yet.
// Existing rows and their markers are left untouched.
func (s *SQLiteStore) EnsureMailboxes(ctx context.Context, emails []string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `INSERT INTO mailboxes (email) VALUES (?) ON CONFLICT(email) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("preparing mailbox insert: %w", err)
	}
	defer stmt.Close()

	for _, email := range emails {
		if _, err := stmt.ExecContext(ctx, model.MailboxKey(email)); err != nil {
			return fmt.Errorf("registering mailbox %s: %w", email, err)
		}
	}

	return tx.Commit()
}
