package syncer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dhcgn/mail-to-telegram/model"
	"github.com/dhcgn/mail-to-telegram/seatable"
	"github.com/dhcgn/mail-to-telegram/store"
)

// Columns names the directory columns read by a sync.
type Columns struct {
	UserName      string `mapstructure:"user_name"`
	UserPhone     string `mapstructure:"user_phone"`
	UserTelegram  string `mapstructure:"user_telegram"`
	UserMailboxes string `mapstructure:"user_mailboxes"`
	MailboxName   string `mapstructure:"mailbox_name"`
	MailboxEmail  string `mapstructure:"mailbox_email"`
	MailboxGroups string `mapstructure:"mailbox_groups"`
}

func DefaultColumns() Columns {
	return Columns{
		UserName:      "Name",
		UserPhone:     "phone",
		UserTelegram:  "id_telegram",
		UserMailboxes: "mailboxes",
		MailboxName:   "Name",
		MailboxEmail:  "email",
		MailboxGroups: "groups",
	}
}

func (c Columns) user() []string {
	return []string{c.UserName, c.UserPhone, c.UserTelegram, c.UserMailboxes}
}

func (c Columns) mailbox() []string {
	return []string{c.MailboxName, c.MailboxEmail, c.MailboxGroups}
}

// Rejected is a row or value left out of a snapshot.
type Rejected struct {
	Table  string
	RowID  string
	Reason string
}

// Tables is one read of the directory.
type Tables struct {
	Users          []seatable.Row
	UserColumns    seatable.ColumnMap
	Mailboxes      []seatable.Row
	MailboxColumns seatable.ColumnMap
}

// BuildSnapshot converts directory rows into the state the store converges
// on. Rows that cannot be used are reported, not fatal.
func BuildSnapshot(t Tables, cols Columns) (store.Snapshot, []Rejected) {
	var (
		snap     store.Snapshot
		rejected []Rejected
	)
	reject := func(table, rowID, format string, args ...any) {
		rejected = append(rejected, Rejected{Table: table, RowID: rowID, Reason: fmt.Sprintf(format, args...)})
	}

	byRowID := make(map[string]string)
	byLabel := make(map[string]string)
	seenEmail := make(map[string]bool)

	for _, row := range t.Mailboxes {
		email := model.MailboxKey(t.MailboxColumns.String(row, cols.MailboxEmail))
		if !strings.Contains(email, "@") {
			reject("mailboxes", row.ID(), "invalid email %q", email)
			continue
		}
		if seenEmail[email] {
			reject("mailboxes", row.ID(), "duplicate email %s", email)
			continue
		}
		seenEmail[email] = true

		rec := store.MailboxRecord{
			Email:       email,
			Name:        t.MailboxColumns.String(row, cols.MailboxName),
			SourceRowID: row.ID(),
		}
		seenGroup := make(map[int64]bool)
		for _, raw := range t.MailboxColumns.List(row, cols.MailboxGroups) {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id == 0 {
				reject("mailboxes", row.ID(), "invalid group id %q", raw)
				continue
			}
			if !seenGroup[id] {
				seenGroup[id] = true
				rec.Groups = append(rec.Groups, id)
			}
		}

		snap.Mailboxes = append(snap.Mailboxes, rec)
		if rec.SourceRowID != "" {
			byRowID[rec.SourceRowID] = email
		}
		byLabel[email] = email
		if rec.Name != "" {
			byLabel[strings.ToLower(rec.Name)] = email
		}
	}

	seenPhone := make(map[string]bool)
	for _, row := range t.Users {
		phone, err := NormalizePhone(t.UserColumns.String(row, cols.UserPhone))
		if err != nil {
			reject("users", row.ID(), "%v", err)
			continue
		}
		if seenPhone[phone] {
			reject("users", row.ID(), "duplicate phone %s", phone)
			continue
		}
		seenPhone[phone] = true

		rec := store.SubscriberRecord{
			SourceRowID: row.ID(),
			Name:        t.UserColumns.String(row, cols.UserName),
			Phone:       phone,
		}
		if raw := t.UserColumns.String(row, cols.UserTelegram); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				reject("users", row.ID(), "invalid telegram id %q", raw)
			} else {
				rec.TelegramID = id
			}
		}

		subscribed := make(map[string]bool)
		for _, link := range t.UserColumns.Links(row, cols.UserMailboxes) {
			email, ok := byRowID[link.RowID]
			if !ok {
				email, ok = byLabel[strings.ToLower(link.DisplayValue)]
			}
			if !ok {
				reject("users", row.ID(), "unknown mailbox %q", link.DisplayValue)
				continue
			}
			if !subscribed[email] {
				subscribed[email] = true
				rec.Mailboxes = append(rec.Mailboxes, email)
			}
		}

		snap.Subscribers = append(snap.Subscribers, rec)
	}

	return snap, rejected
}
