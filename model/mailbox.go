package model

import "strings"

// MailboxIdentity identifies one watched mailbox and how to reach it.
type MailboxIdentity struct {
	Email              string
	Password           string
	Host               string
	Port               int
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string
}

// Key is the mailbox key used by marker storage and subscriber lookups.
func (m MailboxIdentity) Key() string {
	return MailboxKey(m.Email)
}

// MailboxKey normalises an address into a mailbox key.
func MailboxKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (m MailboxIdentity) FolderName() string {
	if m.Folder == "" {
		return "INBOX"
	}
	return m.Folder
}
