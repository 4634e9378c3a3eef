package store

type migration struct {
	version int
	sql     string
}

// migrations must stay ordered; each one records its own version.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS mailboxes (
	email         TEXT PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT '',
	source_row_id TEXT NOT NULL DEFAULT '',
	last_uid      TEXT,
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS subscribers (
	id            TEXT PRIMARY KEY,
	source_row_id TEXT NOT NULL DEFAULT '',
	name          TEXT NOT NULL DEFAULT '',
	phone         TEXT NOT NULL UNIQUE,
	telegram_id   INTEGER,
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS subscriptions (
	subscriber_id TEXT NOT NULL REFERENCES subscribers(id) ON DELETE CASCADE,
	mailbox_email TEXT NOT NULL REFERENCES mailboxes(email) ON DELETE CASCADE,
	PRIMARY KEY (subscriber_id, mailbox_email)
);

CREATE INDEX IF NOT EXISTS idx_subscribers_telegram_id ON subscribers(telegram_id);
CREATE INDEX IF NOT EXISTS idx_subscriptions_mailbox ON subscriptions(mailbox_email);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS mailbox_groups (
	mailbox_email TEXT NOT NULL REFERENCES mailboxes(email) ON DELETE CASCADE,
	chat_id       INTEGER NOT NULL,
	PRIMARY KEY (mailbox_email, chat_id)
);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
