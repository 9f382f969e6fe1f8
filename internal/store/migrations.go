package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	message_id       TEXT NOT NULL,
	subject          TEXT NOT NULL DEFAULT '',
	body             TEXT NOT NULL DEFAULT '',
	was_read         INTEGER NOT NULL DEFAULT 0 CHECK(was_read IN (0, 1)),
	reading_duration REAL NOT NULL DEFAULT 0,
	is_urgent        INTEGER CHECK(is_urgent IN (0, 1)),
	created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(user_id, message_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_user_id ON messages(user_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
ALTER TABLE messages ADD COLUMN archived_at DATETIME;

CREATE INDEX IF NOT EXISTS idx_messages_user_urgent
	ON messages(user_id, is_urgent);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
