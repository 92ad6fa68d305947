package channels

import (
	"database/sql"

	"github.com/hazyhaar/courrier/dbopen"
)

// Schema defines the four tables behind the subsystem.
//
// conversations are threaded on (channel_id, contact_key): the same
// external contact on the same channel resolves to the same open
// conversation within a recency window. message_count is maintained
// incrementally — never recomputed by full scan in the hot path.
//
// The partial unique index on conversation_messages(channel_id,
// external_message_id) is the webhook-redelivery dedup contract: a second
// delivery of the same provider-assigned message ID is a no-op, detected
// as a constraint conflict, not a duplicate row. It binds inbound rows
// only (sender_type = 'user'): providers may echo an inbound message ID
// on delivered replies, and a delivered reply must always persist.
// Providers that assign no message ID store an empty external_message_id,
// which the partial index ignores.
const Schema = `
CREATE TABLE IF NOT EXISTS channels (
    id                  TEXT PRIMARY KEY,
    workspace_id        TEXT NOT NULL,
    type                TEXT NOT NULL CHECK(type IN ('chat_widget','email','whatsapp','sms','facebook','instagram','twitter')),
    name                TEXT NOT NULL,
    config              TEXT NOT NULL DEFAULT '{}',
    status              TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','connected','disconnected','error')),
    external_channel_id TEXT NOT NULL DEFAULT '',
    webhook_url         TEXT NOT NULL DEFAULT '',
    last_sync_at        INTEGER,
    created_at          INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);

CREATE INDEX IF NOT EXISTS idx_channels_workspace ON channels(workspace_id);

CREATE TABLE IF NOT EXISTS conversations (
    id                TEXT PRIMARY KEY,
    workspace_id      TEXT NOT NULL,
    channel_id        TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
    contact_key       TEXT NOT NULL,
    status            TEXT NOT NULL DEFAULT 'new' CHECK(status IN ('new','assigned','bot_handled','resolved')),
    assigned_agent_id TEXT,
    is_handled_by_bot INTEGER NOT NULL DEFAULT 1 CHECK(is_handled_by_bot IN (0,1)),
    message_count     INTEGER NOT NULL DEFAULT 0,
    last_message_at   INTEGER,
    first_response_at INTEGER,
    resolved_at       INTEGER,
    created_at        INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);

CREATE INDEX IF NOT EXISTS idx_conversations_thread
    ON conversations(channel_id, contact_key, status, last_message_at DESC);
CREATE INDEX IF NOT EXISTS idx_conversations_workspace
    ON conversations(workspace_id, last_message_at DESC);

CREATE TABLE IF NOT EXISTS conversation_messages (
    id                  TEXT PRIMARY KEY,
    conversation_id     TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    channel_id          TEXT NOT NULL,
    sender_type         TEXT NOT NULL CHECK(sender_type IN ('user','bot','agent')),
    sender_name         TEXT NOT NULL DEFAULT '',
    content             TEXT NOT NULL,
    content_type        TEXT NOT NULL DEFAULT 'text',
    rich_content        TEXT,
    attachments         TEXT,
    is_ai_generated     INTEGER NOT NULL DEFAULT 0 CHECK(is_ai_generated IN (0,1)),
    external_message_id TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL DEFAULT 'received',
    created_at          INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_dedup
    ON conversation_messages(channel_id, external_message_id)
    WHERE sender_type = 'user' AND external_message_id != '';
CREATE INDEX IF NOT EXISTS idx_messages_conversation
    ON conversation_messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS conversation_participants (
    conversation_id TEXT PRIMARY KEY REFERENCES conversations(id) ON DELETE CASCADE,
    name            TEXT NOT NULL DEFAULT '',
    email           TEXT NOT NULL DEFAULT '',
    phone           TEXT NOT NULL DEFAULT '',
    avatar_url      TEXT NOT NULL DEFAULT '',
    updated_at      INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);
`

// OpenDB opens the courrier SQLite database at path with the channel
// schema applied. The caller must blank-import the driver:
//
//	import _ "modernc.org/sqlite"
func OpenDB(path string) (*sql.DB, error) {
	return dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
}

// Init applies the schema to an already-open database.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
