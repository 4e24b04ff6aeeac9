package backends

// SchemaVersion is the latest schema version known to this build.
const SchemaVersion = 2

// Timestamps are stored as unix milliseconds so the same queries serve both
// backends.

var sqliteMigrations = []string{
	// 1: sessions, preferences, chat settings, analytics.
	`
CREATE TABLE IF NOT EXISTS account_sessions (
    account_id  TEXT PRIMARY KEY,
    platform    TEXT NOT NULL,
    credential  BLOB NOT NULL,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bot_preferences (
    id                 INTEGER PRIMARY KEY CHECK (id = 1),
    is_on              INTEGER NOT NULL DEFAULT 0,
    general_prompt     TEXT NOT NULL DEFAULT '',
    response_delay_ms  INTEGER NOT NULL DEFAULT 0,
    max_tokens         INTEGER NOT NULL DEFAULT 150,
    temperature        REAL NOT NULL DEFAULT 0.7,
    analyze_images     INTEGER NOT NULL DEFAULT 0,
    analyze_voices     INTEGER NOT NULL DEFAULT 0,
    updated_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_settings (
    account_id     TEXT NOT NULL DEFAULT '',
    chat_id        TEXT NOT NULL,
    auto_reply_on  INTEGER NOT NULL DEFAULT 0,
    custom_prompt  TEXT NOT NULL DEFAULT '',
    response_delay_ms INTEGER,
    updated_at     INTEGER NOT NULL,
    PRIMARY KEY (account_id, chat_id)
);

CREATE TABLE IF NOT EXISTS analytics (
    id                TEXT PRIMARY KEY,
    account_id        TEXT NOT NULL,
    chat_id           TEXT NOT NULL,
    message_id        TEXT NOT NULL,
    user_message      TEXT NOT NULL,
    bot_response      TEXT NOT NULL,
    received_at       INTEGER NOT NULL,
    sent_at           INTEGER NOT NULL,
    response_time_ms  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_analytics_received ON analytics(received_at);
CREATE INDEX IF NOT EXISTS idx_analytics_account ON analytics(account_id, received_at);
`,
	// 2: local message log for platforms without history access.
	`
CREATE TABLE IF NOT EXISTS wa_messages (
    account_id  TEXT NOT NULL,
    chat_id     TEXT NOT NULL,
    message_id  TEXT NOT NULL,
    sender      TEXT NOT NULL,
    body        TEXT NOT NULL DEFAULT '',
    kind        TEXT NOT NULL DEFAULT 'text',
    sent_at     INTEGER NOT NULL,
    PRIMARY KEY (account_id, chat_id, message_id)
);

CREATE INDEX IF NOT EXISTS idx_wa_messages_chat ON wa_messages(account_id, chat_id, sent_at DESC);
`,
}

var postgresMigrations = []string{
	`
CREATE TABLE IF NOT EXISTS account_sessions (
    account_id  TEXT PRIMARY KEY,
    platform    TEXT NOT NULL,
    credential  BYTEA NOT NULL,
    created_at  BIGINT NOT NULL,
    updated_at  BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS bot_preferences (
    id                 INTEGER PRIMARY KEY CHECK (id = 1),
    is_on              BOOLEAN NOT NULL DEFAULT FALSE,
    general_prompt     TEXT NOT NULL DEFAULT '',
    response_delay_ms  BIGINT NOT NULL DEFAULT 0,
    max_tokens         INTEGER NOT NULL DEFAULT 150,
    temperature        DOUBLE PRECISION NOT NULL DEFAULT 0.7,
    analyze_images     BOOLEAN NOT NULL DEFAULT FALSE,
    analyze_voices     BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at         BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_settings (
    account_id     TEXT NOT NULL DEFAULT '',
    chat_id        TEXT NOT NULL,
    auto_reply_on  BOOLEAN NOT NULL DEFAULT FALSE,
    custom_prompt  TEXT NOT NULL DEFAULT '',
    response_delay_ms BIGINT,
    updated_at     BIGINT NOT NULL,
    PRIMARY KEY (account_id, chat_id)
);

CREATE TABLE IF NOT EXISTS analytics (
    id                TEXT PRIMARY KEY,
    account_id        TEXT NOT NULL,
    chat_id           TEXT NOT NULL,
    message_id        TEXT NOT NULL,
    user_message      TEXT NOT NULL,
    bot_response      TEXT NOT NULL,
    received_at       BIGINT NOT NULL,
    sent_at           BIGINT NOT NULL,
    response_time_ms  BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_analytics_received ON analytics(received_at);
CREATE INDEX IF NOT EXISTS idx_analytics_account ON analytics(account_id, received_at);
`,
	`
CREATE TABLE IF NOT EXISTS wa_messages (
    account_id  TEXT NOT NULL,
    chat_id     TEXT NOT NULL,
    message_id  TEXT NOT NULL,
    sender      TEXT NOT NULL,
    body        TEXT NOT NULL DEFAULT '',
    kind        TEXT NOT NULL DEFAULT 'text',
    sent_at     BIGINT NOT NULL,
    PRIMARY KEY (account_id, chat_id, message_id)
);

CREATE INDEX IF NOT EXISTS idx_wa_messages_chat ON wa_messages(account_id, chat_id, sent_at DESC);
`,
}
