// ABOUTME: PostgreSQL rendition of the thoth schema and the table copy order
// ABOUTME: Column kinds drive conversion from SQLite text storage to native types

package pgexport

import (
	"fmt"
	"strings"
)

type kind int

const (
	kindInt kind = iota
	kindText
	kindTime
	kindJSON
)

type column struct {
	name string
	kind kind
}

type table struct {
	name     string
	columns  []column
	identity bool // has an id column backed by an identity sequence
	ddl      string
}

func (t table) columnNames() []string {
	names := make([]string, len(t.columns))
	for i, c := range t.columns {
		names[i] = c.name
	}
	return names
}

// tables lists every table in foreign-key order.
var tables = []table{
	{
		name:     "sources",
		identity: true,
		columns: []column{
			{"id", kindInt}, {"name", kindText}, {"platform", kindText},
			{"base_url", kindText}, {"created_at", kindTime},
		},
		ddl: `CREATE TABLE IF NOT EXISTS sources (
	id         BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	platform   TEXT NOT NULL,
	base_url   TEXT,
	created_at TIMESTAMPTZ NOT NULL
)`,
	},
	{
		name:     "channels",
		identity: true,
		columns: []column{
			{"id", kindInt}, {"source_id", kindInt}, {"external_id", kindText}, {"name", kindText},
			{"url", kindText}, {"metadata_json", kindJSON}, {"created_at", kindTime},
		},
		ddl: `CREATE TABLE IF NOT EXISTS channels (
	id            BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	source_id     BIGINT NOT NULL REFERENCES sources(id),
	external_id   TEXT NOT NULL,
	name          TEXT,
	url           TEXT,
	metadata_json JSONB,
	created_at    TIMESTAMPTZ NOT NULL,
	UNIQUE (source_id, external_id)
)`,
	},
	{
		name:     "users",
		identity: true,
		columns: []column{
			{"id", kindInt}, {"source_id", kindInt}, {"external_id", kindText},
			{"handle", kindText}, {"display_name", kindText}, {"updated_at", kindTime},
		},
		ddl: `CREATE TABLE IF NOT EXISTS users (
	id           BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	source_id    BIGINT NOT NULL REFERENCES sources(id),
	external_id  TEXT NOT NULL,
	handle       TEXT,
	display_name TEXT,
	updated_at   TIMESTAMPTZ NOT NULL,
	UNIQUE (source_id, external_id)
)`,
	},
	{
		name:     "messages",
		identity: true,
		columns: []column{
			{"id", kindInt}, {"source_id", kindInt}, {"channel_id", kindInt}, {"external_id", kindText},
			{"author_id", kindInt}, {"content", kindText}, {"content_raw", kindText},
			{"created_at", kindTime}, {"edited_at", kindTime}, {"reply_to_external_id", kindText},
			{"thread_root_external_id", kindText}, {"metadata_json", kindJSON},
		},
		ddl: `CREATE TABLE IF NOT EXISTS messages (
	id                      BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	source_id               BIGINT NOT NULL REFERENCES sources(id),
	channel_id              BIGINT NOT NULL REFERENCES channels(id),
	external_id             TEXT NOT NULL,
	author_id               BIGINT REFERENCES users(id),
	content                 TEXT,
	content_raw             TEXT,
	created_at              TIMESTAMPTZ,
	edited_at               TIMESTAMPTZ,
	reply_to_external_id    TEXT,
	thread_root_external_id TEXT,
	metadata_json           JSONB,
	UNIQUE (source_id, external_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_channel_created ON messages (channel_id, created_at)`,
	},
	{
		name:     "message_versions",
		identity: true,
		columns: []column{
			{"id", kindInt}, {"message_id", kindInt}, {"content", kindText},
			{"content_raw", kindText}, {"captured_at", kindTime},
		},
		ddl: `CREATE TABLE IF NOT EXISTS message_versions (
	id          BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	message_id  BIGINT NOT NULL REFERENCES messages(id),
	content     TEXT,
	content_raw TEXT,
	captured_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_message_versions_message ON message_versions (message_id)`,
	},
	{
		name:     "reactions",
		identity: true,
		columns: []column{
			{"id", kindInt}, {"message_id", kindInt}, {"emoji", kindText},
			{"count", kindInt}, {"updated_at", kindTime},
		},
		ddl: `CREATE TABLE IF NOT EXISTS reactions (
	id         BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	message_id BIGINT NOT NULL REFERENCES messages(id),
	emoji      TEXT NOT NULL,
	count      INTEGER NOT NULL DEFAULT 1,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (message_id, emoji)
)`,
	},
	{
		name:     "events",
		identity: true,
		columns: []column{
			{"id", kindInt}, {"event_type", kindText}, {"source_id", kindInt}, {"channel_id", kindInt},
			{"message_id", kindInt}, {"payload_json", kindJSON}, {"created_at", kindTime},
		},
		ddl: `CREATE TABLE IF NOT EXISTS events (
	id           BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	event_type   TEXT NOT NULL,
	source_id    BIGINT REFERENCES sources(id),
	channel_id   BIGINT REFERENCES channels(id),
	message_id   BIGINT REFERENCES messages(id),
	payload_json JSONB,
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_type_created ON events (event_type, created_at)`,
	},
	{
		name: "sync_state",
		columns: []column{
			{"channel_id", kindInt}, {"mode", kindText}, {"last_seen_at", kindTime},
			{"oldest_seen_at", kindTime}, {"cursor", kindText}, {"idle_cycles", kindInt},
			{"updated_at", kindTime},
		},
		ddl: `CREATE TABLE IF NOT EXISTS sync_state (
	channel_id     BIGINT PRIMARY KEY REFERENCES channels(id),
	mode           TEXT NOT NULL DEFAULT 'recent' CHECK (mode IN ('recent', 'backfill')),
	last_seen_at   TIMESTAMPTZ,
	oldest_seen_at TIMESTAMPTZ,
	cursor         TEXT,
	idle_cycles    INTEGER NOT NULL DEFAULT 0,
	updated_at     TIMESTAMPTZ NOT NULL
)`,
	},
}

// Schema returns the PostgreSQL DDL for every table.
func Schema() string {
	stmts := make([]string, len(tables))
	for i, t := range tables {
		stmts[i] = t.ddl + ";"
	}
	return strings.Join(stmts, "\n\n") + "\n"
}

// dropStatements removes the tables in reverse foreign-key order.
func dropStatements() []string {
	stmts := make([]string, 0, len(tables))
	for i := len(tables) - 1; i >= 0; i-- {
		stmts = append(stmts, fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", tables[i].name))
	}
	return stmts
}
