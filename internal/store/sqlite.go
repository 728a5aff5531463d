// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Schema creation, migrations, shared helpers, and source/channel/user upserts

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// TimeLayout is the single on-disk timestamp representation: fixed-width
// ISO-8601 in UTC, so lexical order equals chronological order.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// SQLiteStore implements Store and Reader using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One writer at a time; also keeps :memory: databases on a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// Schema is the DDL for every thoth table. pgexport translates it for PostgreSQL.
const Schema = `
	CREATE TABLE IF NOT EXISTS sources (
		id         INTEGER PRIMARY KEY,
		name       TEXT NOT NULL UNIQUE,
		platform   TEXT NOT NULL,
		base_url   TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS channels (
		id            INTEGER PRIMARY KEY,
		source_id     INTEGER NOT NULL REFERENCES sources(id),
		external_id   TEXT NOT NULL,
		name          TEXT,
		url           TEXT,
		metadata_json TEXT,
		created_at    TEXT NOT NULL,
		UNIQUE(source_id, external_id)
	);

	CREATE TABLE IF NOT EXISTS users (
		id           INTEGER PRIMARY KEY,
		source_id    INTEGER NOT NULL REFERENCES sources(id),
		external_id  TEXT NOT NULL,
		handle       TEXT,
		display_name TEXT,
		updated_at   TEXT NOT NULL,
		UNIQUE(source_id, external_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id                      INTEGER PRIMARY KEY,
		source_id               INTEGER NOT NULL REFERENCES sources(id),
		channel_id              INTEGER NOT NULL REFERENCES channels(id),
		external_id             TEXT NOT NULL,
		author_id               INTEGER REFERENCES users(id),
		content                 TEXT,
		content_raw             TEXT,
		created_at              TEXT,
		edited_at               TEXT,
		reply_to_external_id    TEXT,
		thread_root_external_id TEXT,
		metadata_json           TEXT,
		UNIQUE(source_id, external_id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_channel_created
		ON messages(channel_id, created_at);

	CREATE TABLE IF NOT EXISTS message_versions (
		id          INTEGER PRIMARY KEY,
		message_id  INTEGER NOT NULL REFERENCES messages(id),
		content     TEXT,
		content_raw TEXT,
		captured_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_message_versions_message
		ON message_versions(message_id);

	CREATE TABLE IF NOT EXISTS reactions (
		id         INTEGER PRIMARY KEY,
		message_id INTEGER NOT NULL REFERENCES messages(id),
		emoji      TEXT NOT NULL,
		count      INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL,
		UNIQUE(message_id, emoji)
	);

	CREATE TABLE IF NOT EXISTS events (
		id           INTEGER PRIMARY KEY,
		event_type   TEXT NOT NULL,
		source_id    INTEGER REFERENCES sources(id),
		channel_id   INTEGER REFERENCES channels(id),
		message_id   INTEGER REFERENCES messages(id),
		payload_json TEXT,
		created_at   TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_type_created
		ON events(event_type, created_at);

	CREATE TABLE IF NOT EXISTS sync_state (
		channel_id     INTEGER PRIMARY KEY REFERENCES channels(id),
		mode           TEXT NOT NULL DEFAULT 'recent',
		last_seen_at   TEXT,
		oldest_seen_at TEXT,
		cursor         TEXT,
		idle_cycles    INTEGER NOT NULL DEFAULT 0,
		updated_at     TEXT NOT NULL,

		CHECK (mode IN ('recent', 'backfill'))
	);
`

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	_, err := s.db.Exec(Schema)
	return err
}

// runMigrations applies column additions for databases created by older builds.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "messages",
			column: "thread_root_external_id",
			apply:  `ALTER TABLE messages ADD COLUMN thread_root_external_id TEXT`,
		},
		{
			table:  "messages",
			column: "metadata_json",
			apply:  `ALTER TABLE messages ADD COLUMN metadata_json TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(
			`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column,
		).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// DB exposes the underlying handle for read-only tooling such as pgexport.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// UpsertSource returns the id of the named source, creating it on first use.
// Sources are immutable after creation; a platform mismatch is a conflict.
func (s *SQLiteStore) UpsertSource(ctx context.Context, name, platform, baseURL string) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sources (name, platform, base_url, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO NOTHING
	`, name, platform, nullString(baseURL), formatTime(s.now()))
	if err != nil {
		return 0, fmt.Errorf("inserting source: %w", err)
	}

	var id int64
	var stored string
	err = s.db.QueryRowContext(ctx,
		`SELECT id, platform FROM sources WHERE name = ?`, name,
	).Scan(&id, &stored)
	if err != nil {
		return 0, fmt.Errorf("querying source: %w", err)
	}

	if stored != platform {
		return 0, &ConflictError{
			Op:  "upsert source",
			Key: name,
			Err: fmt.Errorf("stored platform %q, got %q", stored, platform),
		}
	}
	return id, nil
}

// UpsertChannel creates or refreshes a channel keyed by (source_id, external_id).
func (s *SQLiteStore) UpsertChannel(ctx context.Context, in ChannelInput) (int64, error) {
	if in.ExternalID == "" {
		return 0, fmt.Errorf("upserting channel: external_id is required")
	}

	metadata, err := marshalJSON(in.Metadata)
	if err != nil {
		return 0, fmt.Errorf("marshaling channel metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO channels (source_id, external_id, name, url, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, external_id) DO UPDATE SET
			name = COALESCE(excluded.name, channels.name),
			url = COALESCE(excluded.url, channels.url),
			metadata_json = COALESCE(excluded.metadata_json, channels.metadata_json)
	`, in.SourceID, in.ExternalID, nullString(in.Name), nullString(in.URL), metadata, formatTime(s.now()))
	if err != nil {
		if isConstraintViolation(err) {
			return 0, &ConflictError{Op: "upsert channel", Key: in.ExternalID, Err: err}
		}
		return 0, fmt.Errorf("upserting channel: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM channels WHERE source_id = ? AND external_id = ?`,
		in.SourceID, in.ExternalID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("querying channel: %w", err)
	}
	return id, nil
}

// UpsertUser creates or refreshes an author. The most recent display name wins.
func (s *SQLiteStore) UpsertUser(ctx context.Context, in UserInput) (int64, error) {
	if in.ExternalID == "" {
		return 0, fmt.Errorf("upserting user: external_id is required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (source_id, external_id, handle, display_name, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_id, external_id) DO UPDATE SET
			handle = COALESCE(excluded.handle, users.handle),
			display_name = COALESCE(excluded.display_name, users.display_name),
			updated_at = excluded.updated_at
		WHERE COALESCE(excluded.handle, users.handle) IS NOT users.handle
		   OR COALESCE(excluded.display_name, users.display_name) IS NOT users.display_name
	`, in.SourceID, in.ExternalID, nullString(in.Handle), nullString(in.DisplayName), formatTime(s.now()))
	if err != nil {
		if isConstraintViolation(err) {
			return 0, &ConflictError{Op: "upsert user", Key: in.ExternalID, Err: err}
		}
		return 0, fmt.Errorf("upserting user: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM users WHERE source_id = ? AND external_id = ?`,
		in.SourceID, in.ExternalID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("querying user: %w", err)
	}
	return id, nil
}

// ListChannels returns the channels of a source ordered by name.
func (s *SQLiteStore) ListChannels(ctx context.Context, sourceID int64) ([]*Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, external_id, name, url, metadata_json, created_at
		FROM channels
		WHERE source_id = ?
		ORDER BY name, id
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("querying channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var channels []*Channel
	for rows.Next() {
		var c Channel
		var name, url, metadata sql.NullString
		var createdAt string
		if err := rows.Scan(&c.ID, &c.SourceID, &c.ExternalID, &name, &url, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning channel row: %w", err)
		}
		c.Name = name.String
		c.URL = url.String
		if c.Metadata, err = unmarshalJSON(metadata); err != nil {
			return nil, fmt.Errorf("decoding channel metadata: %w", err)
		}
		if c.CreatedAt, err = ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		channels = append(channels, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating channel rows: %w", err)
	}
	return channels, nil
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// nullTime formats t, mapping the zero time to NULL.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func nullTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return nullTime(*t)
}

// ParseTime reads a timestamp written by the store.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		// Rows written by older builds used plain RFC3339.
		return time.Parse(time.RFC3339, s)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func marshalJSON(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalJSON(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Ensure SQLiteStore implements both interfaces
var (
	_ Store  = (*SQLiteStore)(nil)
	_ Reader = (*SQLiteStore)(nil)
)
