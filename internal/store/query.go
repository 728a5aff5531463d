// ABOUTME: Read-only SQL behind the query interface and the thread reconstruction pass
// ABOUTME: Search, recent activity, table statistics, and unrooted reply lookup

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SearchParams narrows SearchMessages. Every term must appear in the content.
type SearchParams struct {
	Terms   []string
	Channel string // channel name or external id, optional
	Author  string // author handle or display name, optional
	Limit   int    // default 100, max 1000
}

// MessageView is a message joined with its source, channel, and author names.
type MessageView struct {
	MessageID         int64
	Source            string
	Channel           string
	Author            string
	ExternalID        string
	Content           string
	CreatedAt         *time.Time
	EditedAt          *time.Time
	ReplyToExternalID string
}

// ChannelCount is one row of the per-channel message breakdown.
type ChannelCount struct {
	Source   string
	Channel  string
	Messages int64
}

// Stats summarizes the size of the store.
type Stats struct {
	Sources       int64
	Channels      int64
	Users         int64
	Messages      int64
	Versions      int64
	Reactions     int64
	Events        int64
	LastMessageAt *time.Time
	PerChannel    []ChannelCount
}

// ReplyRef identifies a stored reply whose thread root is not yet known.
type ReplyRef struct {
	MessageID         int64
	SourceID          int64
	ExternalID        string
	ReplyToExternalID string
}

const messageViewColumns = `
		m.id, s.name, c.name, COALESCE(u.display_name, u.handle, ''), m.external_id,
		m.content, m.created_at, m.edited_at, m.reply_to_external_id
	FROM messages m
	JOIN sources s ON s.id = m.source_id
	JOIN channels c ON c.id = m.channel_id
	LEFT JOIN users u ON u.id = m.author_id`

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

// escapeLike escapes LIKE wildcards so terms match literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// SearchMessages returns messages containing every term, newest first.
func (s *SQLiteStore) SearchMessages(ctx context.Context, params SearchParams) ([]MessageView, error) {
	var where []string
	var args []any
	for _, term := range params.Terms {
		if term == "" {
			continue
		}
		where = append(where, `m.content LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(term)+"%")
	}
	if params.Channel != "" {
		where = append(where, "(c.name = ? OR c.external_id = ?)")
		args = append(args, params.Channel, params.Channel)
	}
	if params.Author != "" {
		where = append(where, "(u.handle = ? OR u.display_name = ?)")
		args = append(args, params.Author, params.Author)
	}

	query := "SELECT " + messageViewColumns
	if len(where) > 0 {
		query += "\n\tWHERE " + strings.Join(where, " AND ")
	}
	query += "\n\tORDER BY m.created_at DESC, m.id DESC\n\tLIMIT ?"
	args = append(args, normalizeLimit(params.Limit))

	return s.queryViews(ctx, query, args...)
}

// RecentMessages returns the newest messages, optionally restricted to one channel.
func (s *SQLiteStore) RecentMessages(ctx context.Context, channel string, limit int) ([]MessageView, error) {
	query := "SELECT " + messageViewColumns
	var args []any
	if channel != "" {
		query += "\n\tWHERE (c.name = ? OR c.external_id = ?)"
		args = append(args, channel, channel)
	}
	query += "\n\tORDER BY m.created_at DESC, m.id DESC\n\tLIMIT ?"
	args = append(args, normalizeLimit(limit))

	return s.queryViews(ctx, query, args...)
}

func (s *SQLiteStore) queryViews(ctx context.Context, query string, args ...any) ([]MessageView, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var views []MessageView
	for rows.Next() {
		var (
			v                   MessageView
			channel, content    sql.NullString
			createdAt, editedAt sql.NullString
			replyTo             sql.NullString
		)
		err := rows.Scan(&v.MessageID, &v.Source, &channel, &v.Author, &v.ExternalID,
			&content, &createdAt, &editedAt, &replyTo)
		if err != nil {
			return nil, fmt.Errorf("scanning message view: %w", err)
		}
		v.Channel = channel.String
		v.Content = content.String
		v.ReplyToExternalID = replyTo.String
		if v.CreatedAt, err = parseNullTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if v.EditedAt, err = parseNullTime(editedAt); err != nil {
			return nil, fmt.Errorf("parsing edited_at: %w", err)
		}
		views = append(views, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message views: %w", err)
	}
	return views, nil
}

// Stats returns row counts per table and the per-channel message breakdown.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	counts := []struct {
		table string
		dest  *int64
	}{
		{"sources", &st.Sources},
		{"channels", &st.Channels},
		{"users", &st.Users},
		{"messages", &st.Messages},
		{"message_versions", &st.Versions},
		{"reactions", &st.Reactions},
		{"events", &st.Events},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", c.table, err)
		}
	}

	var last sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(created_at) FROM messages`).Scan(&last); err != nil {
		return nil, fmt.Errorf("querying last message time: %w", err)
	}
	var err error
	if st.LastMessageAt, err = parseNullTime(last); err != nil {
		return nil, fmt.Errorf("parsing last message time: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.name, COALESCE(c.name, c.external_id), COUNT(m.id) AS message_count
		FROM channels c
		JOIN sources s ON s.id = c.source_id
		LEFT JOIN messages m ON m.channel_id = c.id
		GROUP BY c.id
		ORDER BY message_count DESC, s.name, c.name
	`)
	if err != nil {
		return nil, fmt.Errorf("querying channel counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var cc ChannelCount
		if err := rows.Scan(&cc.Source, &cc.Channel, &cc.Messages); err != nil {
			return nil, fmt.Errorf("scanning channel count: %w", err)
		}
		st.PerChannel = append(st.PerChannel, cc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating channel counts: %w", err)
	}
	return st, nil
}

// ListUnrootedReplies returns replies whose thread root has not been resolved,
// in id order starting after afterID.
func (s *SQLiteStore) ListUnrootedReplies(ctx context.Context, afterID int64, limit int) ([]ReplyRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, external_id, reply_to_external_id
		FROM messages
		WHERE reply_to_external_id IS NOT NULL
		  AND thread_root_external_id IS NULL
		  AND id > ?
		ORDER BY id
		LIMIT ?
	`, afterID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying unrooted replies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var refs []ReplyRef
	for rows.Next() {
		var r ReplyRef
		if err := rows.Scan(&r.MessageID, &r.SourceID, &r.ExternalID, &r.ReplyToExternalID); err != nil {
			return nil, fmt.Errorf("scanning reply: %w", err)
		}
		refs = append(refs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating replies: %w", err)
	}
	return refs, nil
}

// SetThreadRoot records the resolved thread root of a message.
func (s *SQLiteStore) SetThreadRoot(ctx context.Context, messageID int64, rootExternalID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET thread_root_external_id = ? WHERE id = ?
	`, rootExternalID, messageID)
	if err != nil {
		return fmt.Errorf("setting thread root: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
