// ABOUTME: Append-only audit events recorded by the cycle runner and the store
// ABOUTME: Provides RecordEvent and filtered ListEvents

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// RecordEvent appends an event. ID and CreatedAt are filled in on success.
func (s *SQLiteStore) RecordEvent(ctx context.Context, ev *Event) error {
	return s.insertEvent(ctx, s.db, ev)
}

func (s *SQLiteStore) insertEvent(ctx context.Context, ex execer, ev *Event) error {
	if ev.Type == "" {
		return fmt.Errorf("recording event: type is required")
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}

	var payload any
	if ev.Payload != nil {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshaling event payload: %w", err)
		}
		payload = string(data)
	}

	res, err := ex.ExecContext(ctx, `
		INSERT INTO events (event_type, source_id, channel_id, message_id, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.Type, ev.SourceID, ev.ChannelID, ev.MessageID, payload, formatTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	if ev.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("reading event id: %w", err)
	}

	s.logger.Debug("recorded event", "type", ev.Type, "event_id", ev.ID)
	return nil
}

// ListEvents returns events matching the filter, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	var where []string
	var args []any
	if filter.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.Type)
	}
	if filter.SourceID != nil {
		where = append(where, "source_id = ?")
		args = append(args, *filter.SourceID)
	}
	if filter.ChannelID != nil {
		where = append(where, "channel_id = ?")
		args = append(args, *filter.ChannelID)
	}

	query := `
		SELECT id, event_type, source_id, channel_id, message_id, payload_json, created_at
		FROM events`
	if len(where) > 0 {
		query += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	query += "\n\t\tORDER BY id DESC\n\t\tLIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return events, nil
}

func scanEvent(row interface{ Scan(dest ...any) error }) (*Event, error) {
	var (
		ev                  Event
		sourceID, channelID sql.NullInt64
		messageID           sql.NullInt64
		payload             sql.NullString
		createdAt           string
	)
	if err := row.Scan(&ev.ID, &ev.Type, &sourceID, &channelID, &messageID, &payload, &createdAt); err != nil {
		return nil, fmt.Errorf("scanning event row: %w", err)
	}

	if sourceID.Valid {
		ev.SourceID = &sourceID.Int64
	}
	if channelID.Valid {
		ev.ChannelID = &channelID.Int64
	}
	if messageID.Valid {
		ev.MessageID = &messageID.Int64
	}

	var err error
	if ev.Payload, err = unmarshalJSON(payload); err != nil {
		return nil, fmt.Errorf("decoding event payload: %w", err)
	}
	if ev.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &ev, nil
}
