// ABOUTME: Message, message version, and reaction persistence with edit capture
// ABOUTME: UpsertMessage snapshots prior content and records message.edited in one transaction

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// UpsertMessage inserts a new message or captures an edit of an existing one.
// Re-observing a message with unchanged content writes nothing except a
// changed metadata value.
func (s *SQLiteStore) UpsertMessage(ctx context.Context, rec MessageRecord) (UpsertResult, error) {
	if rec.ExternalID == "" {
		return UpsertResult{}, fmt.Errorf("upserting message: external_id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id         int64
		content    sql.NullString
		contentRaw sql.NullString
		storedMeta sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, content, content_raw, metadata_json
		FROM messages
		WHERE source_id = ? AND external_id = ?
	`, rec.SourceID, rec.ExternalID).Scan(&id, &content, &contentRaw, &storedMeta)

	if errors.Is(err, sql.ErrNoRows) {
		id, err = s.insertMessage(ctx, tx, rec)
		if err != nil {
			return UpsertResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return UpsertResult{}, fmt.Errorf("committing message insert: %w", err)
		}
		return UpsertResult{MessageID: id, IsNew: true}, nil
	}
	if err != nil {
		return UpsertResult{}, fmt.Errorf("querying message: %w", err)
	}

	result := UpsertResult{MessageID: id}

	// Empty fields carry no information about the message and never count as an edit.
	changed := (rec.Content != "" && rec.Content != content.String) ||
		(rec.ContentRaw != "" && rec.ContentRaw != contentRaw.String)
	if !changed {
		return result, s.refreshMetadata(ctx, tx, id, rec.Metadata, storedMeta)
	}

	if rec.Fallback {
		return UpsertResult{}, &ConflictError{
			Op:  "upsert message",
			Key: rec.ExternalID,
			Err: errors.New("fallback identity matches a message with different content"),
		}
	}

	now := s.now()
	editedAt := now
	if rec.EditedAt != nil && !rec.EditedAt.IsZero() {
		editedAt = *rec.EditedAt
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO message_versions (message_id, content, content_raw, captured_at)
		VALUES (?, ?, ?, ?)
	`, id, content, contentRaw, formatTime(now))
	if err != nil {
		return UpsertResult{}, fmt.Errorf("inserting message version: %w", err)
	}

	metadata, err := marshalJSON(rec.Metadata)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("marshaling message metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE messages SET
			content = COALESCE(?, content),
			content_raw = COALESCE(?, content_raw),
			edited_at = ?,
			reply_to_external_id = COALESCE(?, reply_to_external_id),
			metadata_json = COALESCE(?, metadata_json)
		WHERE id = ?
	`, nullString(rec.Content), nullString(rec.ContentRaw), formatTime(editedAt),
		nullString(rec.ReplyToExternalID), metadata, id)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("updating message: %w", err)
	}

	payload := map[string]any{
		"external_id": rec.ExternalID,
		"edited_at":   formatTime(editedAt),
	}
	for k, v := range rec.EventTags {
		payload[k] = v
	}
	err = s.insertEvent(ctx, tx, &Event{
		Type:      EventMessageEdited,
		SourceID:  &rec.SourceID,
		ChannelID: &rec.ChannelID,
		MessageID: &id,
		Payload:   payload,
	})
	if err != nil {
		return UpsertResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("committing message edit: %w", err)
	}

	s.logger.Debug("captured message edit",
		"source_id", rec.SourceID,
		"external_id", rec.ExternalID,
		"message_id", id,
	)

	result.Edited = true
	return result, nil
}

// refreshMetadata replaces the stored metadata of an unchanged message when
// the new observation carries a different value. It commits tx.
func (s *SQLiteStore) refreshMetadata(ctx context.Context, tx *sql.Tx, id int64, meta map[string]any, stored sql.NullString) error {
	encoded, err := marshalJSON(meta)
	if err != nil {
		return fmt.Errorf("marshaling message metadata: %w", err)
	}
	if encoded == nil || (stored.Valid && stored.String == encoded.(string)) {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE messages SET metadata_json = ? WHERE id = ?`, encoded, id); err != nil {
		return fmt.Errorf("updating message metadata: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message metadata: %w", err)
	}
	return nil
}

func (s *SQLiteStore) insertMessage(ctx context.Context, tx *sql.Tx, rec MessageRecord) (int64, error) {
	metadata, err := marshalJSON(rec.Metadata)
	if err != nil {
		return 0, fmt.Errorf("marshaling message metadata: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (
			source_id, channel_id, external_id, author_id, content, content_raw,
			created_at, edited_at, reply_to_external_id, thread_root_external_id, metadata_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.SourceID,
		rec.ChannelID,
		rec.ExternalID,
		rec.AuthorID,
		nullString(rec.Content),
		nullString(rec.ContentRaw),
		nullTime(rec.CreatedAt),
		nullTimePtr(rec.EditedAt),
		nullString(rec.ReplyToExternalID),
		nullString(rec.ThreadRootExternalID),
		metadata,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return 0, &ConflictError{Op: "insert message", Key: rec.ExternalID, Err: err}
		}
		return 0, fmt.Errorf("inserting message: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading message id: %w", err)
	}
	return id, nil
}

// GetMessage retrieves a message by its natural identity.
func (s *SQLiteStore) GetMessage(ctx context.Context, sourceID int64, externalID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_id, channel_id, external_id, author_id, content, content_raw,
		       created_at, edited_at, reply_to_external_id, thread_root_external_id, metadata_json
		FROM messages
		WHERE source_id = ? AND external_id = ?
	`, sourceID, externalID)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

func scanMessage(row interface{ Scan(dest ...any) error }) (*Message, error) {
	var (
		msg                          Message
		authorID                     sql.NullInt64
		content, contentRaw          sql.NullString
		createdAt, editedAt          sql.NullString
		replyTo, threadRoot, rawMeta sql.NullString
	)
	err := row.Scan(
		&msg.ID,
		&msg.SourceID,
		&msg.ChannelID,
		&msg.ExternalID,
		&authorID,
		&content,
		&contentRaw,
		&createdAt,
		&editedAt,
		&replyTo,
		&threadRoot,
		&rawMeta,
	)
	if err != nil {
		return nil, err
	}

	if authorID.Valid {
		msg.AuthorID = &authorID.Int64
	}
	msg.Content = content.String
	msg.ContentRaw = contentRaw.String
	msg.ReplyToExternalID = replyTo.String
	msg.ThreadRootExternalID = threadRoot.String
	if msg.CreatedAt, err = parseNullTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if msg.EditedAt, err = parseNullTime(editedAt); err != nil {
		return nil, fmt.Errorf("parsing edited_at: %w", err)
	}
	if msg.Metadata, err = unmarshalJSON(rawMeta); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return &msg, nil
}

// ListMessageVersions returns the prior-content snapshots of a message, oldest first.
func (s *SQLiteStore) ListMessageVersions(ctx context.Context, messageID int64) ([]*MessageVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, content, content_raw, captured_at
		FROM message_versions
		WHERE message_id = ?
		ORDER BY id
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("querying message versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var versions []*MessageVersion
	for rows.Next() {
		var v MessageVersion
		var content, contentRaw sql.NullString
		var capturedAt string
		if err := rows.Scan(&v.ID, &v.MessageID, &content, &contentRaw, &capturedAt); err != nil {
			return nil, fmt.Errorf("scanning message version: %w", err)
		}
		v.Content = content.String
		v.ContentRaw = contentRaw.String
		if v.CapturedAt, err = ParseTime(capturedAt); err != nil {
			return nil, fmt.Errorf("parsing captured_at: %w", err)
		}
		versions = append(versions, &v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message versions: %w", err)
	}
	return versions, nil
}

// UpsertReaction overwrites the count for (message, emoji). Unchanged counts write nothing.
func (s *SQLiteStore) UpsertReaction(ctx context.Context, messageID int64, emoji string, count int) error {
	if emoji == "" {
		return fmt.Errorf("upserting reaction: emoji is required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reactions (message_id, emoji, count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(message_id, emoji) DO UPDATE SET
			count = excluded.count,
			updated_at = excluded.updated_at
		WHERE reactions.count != excluded.count
	`, messageID, emoji, count, formatTime(s.now()))
	if err != nil {
		if isConstraintViolation(err) {
			return &ConflictError{Op: "upsert reaction", Key: emoji, Err: err}
		}
		return fmt.Errorf("upserting reaction: %w", err)
	}
	return nil
}

// ListReactions returns the reactions on a message ordered by emoji.
func (s *SQLiteStore) ListReactions(ctx context.Context, messageID int64) ([]*Reaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, emoji, count, updated_at
		FROM reactions
		WHERE message_id = ?
		ORDER BY emoji
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("querying reactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reactions []*Reaction
	for rows.Next() {
		var r Reaction
		var updatedAt string
		if err := rows.Scan(&r.ID, &r.MessageID, &r.Emoji, &r.Count, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning reaction: %w", err)
		}
		if r.UpdatedAt, err = ParseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		reactions = append(reactions, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating reactions: %w", err)
	}
	return reactions, nil
}
