// ABOUTME: Per-channel sync_state rows: read with defaults, patch on commit
// ABOUTME: Only the sync state machine calls UpdateSyncState

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// GetSyncState returns the sync state for a channel, creating the default
// row (mode recent, zero idle cycles) on first access.
func (s *SQLiteStore) GetSyncState(ctx context.Context, channelID int64) (*SyncState, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (channel_id, mode, idle_cycles, updated_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(channel_id) DO NOTHING
	`, channelID, string(ModeRecent), formatTime(s.now()))
	if err != nil {
		if isConstraintViolation(err) {
			return nil, fmt.Errorf("creating sync state for channel %d: %w", channelID, ErrNotFound)
		}
		return nil, fmt.Errorf("creating sync state: %w", err)
	}

	return s.readSyncState(ctx, channelID)
}

func (s *SQLiteStore) readSyncState(ctx context.Context, channelID int64) (*SyncState, error) {
	var (
		st           SyncState
		mode         string
		last, oldest sql.NullString
		cursor       sql.NullString
		updatedAt    string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT channel_id, mode, last_seen_at, oldest_seen_at, cursor, idle_cycles, updated_at
		FROM sync_state
		WHERE channel_id = ?
	`, channelID).Scan(&st.ChannelID, &mode, &last, &oldest, &cursor, &st.IdleCycles, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying sync state: %w", err)
	}

	st.Mode = SyncMode(mode)
	st.Cursor = cursor.String
	if st.LastSeenAt, err = parseNullTime(last); err != nil {
		return nil, fmt.Errorf("parsing last_seen_at: %w", err)
	}
	if st.OldestSeenAt, err = parseNullTime(oldest); err != nil {
		return nil, fmt.Errorf("parsing oldest_seen_at: %w", err)
	}
	if st.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &st, nil
}

// UpdateSyncState applies the non-nil fields of patch and returns the new row.
func (s *SQLiteStore) UpdateSyncState(ctx context.Context, channelID int64, patch SyncStatePatch) (*SyncState, error) {
	if _, err := s.GetSyncState(ctx, channelID); err != nil {
		return nil, err
	}

	sets := []string{"updated_at = ?"}
	args := []any{formatTime(s.now())}

	if patch.Mode != nil {
		if !patch.Mode.Valid() {
			return nil, fmt.Errorf("updating sync state: invalid mode %q", *patch.Mode)
		}
		sets = append(sets, "mode = ?")
		args = append(args, string(*patch.Mode))
	}
	if patch.LastSeenAt != nil {
		sets = append(sets, "last_seen_at = ?")
		args = append(args, formatTime(*patch.LastSeenAt))
	}
	if patch.OldestSeenAt != nil {
		sets = append(sets, "oldest_seen_at = ?")
		args = append(args, formatTime(*patch.OldestSeenAt))
	}
	if patch.Cursor != nil {
		sets = append(sets, "cursor = ?")
		args = append(args, nullString(*patch.Cursor))
	}
	if patch.IdleCycles != nil {
		if *patch.IdleCycles < 0 {
			return nil, fmt.Errorf("updating sync state: negative idle_cycles %d", *patch.IdleCycles)
		}
		sets = append(sets, "idle_cycles = ?")
		args = append(args, *patch.IdleCycles)
	}
	args = append(args, channelID)

	query := "UPDATE sync_state SET " + strings.Join(sets, ", ") + " WHERE channel_id = ?"
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("updating sync state: %w", err)
	}

	return s.readSyncState(ctx, channelID)
}
