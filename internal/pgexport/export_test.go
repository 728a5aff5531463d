// ABOUTME: Tests for the PostgreSQL export that need no running server
// ABOUTME: Covers the DDL, value conversion, and row streaming from a real SQLite store

package pgexport

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/thoth/internal/store"
)

func TestSchema_ForeignKeyOrder(t *testing.T) {
	ddl := Schema()

	order := []string{"sources", "channels", "users", "messages", "message_versions", "reactions", "events", "sync_state"}
	last := -1
	for _, name := range order {
		idx := strings.Index(ddl, "CREATE TABLE IF NOT EXISTS "+name+" (")
		require.GreaterOrEqual(t, idx, 0, "missing table %s", name)
		assert.Greater(t, idx, last, "table %s out of order", name)
		last = idx
	}

	assert.Contains(t, ddl, "payload_json JSONB")
	assert.Contains(t, ddl, "CHECK (mode IN ('recent', 'backfill'))")
	assert.Contains(t, ddl, "UNIQUE (source_id, external_id)")
}

func TestDropStatements_ReverseOrder(t *testing.T) {
	stmts := dropStatements()
	require.Len(t, stmts, len(tables))
	assert.Equal(t, "DROP TABLE IF EXISTS sync_state CASCADE", stmts[0])
	assert.Equal(t, "DROP TABLE IF EXISTS sources CASCADE", stmts[len(stmts)-1])
}

func TestConvert(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		name    string
		kind    kind
		in      any
		want    any
		wantErr bool
	}{
		{"null", kindText, nil, nil, false},
		{"int", kindInt, int64(7), int64(7), false},
		{"int from string", kindInt, "7", nil, true},
		{"text bytes", kindText, []byte("hi"), "hi", false},
		{"time text", kindTime, "2025-03-01T12:30:00.000Z", ts, false},
		{"time rfc3339", kindTime, "2025-03-01T12:30:00Z", ts, false},
		{"time value", kindTime, ts, ts, false},
		{"empty time", kindTime, "", nil, false},
		{"bad time", kindTime, "yesterday", nil, true},
		{"json", kindJSON, `{"a":1}`, `{"a":1}`, false},
		{"empty json", kindJSON, "", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := convert(tt.kind, tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if want, ok := tt.want.(time.Time); ok {
				gotTime, ok := got.(time.Time)
				require.True(t, ok, "got %T", got)
				assert.True(t, want.Equal(gotTime))
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRowSource_StreamsConvertedRows(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	srcID, err := s.UpsertSource(ctx, "main", "discord", "https://discord.com/channels/1")
	require.NoError(t, err)
	chID, err := s.UpsertChannel(ctx, store.ChannelInput{
		SourceID:   srcID,
		ExternalID: "1/2",
		Name:       "general",
		Metadata:   map[string]any{"guild_id": "1"},
	})
	require.NoError(t, err)

	var channels table
	for _, tb := range tables {
		if tb.name == "channels" {
			channels = tb
		}
	}

	rows, err := s.DB().QueryContext(ctx,
		"SELECT "+strings.Join(channels.columnNames(), ", ")+" FROM channels ORDER BY rowid")
	require.NoError(t, err)
	defer rows.Close()

	src := newRowSource(rows, channels)
	require.True(t, src.Next())
	values, err := src.Values()
	require.NoError(t, err)
	require.Len(t, values, len(channels.columns))

	assert.Equal(t, chID, values[0])
	assert.Equal(t, srcID, values[1])
	assert.Equal(t, "1/2", values[2])
	assert.Nil(t, values[4], "missing url stays NULL")
	assert.JSONEq(t, `{"guild_id":"1"}`, values[5].(string))
	_, isTime := values[6].(time.Time)
	assert.True(t, isTime)

	assert.False(t, src.Next())
	assert.NoError(t, src.Err())
}

func TestResult_Total(t *testing.T) {
	r := Result{Rows: map[string]int64{"sources": 1, "messages": 41}}
	assert.Equal(t, int64(42), r.Total())
}
