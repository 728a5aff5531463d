// ABOUTME: Tests for the read-only query service against a real SQLite store
// ABOUTME: Covers stopword filtering, AND search, channel and author filters, and output formatting

package query

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/thoth/internal/store"
)

func setupService(t *testing.T) *Service {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	srcID, err := s.UpsertSource(ctx, "work", "slack", "https://app.slack.com/client/T1")
	require.NoError(t, err)
	general, err := s.UpsertChannel(ctx, store.ChannelInput{SourceID: srcID, ExternalID: "C1", Name: "general"})
	require.NoError(t, err)
	ops, err := s.UpsertChannel(ctx, store.ChannelInput{SourceID: srcID, ExternalID: "C2", Name: "ops"})
	require.NoError(t, err)
	ada, err := s.UpsertUser(ctx, store.UserInput{SourceID: srcID, ExternalID: "U1", Handle: "ada", DisplayName: "Ada Lovelace"})
	require.NoError(t, err)
	bob, err := s.UpsertUser(ctx, store.UserInput{SourceID: srcID, ExternalID: "U2", Handle: "bob"})
	require.NoError(t, err)

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	msgs := []struct {
		id      string
		channel int64
		author  int64
		content string
	}{
		{"m1", general, ada, "the kubernetes deploy is failing again"},
		{"m2", ops, bob, "kubernetes upgrade scheduled for friday"},
		{"m3", ops, ada, "deploy finished, kubernetes looks healthy"},
		{"m4", general, bob, "lunch?"},
	}
	for i, m := range msgs {
		author := m.author
		_, err := s.UpsertMessage(ctx, store.MessageRecord{
			SourceID:   srcID,
			ChannelID:  m.channel,
			ExternalID: m.id,
			AuthorID:   &author,
			Content:    m.content,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	return New(s)
}

func TestTerms(t *testing.T) {
	svc := New(nil)

	tests := []struct {
		query string
		want  []string
	}{
		{"Kubernetes deploy", []string{"kubernetes", "deploy"}},
		{"what about the deploy?", []string{"deploy"}},
		{"  #ops,   @ada  ", []string{"#ops", "@ada"}},
		{"the", []string{"the"}},
		{"", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.Equal(t, tt.want, svc.Terms(tt.query))
		})
	}
}

func TestSearch_AndsTerms(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	views, err := svc.Search(ctx, "the kubernetes deploy", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "m3", views[0].ExternalID, "newest first")
	assert.Equal(t, "m1", views[1].ExternalID)
}

func TestSearch_Filters(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	views, err := svc.Search(ctx, "kubernetes", SearchOptions{Channel: "ops"})
	require.NoError(t, err)
	assert.Len(t, views, 2)

	views, err = svc.Search(ctx, "kubernetes", SearchOptions{Author: "Ada Lovelace"})
	require.NoError(t, err)
	require.Len(t, views, 2)
	for _, v := range views {
		assert.Equal(t, "Ada Lovelace", v.Author)
	}

	views, err = svc.Search(ctx, "kubernetes", SearchOptions{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, views, 1)
}

func TestSearch_EmptyQuery(t *testing.T) {
	svc := setupService(t)
	_, err := svc.Search(context.Background(), "  ?! ", SearchOptions{})
	assert.Error(t, err)
}

func TestRecentAndStats(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()

	views, err := svc.Recent(ctx, "general", 0)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "m4", views[0].ExternalID)

	st, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), st.Messages)
	assert.Equal(t, int64(2), st.Channels)

	var buf bytes.Buffer
	require.NoError(t, WriteStats(&buf, st))
	assert.Contains(t, buf.String(), "messages=4")
	assert.Contains(t, buf.String(), "work#general: 2")
}

func TestWriteMessages(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessages(&buf, nil))
	assert.Equal(t, "(no results)\n", buf.String())

	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	buf.Reset()
	require.NoError(t, WriteMessages(&buf, []store.MessageView{{
		Source:    "work",
		Channel:   "ops",
		Author:    "bob",
		Content:   "multi\nline   text",
		CreatedAt: &ts,
	}}))
	assert.Equal(t, "[work#ops] 2025-03-01T12:00:00Z bob: multi line text\n", buf.String())
}
