// ABOUTME: Tests for thread root reconstruction against a real SQLite store
// ABOUTME: Covers direct replies, multi-hop chains, orphans, and reply cycles

package threads

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/thoth/internal/store"
)

type fixture struct {
	store     *store.SQLiteStore
	sourceID  int64
	channelID int64
}

func setupFixture(t *testing.T) fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	srcID, err := s.UpsertSource(ctx, "main", "slack", "https://app.slack.com/client/T1")
	require.NoError(t, err)
	chID, err := s.UpsertChannel(ctx, store.ChannelInput{SourceID: srcID, ExternalID: "C1", Name: "general"})
	require.NoError(t, err)
	return fixture{store: s, sourceID: srcID, channelID: chID}
}

func (f fixture) put(t *testing.T, id, replyTo string) {
	t.Helper()
	_, err := f.store.UpsertMessage(context.Background(), store.MessageRecord{
		SourceID:          f.sourceID,
		ChannelID:         f.channelID,
		ExternalID:        id,
		Content:           "message " + id,
		ReplyToExternalID: replyTo,
	})
	require.NoError(t, err)
}

func (f fixture) root(t *testing.T, id string) string {
	t.Helper()
	msg, err := f.store.GetMessage(context.Background(), f.sourceID, id)
	require.NoError(t, err)
	return msg.ThreadRootExternalID
}

func TestRun_ResolvesChains(t *testing.T) {
	f := setupFixture(t)

	// Inserted child-first so the chain needs more than one pass.
	f.put(t, "c", "b")
	f.put(t, "b", "a")
	f.put(t, "a", "")
	f.put(t, "d", "a")

	res, err := New(f.store).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Resolved)
	assert.Zero(t, res.Orphaned)
	assert.Zero(t, res.Pending)
	assert.GreaterOrEqual(t, res.Passes, 2)

	assert.Equal(t, "a", f.root(t, "b"))
	assert.Equal(t, "a", f.root(t, "c"))
	assert.Equal(t, "a", f.root(t, "d"))
	assert.Empty(t, f.root(t, "a"), "roots are not replies")
}

func TestRun_OrphansAndCycles(t *testing.T) {
	f := setupFixture(t)

	f.put(t, "lost", "never-seen")
	f.put(t, "x", "y")
	f.put(t, "y", "x")

	res, err := New(f.store).Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, res.Resolved)
	assert.Equal(t, 1, res.Orphaned)
	assert.Equal(t, 2, res.Pending)
	assert.Equal(t, 1, res.Passes, "a pass without progress ends the run")
}

func TestRun_Idempotent(t *testing.T) {
	f := setupFixture(t)
	f.put(t, "a", "")
	f.put(t, "b", "a")

	r := New(f.store)
	first, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Resolved)

	second, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.Resolved)
}
