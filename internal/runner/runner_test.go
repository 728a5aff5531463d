// ABOUTME: Tests for sync cycles against a scripted browser and a real SQLite store
// ABOUTME: Covers ingest, edits, login pending, backfill, discovery, ordering, and exits

package runner

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/thoth/internal/config"
	"github.com/2389/thoth/internal/extract"
	"github.com/2389/thoth/internal/extract/extracttest"
	"github.com/2389/thoth/internal/store"
	"github.com/2389/thoth/internal/supervise"
	"github.com/2389/thoth/internal/syncstate"
)

const (
	baseURL    = "https://app.slack.com/client/T1"
	generalURL = "https://app.slack.com/client/T1/C1"
	randomURL  = "https://app.slack.com/client/T1/C2"
)

func testConfig(sources ...config.SourceConfig) *config.Config {
	return &config.Config{
		Thoth: config.ThothConfig{DBPath: "unused"},
		Scrape: config.ScrapeConfig{
			RecentMessageLimit:       200,
			IdleCyclesBeforeBackfill: 5,
			IdleCyclesBeforeRecent:   2,
			BackfillScrollSteps:      2,
			ScrollPixels:             800,
			TaskTimeout:              5 * time.Second,
			DedupeTTL:                time.Minute,
		},
		Supervision: config.SupervisionConfig{PollInterval: 10 * time.Millisecond},
		Sources:     sources,
	}
}

func workSource(channels ...config.ChannelConfig) config.SourceConfig {
	return config.SourceConfig{Name: "work", Type: "slack", BaseURL: baseURL, Channels: channels}
}

func general() config.ChannelConfig {
	return config.ChannelConfig{Name: "general", URL: generalURL}
}

func random() config.ChannelConfig {
	return config.ChannelConfig{Name: "random", URL: randomURL}
}

func msg(id, author, content, ts string) extract.RawRecord {
	return extract.RawRecord{ExternalID: id, AuthorHandle: author, Content: content, Timestamp: ts}
}

func newTestRunner(t *testing.T, cfg *config.Config, deps Deps) (*Runner, *store.SQLiteStore) {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "thoth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	deps.Store = st
	deps.Location = time.UTC
	r, err := New(cfg, deps)
	require.NoError(t, err)
	r.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	t.Cleanup(func() { r.Shutdown() })
	return r, st
}

func channelByName(t *testing.T, st *store.SQLiteStore, name string) *store.Channel {
	t.Helper()
	ctx := context.Background()
	sourceID, err := st.UpsertSource(ctx, "work", "slack", baseURL)
	require.NoError(t, err)
	chans, err := st.ListChannels(ctx, sourceID)
	require.NoError(t, err)
	for _, ch := range chans {
		if ch.Name == name {
			return ch
		}
	}
	t.Fatalf("channel %q not found", name)
	return nil
}

func events(t *testing.T, st *store.SQLiteStore, typ string) []*store.Event {
	t.Helper()
	evs, err := st.ListEvents(context.Background(), store.EventFilter{Type: typ})
	require.NoError(t, err)
	return evs
}

func TestRunCycle_InsertThenEditThenIdle(t *testing.T) {
	ctx := context.Background()
	b := extracttest.NewBrowser()
	tab := b.AddTab("work")
	tab.SetPages(generalURL, []extract.RawRecord{
		msg("m1", "ada", "deploy started", "2026-10-01T10:00:00Z"),
		msg("m2", "bob", "looks good", "2026-10-01T10:05:00Z"),
	})

	r, st := newTestRunner(t, testConfig(workSource(general())), Deps{Browser: b})

	out := r.RunCycle(ctx)
	require.NoError(t, out.Err)
	assert.Equal(t, StatusContinue, out.Status)
	assert.Equal(t, 2, out.Summary.Inserted)
	assert.Equal(t, 1, out.Summary.ChannelsTouched)
	assert.Equal(t, []string{baseURL, generalURL}, tab.Opened)

	tab.SetPages(generalURL, []extract.RawRecord{
		msg("m1", "ada", "deploy started", "2026-10-01T10:00:00Z"),
		msg("m2", "bob", "looks good to me", "2026-10-01T10:05:00Z"),
	})
	out = r.RunCycle(ctx)
	require.NoError(t, out.Err)
	assert.Equal(t, 0, out.Summary.Inserted)
	assert.Equal(t, 1, out.Summary.Edited)
	assert.Equal(t, 1, out.Summary.Duplicates)

	edits := events(t, st, store.EventMessageEdited)
	require.Len(t, edits, 1)
	assert.Equal(t, out.Summary.CycleID, edits[0].Payload["cycle_id"])

	out = r.RunCycle(ctx)
	require.NoError(t, out.Err)
	assert.Equal(t, 2, out.Summary.Duplicates)
	assert.Equal(t, 0, out.Summary.Inserted+out.Summary.Edited)

	ch := channelByName(t, st, "general")
	state, err := st.GetSyncState(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ModeRecent, state.Mode)
	assert.Equal(t, 2, state.IdleCycles)
	require.NotNil(t, state.LastSeenAt)
	assert.True(t, state.LastSeenAt.Equal(time.Date(2026, 10, 1, 10, 5, 0, 0, time.UTC)))

	m2, err := st.GetMessage(ctx, ch.SourceID, "m2")
	require.NoError(t, err)
	assert.Equal(t, "looks good to me", m2.Content)
	versions, err := st.ListMessageVersions(ctx, m2.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestRunCycle_RecentMessageLimitKeepsNewest(t *testing.T) {
	ctx := context.Background()
	b := extracttest.NewBrowser()
	tab := b.AddTab("work")
	tab.SetPages(generalURL, []extract.RawRecord{
		msg("m1", "ada", "one", "2026-10-01T10:00:00Z"),
		msg("m2", "ada", "two", "2026-10-01T10:01:00Z"),
		msg("m3", "ada", "three", "2026-10-01T10:02:00Z"),
	})

	cfg := testConfig(workSource(general()))
	cfg.Scrape.RecentMessageLimit = 2
	r, st := newTestRunner(t, cfg, Deps{Browser: b})

	out := r.RunCycle(ctx)
	require.NoError(t, out.Err)
	assert.Equal(t, 2, out.Summary.Inserted)

	ch := channelByName(t, st, "general")
	_, err := st.GetMessage(ctx, ch.SourceID, "m1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunCycle_ReactionsAndAuthors(t *testing.T) {
	ctx := context.Background()
	b := extracttest.NewBrowser()
	tab := b.AddTab("work")
	rec := msg("m1", "ada", "shipped", "2026-10-01T10:00:00Z")
	rec.AuthorName = "Ada L"
	rec.Reactions = []extract.RawReaction{{Emoji: "🎉", Count: 3}}
	tab.SetPages(generalURL, []extract.RawRecord{rec})

	r, st := newTestRunner(t, testConfig(workSource(general())), Deps{Browser: b})

	out := r.RunCycle(ctx)
	require.NoError(t, out.Err)
	assert.Equal(t, 1, out.Summary.Reactions)

	ch := channelByName(t, st, "general")
	m, err := st.GetMessage(ctx, ch.SourceID, "m1")
	require.NoError(t, err)
	assert.NotNil(t, m.AuthorID)
	reactions, err := st.ListReactions(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, reactions, 1)
	assert.Equal(t, 3, reactions[0].Count)
}

func TestRunCycle_LoginPending(t *testing.T) {
	ctx := context.Background()
	b := extracttest.NewBrowser()
	tab := b.AddTab("work")
	tab.Auth = extract.AuthPending
	tab.SetPages(generalURL, []extract.RawRecord{msg("m1", "ada", "hi", "2026-10-01T10:00:00Z")})

	r, st := newTestRunner(t, testConfig(workSource(general())), Deps{Browser: b})

	for i := 1; i <= 2; i++ {
		out := r.RunCycle(ctx)
		require.NoError(t, out.Err)
		assert.Equal(t, StatusContinue, out.Status)
		assert.Equal(t, []string{"work"}, out.Summary.LoginPending)
		assert.Equal(t, 0, out.Summary.ChannelsTouched)
		assert.Len(t, events(t, st, store.EventLoginPending), i, "one login event per cycle")
	}

	assert.Equal(t, []string{baseURL}, tab.Opened, "base url opened once, no channel navigation")

	sourceID, err := st.UpsertSource(ctx, "work", "slack", baseURL)
	require.NoError(t, err)
	chans, err := st.ListChannels(ctx, sourceID)
	require.NoError(t, err)
	assert.Empty(t, chans, "no channel or sync state rows for a pending source")
}

func TestRunCycle_AuthRequiredSkipsRestOfSource(t *testing.T) {
	ctx := context.Background()
	b := extracttest.NewBrowser()
	tab := b.AddTab("work")
	tab.Fail[generalURL] = extract.ErrAuthRequired
	tab.SetPages(randomURL, []extract.RawRecord{msg("r1", "ada", "hi", "2026-10-01T10:00:00Z")})

	r, st := newTestRunner(t, testConfig(workSource(general(), random())), Deps{Browser: b})

	out := r.RunCycle(ctx)
	require.NoError(t, out.Err)
	assert.Equal(t, []string{"work"}, out.Summary.LoginPending)
	assert.Equal(t, 0, out.Summary.Errors)
	assert.NotContains(t, tab.Opened, randomURL)
	assert.Len(t, events(t, st, store.EventLoginPending), 1)
}

func TestRunCycle_FailureIsolation(t *testing.T) {
	ctx := context.Background()
	b := extracttest.NewBrowser()
	tab := b.AddTab("work")
	tab.Fail[generalURL] = extract.ErrNavigationTimeout
	tab.SetPages(randomURL, []extract.RawRecord{msg("r1", "ada", "hi", "2026-10-01T10:00:00Z")})

	r, st := newTestRunner(t, testConfig(workSource(general(), random())), Deps{Browser: b})

	out := r.RunCycle(ctx)
	require.NoError(t, out.Err)
	assert.Equal(t, StatusContinue, out.Status)
	assert.Equal(t, 1, out.Summary.Errors)
	assert.Equal(t, 1, out.Summary.Inserted)
	assert.Equal(t, 1, out.Summary.ChannelsTouched)

	failed := events(t, st, store.EventTaskFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, true, failed[0].Payload["transient"])
	assert.Equal(t, out.Summary.CycleID, failed[0].Payload["cycle_id"])

	ch := channelByName(t, st, "general")
	state, err := st.GetSyncState(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, state.IdleCycles, "failed channel keeps its state")
}

func TestRunCycle_SelectorMissFailsTask(t *testing.T) {
	b := extracttest.NewBrowser()
	b.AddTab("work") // no pages scripted: Messages reports a selector miss

	r, st := newTestRunner(t, testConfig(workSource(general())), Deps{Browser: b})

	out := r.RunCycle(context.Background())
	require.NoError(t, out.Err)
	assert.Equal(t, 1, out.Summary.Errors)
	assert.Len(t, events(t, st, store.EventTaskFailed), 1)
}

func TestRunCycle_UnreadChannelsFirst(t *testing.T) {
	b := extracttest.NewBrowser()
	tab := b.AddTab("work")
	tab.UnreadURLs = []string{randomURL}
	tab.SetPages(generalURL, []extract.RawRecord{msg("g1", "ada", "hi", "2026-10-01T10:00:00Z")})
	tab.SetPages(randomURL, []extract.RawRecord{msg("r1", "bob", "yo", "2026-10-01T10:00:00Z")})

	r, _ := newTestRunner(t, testConfig(workSource(general(), random())), Deps{Browser: b})

	out := r.RunCycle(context.Background())
	require.NoError(t, out.Err)
	assert.Equal(t, []string{baseURL, randomURL, generalURL}, tab.Opened)
}

func TestRunCycle_DisabledChannelIsIgnored(t *testing.T) {
	b := extracttest.NewBrowser()
	tab := b.AddTab("work")
	tab.SetPages(generalURL, []extract.RawRecord{msg("g1", "ada", "hi", "2026-10-01T10:00:00Z")})

	off := false
	ch := random()
	ch.Enabled = &off
	r, _ := newTestRunner(t, testConfig(workSource(general(), ch)), Deps{Browser: b})

	out := r.RunCycle(context.Background())
	require.NoError(t, out.Err)
	assert.NotContains(t, tab.Opened, randomURL)
}

func TestRunCycle_DiscoversChannels(t *testing.T) {
	ctx := context.Background()
	b := extracttest.NewBrowser()
	tab := b.AddTab("work")
	tab.Channels = []extract.DiscoveredChannel{
		{ExternalID: "C1", Name: "general", URL: generalURL, Metadata: map[string]any{"topic": "launches"}},
	}
	tab.SetPages(generalURL, []extract.RawRecord{msg("g1", "ada", "hi", "2026-10-01T10:00:00Z")})

	r, st := newTestRunner(t, testConfig(workSource()), Deps{Browser: b})

	out := r.RunCycle(ctx)
	require.NoError(t, out.Err)
	assert.Equal(t, 1, tab.Discovers)
	assert.Equal(t, 1, out.Summary.Inserted)

	ch := channelByName(t, st, "general")
	assert.Equal(t, "C1", ch.ExternalID)
	assert.Equal(t, "launches", ch.Metadata["topic"])

	// The stored channel is planned up front; discovery must not queue it twice.
	out = r.RunCycle(ctx)
	require.NoError(t, out.Err)
	assert.Equal(t, 1, out.Summary.ChannelsTouched)

	found := events(t, st, store.EventChannelsFound)
	require.Len(t, found, 2)
	assert.Equal(t, float64(0), found[0].Payload["queued"], "newest first")
	assert.Equal(t, float64(1), found[1].Payload["queued"])
}

func TestRunCycle_BackfillAfterIdleThreshold(t *testing.T) {
	ctx := context.Background()
	b := extracttest.NewBrowser()
	tab := b.AddTab("work")
	tab.SetPages(generalURL,
		[]extract.RawRecord{msg("m3", "ada", "three", "2026-10-01T12:00:00Z")},
		[]extract.RawRecord{msg("m2", "ada", "two", "2026-10-01T11:00:00Z")},
		[]extract.RawRecord{msg("m1", "ada", "one", "2026-10-01T10:00:00Z")},
	)

	cfg := testConfig(workSource(general()))
	cfg.Scrape.IdleCyclesBeforeBackfill = 1
	cfg.Scrape.IdleCyclesBeforeRecent = 1
	cfg.Scrape.BackfillScrollSteps = 2
	r, st := newTestRunner(t, cfg, Deps{Browser: b})

	out := r.RunCycle(ctx)
	require.NoError(t, out.Err)
	assert.Equal(t, 1, out.Summary.Inserted)
	assert.Equal(t, 0, tab.ScrollsOlder)

	out = r.RunCycle(ctx)
	require.NoError(t, out.Err)
	assert.Equal(t, 1, out.Summary.ModeChanges)
	assert.Equal(t, 0, tab.ScrollsOlder, "the mode change applies from the next pass")

	ch := channelByName(t, st, "general")
	row, err := st.GetSyncState(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ModeBackfill, row.Mode)

	out = r.RunCycle(ctx)
	require.NoError(t, out.Err)
	assert.Equal(t, 2, out.Summary.Inserted)
	assert.Equal(t, 2, tab.ScrollsOlder)

	row, err = st.GetSyncState(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ModeBackfill, row.Mode)
	depth, err := syncstate.DecodeCursor(row.Cursor)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
	require.NotNil(t, row.OldestSeenAt)
	assert.True(t, row.OldestSeenAt.Equal(time.Date(2026, 10, 1, 10, 0, 0, 0, time.UTC)))

	// Fast-forward past depth 2, then two more steps that find nothing new.
	out = r.RunCycle(ctx)
	require.NoError(t, out.Err)
	assert.Equal(t, 6, tab.ScrollsOlder)
	assert.Equal(t, 1, out.Summary.ModeChanges)

	row, err = st.GetSyncState(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ModeRecent, row.Mode)

	changes := events(t, st, store.EventModeChanged)
	require.Len(t, changes, 2)
	assert.Equal(t, syncstate.ReasonHistoryExhausted, changes[0].Payload["reason"])
	assert.Equal(t, syncstate.ReasonIdleThreshold, changes[1].Payload["reason"])
}

func TestRunCycle_CancellationLeavesStateUntouched(t *testing.T) {
	b := extracttest.NewBrowser()
	tab := b.AddTab("work")
	tab.SetPages(generalURL, []extract.RawRecord{msg("m1", "ada", "one", "2026-10-01T10:00:00Z")})

	r, st := newTestRunner(t, testConfig(workSource(general())), Deps{Browser: b})

	out := r.RunCycle(context.Background())
	require.NoError(t, out.Err)

	ch := channelByName(t, st, "general")
	before, err := st.GetSyncState(context.Background(), ch.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tab.SetPages(generalURL, []extract.RawRecord{
		msg("m1", "ada", "one", "2026-10-01T10:00:00Z"),
		msg("m2", "ada", "two", "2026-10-01T10:30:00Z"),
	})
	tab.BeforeMessages = func(taskCtx context.Context, url string) error {
		cancel()
		return taskCtx.Err()
	}

	out = r.RunCycle(ctx)
	assert.Equal(t, StatusDone, out.Status)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, 0, out.Status.ExitCode())

	after, err := st.GetSyncState(context.Background(), ch.ID)
	require.NoError(t, err)
	assert.Equal(t, before.IdleCycles, after.IdleCycles)
	assert.Equal(t, before.Cursor, after.Cursor)
	assert.True(t, before.LastSeenAt.Equal(*after.LastSeenAt))

	_, err = st.GetMessage(context.Background(), ch.SourceID, "m2")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Len(t, events(t, st, store.EventCycleInterrupted), 1)
}

func TestRunCycle_BrowserClosedBeforeCycle(t *testing.T) {
	b := extracttest.NewBrowser()
	b.AddTab("work")
	b.CloseWindow()

	r, _ := newTestRunner(t, testConfig(workSource(general())), Deps{Browser: b})

	out := r.RunCycle(context.Background())
	assert.Equal(t, StatusBrowserClosed, out.Status)
	assert.ErrorIs(t, out.Err, extract.ErrBrowserClosed)
	assert.Equal(t, 3, out.Status.ExitCode())
}

func TestRunCycle_BrowserClosedMidDrain(t *testing.T) {
	b := extracttest.NewBrowser()
	tab := b.AddTab("work")
	tab.SetPages(generalURL, []extract.RawRecord{msg("g1", "ada", "hi", "2026-10-01T10:00:00Z")})
	tab.SetPages(randomURL, []extract.RawRecord{msg("r1", "ada", "hi", "2026-10-01T10:00:00Z")})
	tab.BeforeMessages = func(ctx context.Context, url string) error {
		b.CloseWindow()
		return extract.ErrBrowserClosed
	}

	r, _ := newTestRunner(t, testConfig(workSource(general(), random())), Deps{Browser: b})

	out := r.RunCycle(context.Background())
	assert.Equal(t, StatusBrowserClosed, out.Status)
	assert.NotContains(t, tab.Opened, randomURL, "no task runs after a fatal error")
}

func TestRunCycle_TabErrorFatal(t *testing.T) {
	b := extracttest.NewBrowser()
	b.FailTab("work", extract.ErrBrowserClosed)

	r, _ := newTestRunner(t, testConfig(workSource(general())), Deps{Browser: b})

	out := r.RunCycle(context.Background())
	assert.Equal(t, StatusBrowserClosed, out.Status)
}

func TestRunCycle_TabErrorSkipsSource(t *testing.T) {
	b := extracttest.NewBrowser()
	b.FailTab("work", errors.New("profile locked"))

	r, _ := newTestRunner(t, testConfig(workSource(general())), Deps{Browser: b})

	out := r.RunCycle(context.Background())
	assert.Equal(t, StatusContinue, out.Status)
	assert.Equal(t, 1, out.Summary.Errors)
}

// deadPID returns the pid of a process that has already exited.
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	require.NoError(t, cmd.Run())
	return cmd.Process.Pid
}

func TestRunCycle_SupervisorLost(t *testing.T) {
	b := extracttest.NewBrowser()
	b.AddTab("work")

	r, _ := newTestRunner(t, testConfig(workSource(general())), Deps{
		Browser: b,
		Parent:  supervise.NewParent(deadPID(t)),
	})

	out := r.RunCycle(context.Background())
	assert.Equal(t, StatusSupervisorLost, out.Status)
	assert.Equal(t, 4, out.Status.ExitCode())
}

func TestRun_StopsWhenWindowCloses(t *testing.T) {
	b := extracttest.NewBrowser()
	tab := b.AddTab("work")
	tab.SetPages(generalURL, []extract.RawRecord{msg("g1", "ada", "hi", "2026-10-01T10:00:00Z")})

	r, _ := newTestRunner(t, testConfig(workSource(general())), Deps{Browser: b})

	done := make(chan Outcome, 1)
	go func() { done <- r.Run(context.Background(), time.Hour) }()

	time.Sleep(50 * time.Millisecond)
	b.CloseWindow()

	select {
	case out := <-done:
		assert.Equal(t, StatusBrowserClosed, out.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the window closed")
	}
}

func TestRunOnce_ReportsDone(t *testing.T) {
	b := extracttest.NewBrowser()
	tab := b.AddTab("work")
	tab.SetPages(generalURL, []extract.RawRecord{msg("g1", "ada", "hi", "2026-10-01T10:00:00Z")})

	r, _ := newTestRunner(t, testConfig(workSource(general())), Deps{Browser: b})

	out := r.RunOnce(context.Background())
	assert.Equal(t, StatusDone, out.Status)
	assert.NoError(t, out.Err)
	assert.Equal(t, 1, out.Summary.Inserted)
}

func TestRunCycle_ReconstructsThreads(t *testing.T) {
	ctx := context.Background()
	b := extracttest.NewBrowser()
	tab := b.AddTab("work")
	reply := msg("m2", "bob", "agreed", "2026-10-01T10:05:00Z")
	reply.ReplyTo = "m1"
	tab.SetPages(generalURL, []extract.RawRecord{
		msg("m1", "ada", "ship it?", "2026-10-01T10:00:00Z"),
		reply,
	})

	cfg := testConfig(workSource(general()))
	cfg.Scrape.ReconstructThreads = true
	r, st := newTestRunner(t, cfg, Deps{Browser: b})

	out := r.RunCycle(ctx)
	require.NoError(t, out.Err)
	assert.Equal(t, 1, out.Summary.ThreadsResolved)

	ch := channelByName(t, st, "general")
	m2, err := st.GetMessage(ctx, ch.SourceID, "m2")
	require.NoError(t, err)
	assert.Equal(t, "m1", m2.ThreadRootExternalID)
}

func TestNew_RejectsUnknownSelectorKeys(t *testing.T) {
	src := workSource(general())
	src.Selectors = map[string]string{"not_a_selector": "div"}

	_, err := New(testConfig(src), Deps{Store: &store.SQLiteStore{}, Browser: extracttest.NewBrowser()})
	assert.Error(t, err)
}

func countMessages(t *testing.T, st *store.SQLiteStore) int {
	t.Helper()
	var n int
	require.NoError(t, st.DB().QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n))
	return n
}

func TestRunCycle_FallbackIdentityIsStableAcrossCycles(t *testing.T) {
	ctx := context.Background()
	b := extracttest.NewBrowser()
	tab := b.AddTab("work")
	tab.SetPages(generalURL, []extract.RawRecord{
		msg("", "ada", "+1", "2026-10-01T10:00:00Z"),
		msg("", "ada", "+1", "2026-10-01T10:00:00Z"),
		msg("", "bob", "shipping now", "2026-10-01T10:01:00Z"),
	})

	cfg := testConfig(workSource(general()))
	cfg.Scrape.DedupeTTL = 0
	r, st := newTestRunner(t, cfg, Deps{Browser: b})

	out := r.RunCycle(ctx)
	require.NoError(t, out.Err)
	assert.Equal(t, 3, out.Summary.Inserted)
	assert.Equal(t, 3, countMessages(t, st))

	out = r.RunCycle(ctx)
	require.NoError(t, out.Err)
	assert.Equal(t, 0, out.Summary.Duplicates)
	assert.Equal(t, 0, out.Summary.Inserted)
	assert.Equal(t, 3, out.Summary.Unchanged)
	assert.Equal(t, 3, countMessages(t, st))
	assert.Empty(t, events(t, st, store.EventStoreConflict))
}

func TestRunCycle_StoresMessageMetadata(t *testing.T) {
	ctx := context.Background()
	b := extracttest.NewBrowser()
	tab := b.AddTab("work")
	reply := msg("", "bob", "friday works", "2026-10-01T10:05:00Z")
	reply.ReplyTo = "m0"
	reply.Metadata = map[string]any{"reply_context": "ship on friday?"}
	tab.SetPages(generalURL, []extract.RawRecord{reply})

	cfg := testConfig(workSource(general()))
	cfg.Scrape.DedupeTTL = 0
	r, st := newTestRunner(t, cfg, Deps{Browser: b})

	out := r.RunCycle(ctx)
	require.NoError(t, out.Err)
	require.Equal(t, 1, out.Summary.Inserted)

	var externalID string
	require.NoError(t, st.DB().QueryRow(`SELECT external_id FROM messages`).Scan(&externalID))
	ch := channelByName(t, st, "general")
	m, err := st.GetMessage(ctx, ch.SourceID, externalID)
	require.NoError(t, err)
	assert.Equal(t, "m0", m.ReplyToExternalID)
	assert.Equal(t, "ship on friday?", m.Metadata["reply_context"])
	assert.Equal(t, "2026-10-01T10:05:00Z", m.Metadata["raw_timestamp"])
	assert.Equal(t, true, m.Metadata["fallback_id"])

	// A later observation refreshes metadata without counting as an edit.
	reply.Metadata = map[string]any{"reply_context": "ship on friday? (edited)"}
	tab.SetPages(generalURL, []extract.RawRecord{reply})
	out = r.RunCycle(ctx)
	require.NoError(t, out.Err)
	assert.Equal(t, 0, out.Summary.Edited)

	m, err = st.GetMessage(ctx, ch.SourceID, externalID)
	require.NoError(t, err)
	assert.Equal(t, "ship on friday? (edited)", m.Metadata["reply_context"])
	assert.Equal(t, 1, countMessages(t, st))
}

func TestRunCycle_WarnsWhenNothingExtracted(t *testing.T) {
	b := extracttest.NewBrowser()
	b.AddTab("work")

	r, _ := newTestRunner(t, testConfig(workSource(general())), Deps{Browser: b})
	var logs bytes.Buffer
	r.logger = slog.New(slog.NewTextHandler(&logs, nil))

	out := r.RunCycle(context.Background())
	require.NoError(t, out.Err)
	assert.Equal(t, 1, out.Summary.ChannelsTouched)
	assert.Contains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), "no messages extracted")
	assert.Contains(t, logs.String(), "channel=general")
}

// loadCountingStore counts sync state reads per channel.
type loadCountingStore struct {
	*store.SQLiteStore
	loads map[int64]int
}

func (s *loadCountingStore) GetSyncState(ctx context.Context, channelID int64) (*store.SyncState, error) {
	s.loads[channelID]++
	return s.SQLiteStore.GetSyncState(ctx, channelID)
}

func TestRunCycle_DiscoveryReadsPlannedStateOnce(t *testing.T) {
	ctx := context.Background()
	b := extracttest.NewBrowser()
	tab := b.AddTab("work")
	tab.Channels = []extract.DiscoveredChannel{
		{ExternalID: generalURL, Name: "general", URL: generalURL},
		{ExternalID: "C2", Name: "random", URL: randomURL},
	}

	sqlite, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "thoth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	st := &loadCountingStore{SQLiteStore: sqlite, loads: make(map[int64]int)}

	on := true
	src := workSource(general())
	src.AutoDiscover = &on
	r, err := New(testConfig(src), Deps{Store: st, Browser: b, Location: time.UTC})
	require.NoError(t, err)
	r.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	t.Cleanup(func() { r.Shutdown() })

	out := r.RunCycle(ctx)
	require.NoError(t, out.Err)
	assert.Equal(t, 2, out.Summary.ChannelsTouched)

	gen := channelByName(t, sqlite, "general")
	rnd := channelByName(t, sqlite, "random")
	assert.Equal(t, 1, st.loads[gen.ID])
	assert.Equal(t, 1, st.loads[rnd.ID])
}
