// ABOUTME: Tests for the thoth CLI: command wiring, exit codes, and log handlers
// ABOUTME: Commands run in-process against a temporary config and SQLite archive

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/thoth/internal/config"
	"github.com/2389/thoth/internal/store"
)

func TestMain(m *testing.M) {
	stderr = io.Discard
	os.Exit(m.Run())
}

// writeConfig creates a config file pointing at a fresh database.
func writeConfig(t *testing.T) (cfgPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "thoth.db")
	cfgPath = filepath.Join(dir, "thoth.toml")
	content := fmt.Sprintf(`
[thoth]
db_path = %q

[[sources]]
name = "work"
type = "slack"
base_url = "https://app.slack.com/client/T1"
`, dbPath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))
	return cfgPath, dbPath
}

func run(t *testing.T, args ...string) (int, string) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	t.Cleanup(func() { rootCmd.SetOut(nil) })
	code := execute(context.Background(), args)
	return code, out.String()
}

func seed(t *testing.T, dbPath string) {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer st.Close()

	sourceID, err := st.UpsertSource(ctx, "work", "slack", "https://app.slack.com/client/T1")
	require.NoError(t, err)
	channelID, err := st.UpsertChannel(ctx, store.ChannelInput{
		SourceID: sourceID, ExternalID: "C1", Name: "general", URL: "https://app.slack.com/client/T1/C1",
	})
	require.NoError(t, err)

	for i, content := range []string{"the release train leaves friday", "lunch anyone?"} {
		_, err := st.UpsertMessage(ctx, store.MessageRecord{
			SourceID:   sourceID,
			ChannelID:  channelID,
			ExternalID: fmt.Sprintf("m%d", i+1),
			Content:    content,
			CreatedAt:  time.Date(2026, 10, 1, 10, i, 0, 0, time.UTC),
		})
		require.NoError(t, err)
	}
}

func TestExecute_StatsOnEmptyArchive(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	code, out := run(t, "--config", cfgPath, "stats")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "messages=0")
	assert.Contains(t, out, "last_message=never")
}

func TestExecute_SearchAndRecent(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	seed(t, dbPath)

	code, out := run(t, "--config", cfgPath, "search", "release", "train")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "[work#general]")
	assert.Contains(t, out, "the release train leaves friday")
	assert.NotContains(t, out, "lunch")

	code, out = run(t, "--config", cfgPath, "recent", "general", "--limit", "1")
	assert.Equal(t, 0, code)
	assert.Equal(t, 1, strings.Count(out, "\n"))
	assert.Contains(t, out, "lunch anyone?")
}

func TestExecute_Threads(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)
	seed(t, dbPath)

	code, out := run(t, "--config", cfgPath, "threads")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "resolved=0")
}

func TestExecute_MissingConfigFails(t *testing.T) {
	code, _ := run(t, "--config", filepath.Join(t.TempDir(), "nope.toml"), "stats")
	assert.Equal(t, 1, code)
}

func TestExecute_SearchNeedsTerms(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	code, _ := run(t, "--config", cfgPath, "search")
	assert.Equal(t, 1, code)
}

func TestExecute_ExitErrorCode(t *testing.T) {
	var ee error = &exitError{code: 4}
	assert.Equal(t, "exit status 4", ee.Error())
}

func TestColorHandler(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := setupLogger(config.LoggingConfig{Level: "info", Format: "text"}, &buf)
	defer closer.Close()

	logger.With("component", "runner").Info("cycle finished", "inserted", 3)
	logger.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "INF cycle finished")
	assert.Contains(t, out, "component=runner")
	assert.Contains(t, out, "inserted=3")
	assert.NotContains(t, out, "hidden")
}

func TestSetupLogger_JSONToFile(t *testing.T) {
	var console bytes.Buffer
	file := filepath.Join(t.TempDir(), "logs", "sync.log")

	logger, closer := setupLogger(config.LoggingConfig{
		Level:      "debug",
		Format:     "json",
		File:       file,
		MaxSizeMB:  1,
		MaxBackups: 1,
	}, &console)
	logger.Debug("task done", "task", "sync_channel")
	require.NoError(t, closer.Close())

	assert.Contains(t, console.String(), `"msg":"task done"`)

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"task":"sync_channel"`)
}

func TestTeeHandler_EnabledIfAnyIs(t *testing.T) {
	var a, b bytes.Buffer
	h := teeHandler{
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelError}),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelInfo}),
	}
	logger := slog.New(h)

	logger.Info("only b")
	assert.Empty(t, a.String())
	assert.Contains(t, b.String(), "only b")
}

func TestExecute_InitThenStats(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "conf", "thoth.toml")

	code, out := run(t, "--config", cfgPath, "init", "--platform", "slack", "--data", filepath.Join(dir, "data"))
	require.Equal(t, 0, code)
	assert.Contains(t, out, cfgPath)

	code, _ = run(t, "--config", cfgPath, "init", "--platform", "slack")
	assert.Equal(t, 1, code, "existing config is not overwritten")

	code, out = run(t, "--config", cfgPath, "stats")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "messages=0")
}
