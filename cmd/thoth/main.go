// ABOUTME: Entry point for the thoth sync engine and its query tools
// ABOUTME: Cobra root command, config loading, and process exit codes

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/thoth/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _   _           _   _
 | |_| |__   ___ | |_| |__
 | __| '_ \ / _ \| __| '_ \
 | |_| | | | (_) | |_| | | |
  \__|_| |_|\___/ \__|_| |_|
`

// exitError carries a process exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "thoth",
	Short: "Archive chat channels from logged-in browser tabs into SQLite",
	Long: `thoth drives browser tabs for Discord, Slack, and Telegram, reads the
messages they render, and keeps a local SQLite archive up to date.

Exit codes for "thoth sync":
  0  finished or interrupted
  1  startup or configuration error
  3  the browser window was closed
  4  the supervising parent process exited`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "path to config file (default $THOTH_CONFIG or ~/.config/thoth/thoth.toml)")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:])
	cancel()
	os.Exit(code)
}

// execute runs the command line and returns the process exit status.
func execute(ctx context.Context, args []string) int {
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}

// loadConfig resolves and loads the config file and installs the default logger.
func loadConfig() (*config.Config, string, io.Closer, error) {
	path, err := config.ResolvePath(configFlag)
	if err != nil {
		return nil, "", nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, nil, fmt.Errorf("loading config: %w", err)
	}

	logger, closer := setupLogger(cfg.Logging, stderr)
	slog.SetDefault(logger)
	return cfg, path, closer, nil
}

func printBanner(w io.Writer) {
	cyan := color.New(color.FgCyan)
	cyan.Fprint(w, banner)

	gray := color.New(color.FgHiBlack)
	gray.Fprintf(w, "    version: %s\n\n", version)
}

func printSetting(w io.Writer, key, value string) {
	green := color.New(color.FgGreen)
	green.Fprint(w, "    ▶ ")
	fmt.Fprintf(w, "%-10s %s\n", key+":", value)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
