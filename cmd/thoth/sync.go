// ABOUTME: The sync command: launches the browser helper and runs sync cycles
// ABOUTME: Wires the store, selectors hot reload, metrics endpoint, and parent supervision

package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/2389/thoth/internal/bridge"
	"github.com/2389/thoth/internal/metrics"
	"github.com/2389/thoth/internal/runner"
	"github.com/2389/thoth/internal/selectors"
	"github.com/2389/thoth/internal/store"
	"github.com/2389/thoth/internal/supervise"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run sync cycles until interrupted",
	Long: `Open one browser tab per enabled source and archive new messages.

By default cycles repeat every thoth.loop_delay. With --once a single cycle
runs and the process exits.

Example usage:
  thoth sync                        # loop until Ctrl+C
  thoth sync --once                 # one cycle
  thoth sync --parent-pid 4242      # stop when process 4242 exits`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().Bool("once", false, "run a single cycle and exit")
	syncCmd.Flags().Int("parent-pid", 0, "exit when this process is gone (also $"+supervise.EnvParentPID+")")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	once, _ := cmd.Flags().GetBool("once")
	pidFlag, _ := cmd.Flags().GetInt("parent-pid")

	out := cmd.OutOrStdout()
	printBanner(out)

	cfg, configPath, logCloser, err := loadConfig()
	if err != nil {
		return err
	}
	defer logCloser.Close()

	pid, err := supervise.ResolvePID(pidFlag, cfg.Supervision.ParentPID)
	if err != nil {
		return err
	}

	printSetting(out, "Config", configPath)
	printSetting(out, "Database", cfg.Thoth.DBPath)
	printSetting(out, "Profile", cfg.Thoth.ProfileDir)
	printSetting(out, "Sources", strconv.Itoa(len(cfg.Sources)))
	if pid > 0 {
		printSetting(out, "Parent", strconv.Itoa(pid))
	}
	if cfg.Metrics.Enabled {
		printSetting(out, "Metrics", cfg.Metrics.Addr+cfg.Metrics.Path)
	}
	fmt.Fprintln(out)

	logger := slog.Default()
	logger.Info("starting thoth",
		"config", configPath,
		"db_path", cfg.Thoth.DBPath,
		"once", once,
		"parent_pid", pid,
	)

	st, err := store.NewSQLiteStore(cfg.Thoth.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	registry := selectors.NewRegistry()
	if cfg.SelectorsPath != "" {
		if err := registry.LoadFile(cfg.SelectorsPath); err != nil {
			return fmt.Errorf("loading selectors: %w", err)
		}
		if err := registry.Watch(ctx, cfg.SelectorsPath); err != nil {
			logger.Warn("selector hot reload disabled", "error", err)
		}
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Addr, cfg.Metrics.Path); err != nil {
				logger.Error("metrics endpoint stopped", "error", err)
			}
		}()
	}

	browser, err := bridge.Launch(ctx, bridge.Options{
		Command:    strings.Fields(cfg.Thoth.BrowserCommand),
		ProfileDir: cfg.Thoth.ProfileDir,
		Headless:   cfg.Thoth.Headless,
	})
	if err != nil {
		return err
	}

	r, err := runner.New(cfg, runner.Deps{
		Store:    st,
		Browser:  browser,
		Registry: registry,
		Parent:   supervise.NewParent(pid),
		Metrics:  m,
	})
	if err != nil {
		_ = browser.Close()
		return err
	}

	var outcome runner.Outcome
	if once {
		outcome = r.RunOnce(ctx)
	} else {
		outcome = r.Run(ctx, cfg.Thoth.LoopDelay)
	}

	if err := r.Shutdown(); err != nil {
		logger.Warn("shutdown", "error", err)
	}

	logger.Info("thoth stopped",
		"status", outcome.Status,
		"cycle_id", outcome.Summary.CycleID,
		"summary", outcome.Summary.String(),
	)

	code := outcome.Status.ExitCode()
	if code != 0 {
		fmt.Fprintf(os.Stderr, "thoth: %s\n", outcome.Status)
		return &exitError{code: code}
	}
	return nil
}
