// ABOUTME: Read-side commands over the archive: search, recent, stats, threads, and export-pg
// ABOUTME: Each opens the store named by the config and writes plain text to stdout

package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/2389/thoth/internal/pgexport"
	"github.com/2389/thoth/internal/query"
	"github.com/2389/thoth/internal/store"
	"github.com/2389/thoth/internal/threads"
)

var searchCmd = &cobra.Command{
	Use:   "search <terms...>",
	Short: "Full-text search over archived messages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		channel, _ := cmd.Flags().GetString("channel")
		author, _ := cmd.Flags().GetString("author")
		limit, _ := cmd.Flags().GetInt("limit")

		return withStore(cmd, func(st *store.SQLiteStore) error {
			views, err := query.New(st).Search(cmd.Context(), strings.Join(args, " "), query.SearchOptions{
				Channel: channel,
				Author:  author,
				Limit:   limit,
			})
			if err != nil {
				return err
			}
			return query.WriteMessages(cmd.OutOrStdout(), views)
		})
	},
}

var recentCmd = &cobra.Command{
	Use:   "recent [channel]",
	Short: "Show the newest archived messages",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		channel := ""
		if len(args) == 1 {
			channel = args[0]
		}

		return withStore(cmd, func(st *store.SQLiteStore) error {
			views, err := query.New(st).Recent(cmd.Context(), channel, limit)
			if err != nil {
				return err
			}
			return query.WriteMessages(cmd.OutOrStdout(), views)
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show archive totals per source and channel",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(st *store.SQLiteStore) error {
			stats, err := query.New(st).Stats(cmd.Context())
			if err != nil {
				return err
			}
			return query.WriteStats(cmd.OutOrStdout(), stats)
		})
	},
}

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "Resolve thread roots for archived replies",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(st *store.SQLiteStore) error {
			res, err := threads.New(st).Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resolved=%d orphaned=%d pending=%d passes=%d\n",
				res.Resolved, res.Orphaned, res.Pending, res.Passes)
			return nil
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export-pg",
	Short: "Copy the archive into a PostgreSQL database",
	Long: `Create the archive schema in PostgreSQL and copy every table with COPY.

The export runs in one transaction. With --replace existing thoth tables in
the target database are dropped first.

Example usage:
  thoth export-pg --dsn postgres://thoth@localhost/archive
  THOTH_PG_DSN=postgres://... thoth export-pg --replace`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, _ := cmd.Flags().GetString("dsn")
		replace, _ := cmd.Flags().GetBool("replace")
		if dsn == "" {
			return errors.New("--dsn or $THOTH_PG_DSN is required")
		}

		return withStore(cmd, func(st *store.SQLiteStore) error {
			ctx := cmd.Context()
			pool, err := pgexport.Connect(ctx, dsn)
			if err != nil {
				return err
			}
			defer pool.Close()

			res, err := pgexport.ExportPool(ctx, st.DB(), pool, pgexport.Options{Replace: replace})
			if err != nil {
				return err
			}

			names := make([]string, 0, len(res.Rows))
			for name := range res.Rows {
				names = append(names, name)
			}
			sort.Strings(names)

			out := cmd.OutOrStdout()
			for _, name := range names {
				fmt.Fprintf(out, "%-16s %d\n", name, res.Rows[name])
			}
			fmt.Fprintf(out, "%-16s %d\n", "total", res.Total())
			return nil
		})
	},
}

func init() {
	searchCmd.Flags().String("channel", "", "restrict to a channel name or external id")
	searchCmd.Flags().String("author", "", "restrict to an author handle or display name")
	searchCmd.Flags().IntP("limit", "n", query.DefaultLimit, "maximum results")

	recentCmd.Flags().IntP("limit", "n", query.DefaultLimit, "maximum results")

	exportCmd.Flags().String("dsn", envOr("THOTH_PG_DSN", ""), "PostgreSQL connection string")
	exportCmd.Flags().Bool("replace", false, "drop existing thoth tables before copying")

	rootCmd.AddCommand(searchCmd, recentCmd, statsCmd, threadsCmd, exportCmd)
}

// withStore loads the config, opens the store, and runs fn.
func withStore(cmd *cobra.Command, fn func(st *store.SQLiteStore) error) error {
	cfg, _, logCloser, err := loadConfig()
	if err != nil {
		return err
	}
	defer logCloser.Close()

	st, err := store.NewSQLiteStore(cfg.Thoth.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	return fn(st)
}
