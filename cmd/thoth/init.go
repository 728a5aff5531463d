// ABOUTME: The init command: writes a starter config file
// ABOUTME: Refuses to overwrite an existing file unless --force is given

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/2389/thoth/internal/assets"
	"github.com/2389/thoth/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Long: `Write a starter config with one auto-discovering source per platform.

Example usage:
  thoth init                                   # discord, slack, and telegram
  thoth init --platform slack --data ./data    # one Slack source
  thoth --config ./thoth.toml init --force`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		platforms, _ := cmd.Flags().GetStringSlice("platform")
		dataDir, _ := cmd.Flags().GetString("data")
		force, _ := cmd.Flags().GetBool("force")

		path, err := config.ResolvePath(configFlag)
		if errors.Is(err, config.ErrNoConfig) {
			path, err = config.DefaultPath()
		}
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("checking %s: %w", path, err)
		}

		starter, err := assets.NewStarter(dataDir, platforms...)
		if err != nil {
			return err
		}
		data, err := assets.RenderConfig(starter)
		if err != nil {
			return err
		}

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		out := cmd.OutOrStdout()
		printSetting(out, "Config", path)
		printSetting(out, "Database", starter.DBPath)
		fmt.Fprintln(out, "\nLog in to each platform in the browser on the first \"thoth sync\".")
		return nil
	},
}

func init() {
	initCmd.Flags().StringSlice("platform", []string{"discord", "slack", "telegram"}, "platforms to add a source for")
	initCmd.Flags().String("data", "data", "directory for the database and browser profiles")
	initCmd.Flags().Bool("force", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}
