package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ambient/internal/config"
	"ambient/internal/logging"
	"ambient/internal/monitor"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string

	// Loaded in PersistentPreRunE
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "ambient",
	Short: "ambient - watches CI and feeds failures to your coding assistant",
	Long: `ambient is a background agent that polls a GitHub repository for
workflow runs and pull requests, turns interesting changes into events,
and hands failures to the assistant CLI (cursor-agent) as prompts.

When the assistant cannot be reached the prompt is resumed into the latest
session, and failing that written to a notification file.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if workspace == "" {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to resolve workspace: %w", err)
			}
			workspace = wd
		}

		if err := config.LoadDotEnv(workspace); err != nil {
			return err
		}
		path := configPath
		if path == "" {
			path = filepath.Join(workspace, ".ambient", "config.yaml")
		}
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		if loaded.Workspace == "" {
			loaded.Workspace = workspace
		}
		if verbose {
			loaded.Logging.Level = "debug"
		}
		if err := logging.Initialize(loaded.Logging); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		cfg = loaded
		logging.BootDebug("config loaded from %s (workspace=%s)", path, workspace)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: <workspace>/.ambient/config.yaml)")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of exchanges to show")
	selftestCmd.Flags().BoolVar(&selftestIssue, "issue", false, "Also run the GitHub issue round trip")
	selftestCmd.Flags().DurationVar(&selftestTimeout, "timeout", 2*time.Minute, "Self-test timeout")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(selftestCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveRepository fills in the repository from the workspace's origin
// remote when a token is configured but no repository is.
func resolveRepository(ctx context.Context, c *config.Config) {
	if c.GitHub.Token == "" || c.GitHub.Repository != "" {
		return
	}
	repo, err := monitor.DetectRepository(ctx, c.Workspace)
	if err != nil {
		logging.Get(logging.CategoryBoot).Warn("could not detect repository: %v", err)
		return
	}
	c.GitHub.Repository = repo
	logging.Boot("detected repository %s", repo)
}

func joinArgs(args []string) string {
	return strings.Join(args, " ")
}
