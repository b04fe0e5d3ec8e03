package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ambient/internal/agent"
	"ambient/internal/ambient"
	"ambient/internal/logging"
)

// runCmd starts the agent in the foreground
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ambient agent until interrupted",
	Long: `Starts the event bus, the GitHub poller, the inbox watcher and the
metrics endpoint (when enabled), then waits for SIGINT or SIGTERM.

Assistant output is streamed to stdout as it arrives.`,
	Args: cobra.NoArgs,
	RunE: runAgent,
}

// checkCmd reports whether the agent can run
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the assistant CLI, GitHub token and repository",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolveRepository(ctx, cfg)

	a, err := ambient.New(cfg, ambient.WithCallbacks(streamPrinter(cmd.OutOrStdout())))
	if err != nil {
		return err
	}

	if err := a.Start(ctx); err != nil {
		a.Stop()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	sig := <-sigCh
	logging.Orchestrator("received %v, shutting down", sig)
	if !a.Stop() {
		return fmt.Errorf("shutdown timed out")
	}
	return nil
}

// streamPrinter writes assistant output to w as it streams.
func streamPrinter(w io.Writer) agent.Callbacks {
	return agent.Callbacks{
		OnUser: func(text string) {
			fmt.Fprintf(w, "\n> %s\n\n", text)
		},
		OnChunk: func(text string) {
			fmt.Fprint(w, text)
		},
		OnResult: func(text string) {
			fmt.Fprintln(w)
		},
	}
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	out := cmd.OutOrStdout()

	resolveRepository(ctx, cfg)
	failed := 0
	report := func(ok bool, label, detail string) {
		mark := "ok  "
		if !ok {
			mark = "FAIL"
			failed++
		}
		fmt.Fprintf(out, "[%s] %-18s %s\n", mark, label, detail)
	}

	client := agent.NewClient(agent.ClientConfig{Binary: cfg.Agent.Binary, Dir: cfg.Workspace})
	path, lookErr := exec.LookPath(client.Binary())
	switch {
	case lookErr != nil:
		report(false, "assistant CLI", fmt.Sprintf("%s not found in PATH", client.Binary()))
	case !client.Available(ctx):
		report(false, "assistant CLI", fmt.Sprintf("%s --help failed", path))
	default:
		report(true, "assistant CLI", path)
	}

	report(cfg.GitHub.Token != "", "GitHub token", maskToken(cfg.GitHub.Token))
	if cfg.GitHub.Repository != "" {
		report(true, "repository", cfg.GitHub.Repository)
	} else {
		report(false, "repository", "not configured and not detected from git remote")
	}
	report(true, "fallback dir", cfg.Agent.FallbackDir)
	if cfg.Ledger.Enabled {
		report(true, "ledger", cfg.Ledger.Path)
	}
	if cfg.Inbox.Enabled {
		report(true, "inbox", cfg.Inbox.Dir)
	}
	if cfg.Metrics.Enabled {
		report(true, "metrics", "http://"+cfg.Metrics.Listen+"/metrics")
	}

	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}

func maskToken(token string) string {
	switch {
	case token == "":
		return "not set (GITHUB_TOKEN)"
	case len(token) <= 8:
		return "set"
	default:
		return token[:4] + "..." + token[len(token)-4:]
	}
}
