package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ambient/internal/ambient"
	"ambient/internal/ledger"
)

var (
	historyLimit    int
	selftestIssue   bool
	selftestTimeout time.Duration
)

// triggerCmd sends a one-shot manual analysis request
var triggerCmd = &cobra.Command{
	Use:   "trigger [type] [content...]",
	Short: "Send a manual analysis request through the fallback chain",
	Long: `Delivers a manual analysis request to the assistant immediately,
without starting the poller. Falls back to resume and then to a
notification file exactly like queued events.

Example:
  ambient trigger review "Look at the retry logic in client.go"`,
	Args: cobra.MinimumNArgs(2),
	RunE: runTrigger,
}

// historyCmd lists recent exchanges from the ledger
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recently delivered prompts",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

// selftestCmd verifies the event path end to end
var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Push a test event through a live agent",
	Long: `Starts the agent, emits a system test event and waits for its handler.
With --issue it also opens an [AMBIENT-TEST] issue, force-checks it, waits
for the issue event and closes the issue again.`,
	Args: cobra.NoArgs,
	RunE: runSelftest,
}

func runTrigger(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.GetStreamTimeout()+time.Minute)
	defer cancel()

	a, err := ambient.New(cfg, ambient.WithCallbacks(streamPrinter(cmd.OutOrStdout())))
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.Trigger(ctx, args[0], joinArgs(args[1:]))
	if err != nil {
		return err
	}
	if out.Path != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "\nDelivered via %s: %s\n", out.Channel, out.Path)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "\nDelivered via %s in %v\n", out.Channel, out.Duration.Round(time.Millisecond))
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if !cfg.Ledger.Enabled {
		fmt.Fprintln(out, "Ledger disabled (ledger.enabled: false)")
		return nil
	}

	store, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	entries, err := store.Recent(ctx, historyLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No exchanges recorded yet")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tKIND\tSOURCE\tCHANNEL\tOK\tDURATION\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\t%v\t%s\n",
			e.StartedAt.Local().Format("2006-01-02 15:04:05"), e.Kind, e.Source, e.Channel, e.OK,
			e.Duration.Round(time.Millisecond), truncate(e.Error, 60))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	counts, err := store.CountByChannel(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nTotals: stream=%d resume=%d file=%d none=%d\n",
		counts["stream"], counts["resume"], counts["file"], counts["none"])
	return nil
}

func runSelftest(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), selftestTimeout)
	defer cancel()
	out := cmd.OutOrStdout()

	resolveRepository(ctx, cfg)
	a, err := ambient.New(cfg)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		a.Stop()
		return err
	}
	defer a.Stop()

	if err := a.RunSelfTest(ctx); err != nil {
		return fmt.Errorf("event bus self-test failed: %w", err)
	}
	fmt.Fprintln(out, "event bus self-test passed")

	if selftestIssue {
		if err := a.RunIssueSelfTest(ctx); err != nil {
			return fmt.Errorf("issue self-test failed: %w", err)
		}
		fmt.Fprintln(out, "issue self-test passed")
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
