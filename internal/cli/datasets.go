package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/trailcache/trailcache/internal/api"
	"github.com/trailcache/trailcache/internal/coordinator"
	"github.com/trailcache/trailcache/internal/models"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh <dataset>",
	Short: "Check a dataset and sync it if stale",
	Long: `Run a staleness check for one dataset and start a sync when it is stale
or empty.

In-process, the command returns once the first batch is persisted; with
--wait it keeps running across quota windows until the dataset is complete.
Interrupting it saves a resume point for the next run.`,
	Args: cobra.ExactArgs(1),
	RunE: runRefresh,
}

var statsCmd = &cobra.Command{
	Use:   "stats [dataset]",
	Short: "Show cache statistics",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStats,
}

var invalidateCmd = &cobra.Command{
	Use:   "invalidate <dataset>",
	Short: "Delete a dataset's cached snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runInvalidate,
}

var refreshFlags struct {
	Wait         bool
	PollInterval time.Duration
}

func init() {
	refreshCmd.Flags().BoolVar(&refreshFlags.Wait, "wait", false, "Wait until the dataset is fully synced")
	refreshCmd.Flags().DurationVar(&refreshFlags.PollInterval, "poll-interval", 2*time.Second, "Status poll interval with --server --wait")

	RootCmd.AddCommand(refreshCmd, statsCmd, invalidateCmd)
}

func remoteClient() *api.Client {
	return api.NewClient(globalFlags.Server, api.WithAPIKey(globalFlags.APIKey, ""))
}

// withLocalApp builds the engine without alerts, runs fn and shuts it down.
func withLocalApp(ctx context.Context, fn func(a *app) error) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, newLogger(cfg), appOptions{})
	if err != nil {
		return err
	}
	runErr := fn(a)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func runRefresh(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()
	out := cmd.OutOrStdout()

	if globalFlags.Server != "" {
		client := remoteClient()
		st, err := client.Refresh(ctx, args[0])
		if err != nil {
			return err
		}
		printStatus(out, *st)
		if !refreshFlags.Wait || !st.Started() {
			return nil
		}
		stats, err := pollUntilComplete(ctx, client, args[0], refreshFlags.PollInterval)
		if err != nil {
			return err
		}
		return printStats(out, []coordinator.Stats{*stats})
	}

	return withLocalApp(ctx, func(a *app) error {
		c, err := a.coordinator(args[0])
		if err != nil {
			return err
		}
		if err := c.Load(ctx); err != nil {
			return err
		}

		st := c.CheckAndRefresh(ctx, models.TriggerManual)
		printStatus(out, st)
		if st.Started() {
			wait := c.WaitIdle
			if refreshFlags.Wait {
				wait = c.Wait
			}
			if err := wait(ctx); err != nil {
				return fmt.Errorf("refresh interrupted: %w", err)
			}
		}
		return printStats(out, []coordinator.Stats{c.Stats()})
	})
}

// pollUntilComplete waits for the remote cycle and any resumes it schedules.
func pollUntilComplete(ctx context.Context, client *api.Client, dataset string, every time.Duration) (*coordinator.Stats, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		stats, err := client.Stats(ctx, dataset)
		if err != nil {
			return nil, err
		}
		if stats.State == coordinator.StateIdle && stats.ResumeAt.IsZero() {
			return stats, nil
		}
	}
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()
	out := cmd.OutOrStdout()

	name := ""
	if len(args) == 1 {
		name = args[0]
	}

	if globalFlags.Server != "" {
		client := remoteClient()
		if name == "" {
			all, err := client.AllStats(ctx)
			if err != nil {
				return err
			}
			return printStats(out, all)
		}
		st, err := client.Stats(ctx, name)
		if err != nil {
			return err
		}
		return printStats(out, []coordinator.Stats{*st})
	}

	return withLocalApp(ctx, func(a *app) error {
		coords, err := a.selected(name)
		if err != nil {
			return err
		}
		stats := make([]coordinator.Stats, 0, len(coords))
		for _, c := range coords {
			if err := c.Load(ctx); err != nil {
				return err
			}
			stats = append(stats, c.Stats())
		}
		return printStats(out, stats)
	})
}

func runInvalidate(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	if globalFlags.Server != "" {
		if err := remoteClient().Invalidate(ctx, args[0]); err != nil {
			return err
		}
	} else {
		err := withLocalApp(ctx, func(a *app) error {
			c, err := a.coordinator(args[0])
			if err != nil {
				return err
			}
			return c.Invalidate(ctx)
		})
		if err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Invalidated %s\n", args[0])
	return nil
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return api.SignalContext(parent)
}

func printStatus(w io.Writer, st coordinator.Status) {
	if globalFlags.JSON {
		_ = writeJSON(w, st)
		return
	}
	fmt.Fprintf(w, "%s: %s (trigger %s, state %s)\n", st.Dataset, st.Outcome, st.Trigger, st.State)
}

func printStats(w io.Writer, stats []coordinator.Stats) error {
	if globalFlags.JSON {
		return writeJSON(w, stats)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DATASET\tSTATE\tITEMS\tCOVERAGE\tLAST SYNC\tLAST OUTCOME\tDEGRADED\tWINDOW\tDAILY")
	for _, st := range stats {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.0f%%\t%s\t%s\t%t\t%d/%d\t%s\n",
			st.Dataset,
			st.State,
			st.Items,
			st.Coverage*100,
			formatTime(st.LastSync),
			orDash(st.LastOutcome),
			st.Degraded,
			st.Window.Used, st.Window.Limit,
			daily(st.Window),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, st := range stats {
		if st.LastError != "" {
			fmt.Fprintf(w, "%s last error: %s\n", st.Dataset, st.LastError)
		}
		if !st.ResumeAt.IsZero() {
			fmt.Fprintf(w, "%s resumes at %s\n", st.Dataset, formatTime(st.ResumeAt))
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func daily(w coordinator.WindowStats) string {
	if w.DailyCap == 0 {
		return fmt.Sprintf("%d", w.DailyUsed)
	}
	return fmt.Sprintf("%d/%d", w.DailyUsed, w.DailyCap)
}
