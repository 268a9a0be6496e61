package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/recsync/internal/models"
	syncsvc "github.com/TheMichaelB/recsync/internal/services/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize local records with the remote store",
	Long: `Sync pulls remote changes, resolves conflicts and pushes pending local
changes. With --watch it keeps running, syncing on an interval and whenever
the remote announces a change.`,
	Example: `  recsync sync
  recsync sync --timeout 2m
  recsync sync --watch`,
	RunE: runSync,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status and recent conflicts",
	RunE:  runStatus,
}

var (
	syncTimeout time.Duration
	syncWatch   bool
	statusLimit int
)

func init() {
	rootCmd.AddCommand(syncCmd, statusCmd)

	syncCmd.Flags().DurationVarP(&syncTimeout, "timeout", "t", 0,
		"How long to wait for the cycle (default: sync.force_timeout)")
	syncCmd.Flags().BoolVarP(&syncWatch, "watch", "w", false,
		"Keep syncing until interrupted")

	statusCmd.Flags().IntVarP(&statusLimit, "conflicts", "n", 5,
		"Number of recent conflicts to show")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	c, err := openClient(ctx, syncWatch)
	if err != nil {
		return err
	}
	if c.Remote == nil {
		return fmt.Errorf("%w: no remote configured, set remote.backend", models.ErrInvalidConfig)
	}
	if !c.Authenticated() {
		return fmt.Errorf("%w: run 'recsync login' first", models.ErrNotAuthenticated)
	}

	if syncWatch {
		return watchSync(ctx, c.Coordinator.SyncEvents())
	}

	timeout := syncTimeout
	if timeout == 0 {
		timeout = cfg.Sync.ForceTimeout
	}

	report, err := c.Coordinator.ForceSync(ctx, timeout)
	if jsonOutput {
		out := map[string]interface{}{
			"success": err == nil,
			"report":  report,
		}
		if err != nil {
			out["error"] = err.Error()
		}
		printJSON(out)
		return err
	}

	if err != nil {
		printSyncReport(report)
		return err
	}
	printSuccess("✅ Sync complete")
	printSyncReport(report)
	return nil
}

func watchSync(ctx context.Context, events <-chan syncsvc.Event) error {
	if !jsonOutput {
		printInfo("Watching for changes, press Ctrl+C to stop")
	}
	c := apiClient.Coordinator
	c.Foreground()

	for {
		select {
		case <-ctx.Done():
			if !jsonOutput {
				printWarning("\nStopping...")
			}
			return nil

		case event, ok := <-events:
			if !ok {
				return nil
			}
			if jsonOutput {
				printJSON(eventJSON(event))
				continue
			}
			switch event.Type {
			case syncsvc.EventCompleted:
				printSuccess("%s sync %s", time.Now().Format(time.TimeOnly), event.CycleID)
				printSyncReport(event.Report)
			case syncsvc.EventFailed:
				printWarning("%s sync %s failed: %v", time.Now().Format(time.TimeOnly), event.CycleID, event.Error)
			case syncsvc.EventResolved:
				logger.WithField("record", event.Key.String()).Info("Conflict resolved")
			}
		}
	}
}

func eventJSON(event syncsvc.Event) map[string]interface{} {
	out := map[string]interface{}{
		"type":      event.Type,
		"timestamp": event.Timestamp,
		"cycle_id":  event.CycleID,
	}
	if event.Key.ID != "" {
		out["key"] = event.Key.String()
	}
	if event.Error != nil {
		out["error"] = event.Error.Error()
	}
	if event.Report != nil {
		out["report"] = event.Report
	}
	return out
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := openClient(ctx, false)
	if err != nil {
		return err
	}

	st, err := c.Coordinator.Status(ctx)
	if err != nil {
		return err
	}
	conflicts, err := c.Coordinator.Conflicts(ctx, statusLimit)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"status":    st,
			"conflicts": conflicts,
		})
		return nil
	}

	fmt.Printf("Remote:          %s (%s)\n", yesNo(st.RemoteEnabled), cfg.Remote.Backend)
	fmt.Printf("Authenticated:   %s\n", yesNo(st.Authenticated))
	fmt.Printf("Pending changes: %d\n", st.PendingCount)
	fmt.Printf("Schema version:  %d\n", st.SchemaVersion)
	if st.Watermark.IsZero() {
		fmt.Printf("Last pull:       %s\n", dimColor.Sprint("never"))
	} else {
		fmt.Printf("Last pull:       %s\n", st.Watermark.Local().Format(time.DateTime))
	}
	if st.LastSyncError != "" {
		warnColor.Printf("Last sync error: %s\n", st.LastSyncError)
	}

	if len(conflicts) > 0 {
		fmt.Printf("\nRecent conflicts:\n")
		for _, a := range conflicts {
			fmt.Printf("  %s/%s  %s wins (local v%d, remote v%d) %s\n",
				a.Type, a.RecordID, a.Winner, a.LocalVersion, a.RemoteVersion,
				dimColor.Sprint(a.ResolvedAt.Local().Format(time.DateTime)))
		}
	}
	return nil
}
