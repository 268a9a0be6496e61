package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/recsync/internal/client"
	"github.com/TheMichaelB/recsync/internal/clock"
	"github.com/TheMichaelB/recsync/internal/compact"
	"github.com/TheMichaelB/recsync/internal/config"
	"github.com/TheMichaelB/recsync/internal/crypto"
)

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write an example config file",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInit,
}

var saltCmd = &cobra.Command{
	Use:   "salt",
	Short: "Generate a salt for remote.salt",
	Long: `Salt prints a random salt for payload encryption. Every device sharing a
remote must use the same salt and passphrase.`,
	Args: cobra.NoArgs,
	RunE: runSalt,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Upgrade local records to the current schema",
	RunE:  runMigrate,
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Remove expired tombstones from the local store",
	Long: `Compact permanently removes deleted records once they are older than the
retention period and have been pushed to the remote.`,
	Example: `  recsync compact --dry-run
  recsync compact --retention 168h --max-deletes 500`,
	RunE: runCompact,
}

var switchBackendCmd = &cobra.Command{
	Use:   "switch-backend <sqlite|json>",
	Short: "Copy the local store into another backend",
	Long: `Switch-backend copies every local record, unpushed change and the pull
position into the named backend. The current store is left in place; set
storage.backend afterwards to start using the copy.`,
	Example: `  recsync switch-backend json`,
	Args:    cobra.ExactArgs(1),
	RunE:    runSwitchBackend,
}

var (
	compactDryRun     bool
	compactRetention  time.Duration
	compactMaxDeletes int
)

func init() {
	rootCmd.AddCommand(initCmd, saltCmd, migrateCmd, compactCmd, switchBackendCmd)

	compactCmd.Flags().BoolVar(&compactDryRun, "dry-run", false,
		"Report what would be removed without removing it")
	compactCmd.Flags().DurationVar(&compactRetention, "retention", 0,
		"Tombstone retention (default: compaction.tombstone_retention)")
	compactCmd.Flags().IntVar(&compactMaxDeletes, "max-deletes", 0,
		"Stop after this many removals (0 = unlimited)")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := "recsync.json"
	if len(args) > 0 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	if err := config.SaveExample(path); err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"success": true, "path": path})
	} else {
		printSuccess("Wrote %s", path)
	}
	return nil
}

func runSalt(cmd *cobra.Command, args []string) error {
	salt, err := crypto.NewSalt()
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"salt": salt})
	} else {
		fmt.Println(salt)
	}
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := openClient(ctx, false)
	if err != nil {
		return err
	}

	st, err := c.Coordinator.Status(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(st.Migration)
		return nil
	}

	report := st.Migration
	if report == nil || report.Migrated == 0 {
		printSuccess("All records at schema version %d", st.SchemaVersion)
		return nil
	}
	printSuccess("Migrated %s to schema version %d", plural(report.Migrated, "record", "records"), report.Target)
	fmt.Printf("   Scanned: %d, skipped: %d\n", report.Scanned, report.Skipped)
	for _, f := range report.Failures {
		printWarning("   %v", f)
	}
	return nil
}

func runCompact(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	c, err := openClient(ctx, false)
	if err != nil {
		return err
	}

	retention := compactRetention
	if retention == 0 {
		retention = cfg.Compaction.TombstoneRetention
	}

	compactor := compact.New(c.Local, c.Journal, c.Locker, clock.System{}, logger)
	report, err := compactor.Run(ctx, compact.Options{
		Retention:  retention,
		DryRun:     compactDryRun,
		MaxDeletes: compactMaxDeletes,
	})
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(report)
		return nil
	}

	verb := "Removed"
	if report.DryRun {
		verb = "Would remove"
	}
	printSuccess("%s %s", verb, plural(len(report.Removed), "tombstone", "tombstones"))
	fmt.Printf("   Scanned %d records, %d tombstones, cutoff %s\n",
		report.Scanned, report.Tombstones, report.Cutoff.Local().Format(time.DateTime))
	if verbose {
		for _, key := range report.Removed {
			fmt.Printf("   %s\n", dimColor.Sprint(key.String()))
		}
	}
	if report.Truncated {
		printWarning("Stopped at --max-deletes; run again to continue")
	}
	return nil
}

func runSwitchBackend(cmd *cobra.Command, args []string) error {
	res, err := client.SwitchBackend(cmd.Context(), cfg, args[0], logger)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(res)
		return nil
	}

	printSuccess("Copied %s from %s to %s", plural(res.Records, "record", "records"), res.From, res.To)
	if res.Pending > 0 {
		fmt.Printf("   %s still waiting to be pushed\n", plural(res.Pending, "change", "changes"))
	}
	printInfo("Set storage.backend to %q to use the new store", res.To)
	return nil
}
