package main

import (
	"compress/gzip"
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/recsync/internal/client"
	"github.com/TheMichaelB/recsync/internal/remote"
	"github.com/TheMichaelB/recsync/internal/store"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Snapshot the local store to S3 or a file",
	Example: `  recsync backup
  recsync backup --file records.jsonl.gz`,
	Args: cobra.NoArgs,
	RunE: runBackup,
}

var restoreCmd = &cobra.Command{
	Use:   "restore [snapshot-key]",
	Short: "Load a snapshot into the local store",
	Long: `Restore overwrites local records with those in a snapshot. Without a key
the newest snapshot under archive.prefix is used.`,
	Example: `  recsync restore
  recsync restore snapshots/snapshot-20260101T000000.000000000Z-1a2b3c4d.jsonl.gz
  recsync restore --file records.jsonl.gz`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRestore,
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List S3 snapshots",
	Args:  cobra.NoArgs,
	RunE:  runSnapshots,
}

var archiveFile string

func init() {
	rootCmd.AddCommand(backupCmd, restoreCmd, snapshotsCmd)

	for _, cmd := range []*cobra.Command{backupCmd, restoreCmd} {
		cmd.Flags().StringVarP(&archiveFile, "file", "f", "",
			"Use a local gzipped JSONL file instead of S3")
	}
}

func openArchive(ctx context.Context) (*remote.S3Archive, error) {
	if cfg.Archive.Bucket == "" {
		return nil, fmt.Errorf("archive.bucket is not set (use --file for a local snapshot)")
	}
	return remote.NewS3Archive(ctx, cfg.Archive.Bucket, cfg.Archive.Prefix, cfg.Archive.Region, logger)
}

// withLocal opens the local store without starting a coordinator.
func withLocal(fn func(store.RecordStore) error) error {
	local, _, closeLocal, err := client.OpenLocal(cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocal()
	return fn(local)
}

func runBackup(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	var (
		dest  string
		count int
	)
	err := withLocal(func(local store.RecordStore) error {
		if archiveFile != "" {
			dest = archiveFile
			var err error
			count, err = backupToFile(ctx, local, archiveFile)
			return err
		}

		archive, err := openArchive(ctx)
		if err != nil {
			return err
		}
		dest, count, err = archive.Backup(ctx, local)
		return err
	})
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"success": true, "snapshot": dest, "records": count})
	} else {
		printSuccess("Backed up %s to %s", plural(count, "record", "records"), dest)
	}
	return nil
}

func backupToFile(ctx context.Context, src store.RecordStore, path string) (int, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, fmt.Errorf("create snapshot: %w", err)
	}
	defer f.Close()

	zw := gzip.NewWriter(f)
	count, err := remote.Export(ctx, src, zw)
	if err != nil {
		return count, err
	}
	if err := zw.Close(); err != nil {
		return count, fmt.Errorf("compress snapshot: %w", err)
	}
	return count, f.Close()
}

func runRestore(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	var (
		source string
		count  int
	)
	err := withLocal(func(local store.RecordStore) error {
		if archiveFile != "" {
			source = archiveFile
			var err error
			count, err = restoreFromFile(ctx, local, archiveFile)
			return err
		}

		archive, err := openArchive(ctx)
		if err != nil {
			return err
		}
		if len(args) > 0 {
			source = args[0]
		} else if source, err = archive.Latest(ctx); err != nil {
			return err
		}
		count, err = archive.Restore(ctx, source, local)
		return err
	})
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"success": true, "snapshot": source, "records": count})
	} else {
		printSuccess("Restored %s from %s", plural(count, "record", "records"), source)
	}
	return nil
}

func restoreFromFile(ctx context.Context, dst store.RecordStore, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("decompress snapshot: %w", err)
	}
	defer zr.Close()

	return remote.Import(ctx, zr, dst)
}

func runSnapshots(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	archive, err := openArchive(ctx)
	if err != nil {
		return err
	}

	keys, err := archive.List(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		if keys == nil {
			keys = []string{}
		}
		printJSON(keys)
		return nil
	}
	for _, k := range keys {
		fmt.Println(k)
	}
	printInfo("%s", plural(len(keys), "snapshot", "snapshots"))
	return nil
}
