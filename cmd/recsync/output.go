package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"

	"github.com/TheMichaelB/recsync/internal/models"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warnColor    = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	dimColor     = color.New(color.Faint)
)

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func printSuccess(format string, args ...interface{}) {
	successColor.Fprintf(os.Stdout, format+"\n", args...)
}

func printError(format string, args ...interface{}) {
	errorColor.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

func printWarning(format string, args ...interface{}) {
	warnColor.Fprintf(os.Stderr, format+"\n", args...)
}

func printInfo(format string, args ...interface{}) {
	infoColor.Fprintf(os.Stdout, format+"\n", args...)
}

// printRecord writes one record in human form.
func printRecord(rec *models.Record) {
	state := "synced"
	if rec.Pending() {
		state = "pending"
	}
	if rec.Deleted {
		state += ", deleted"
	}

	fmt.Printf("%s %s\n", infoColor.Sprint(rec.Key().String()),
		dimColor.Sprintf("v%d (%s) schema %d, updated %s",
			rec.Version, state, rec.SchemaVersion, rec.UpdatedAt.Local().Format(time.DateTime)))
	if len(rec.Payload) > 0 {
		fmt.Printf("  %s\n", prettyPayload(rec.Payload))
	}
}

func prettyPayload(payload []byte) string {
	var v interface{}
	if err := json.Unmarshal(payload, &v); err != nil {
		return string(payload)
	}
	data, err := json.MarshalIndent(v, "  ", "  ")
	if err != nil {
		return string(payload)
	}
	return string(data)
}

func printSyncReport(report *models.SyncReport) {
	if report == nil {
		return
	}
	fmt.Printf("\n📊 Sync Summary:\n")
	fmt.Printf("   Pulled:    %d (applied %d)\n", report.Pulled, report.Applied)
	fmt.Printf("   Pushed:    %d\n", report.Pushed)
	fmt.Printf("   Conflicts: %d (resolved %d)\n", report.Conflicts, report.Resolved)
	if !report.FinishedAt.IsZero() {
		fmt.Printf("   Duration:  %s\n", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	}
	if len(report.Failures) > 0 {
		fmt.Printf("   Failures:  %d\n", len(report.Failures))
		for _, f := range report.Failures {
			warnColor.Printf("     %s [%s]: %s\n", f.Key, f.Phase, f.Reason)
		}
	}
}

func yesNo(b bool) string {
	if b {
		return successColor.Sprint("yes")
	}
	return dimColor.Sprint("no")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, one)
	}
	return fmt.Sprintf("%d %s", n, many)
}
