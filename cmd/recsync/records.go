package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/recsync/internal/models"
)

var putCmd = &cobra.Command{
	Use:   "put <type> [id] [payload]",
	Short: "Create or update a record",
	Long: `Put writes a JSON payload to a record, creating it when it does not exist.
Without an id a new one is generated. The payload may come from --file or stdin ("-").`,
	Example: `  recsync put list L1 '{"name":"Groceries"}'
  recsync put task --file task.json
  echo '{"title":"Ship it"}' | recsync put task T9 -`,
	Args: cobra.RangeArgs(1, 3),
	RunE: runPut,
}

var getCmd = &cobra.Command{
	Use:   "get <type> <id>",
	Short: "Show one record",
	Args:  cobra.ExactArgs(2),
	RunE:  runGet,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <type> <id>",
	Short: "Delete a record",
	Long:  `Delete marks a record deleted. The deletion syncs to other devices like any other change.`,
	Args:  cobra.ExactArgs(2),
	RunE:  runDelete,
}

var queryCmd = &cobra.Command{
	Use:   "query <type> [expression]",
	Short: "List records, optionally filtered by an expression",
	Long: `Query lists live records of one type. The optional expression sees id, type,
version, updated_at, schema_version and payload (the decoded JSON document).`,
	Example: `  recsync query task
  recsync query task 'payload.priority > 2'
  recsync query list_item 'payload.list_id == "L1" && !payload.checked'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runQuery,
}

var putFile string

func init() {
	rootCmd.AddCommand(putCmd, getCmd, deleteCmd, queryCmd)

	putCmd.Flags().StringVarP(&putFile, "file", "f", "",
		"Read the payload from a file")
}


func readPayload(arg string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case putFile != "":
		data, err = os.ReadFile(putFile)
	case arg == "-":
		data, err = io.ReadAll(os.Stdin)
	case arg != "":
		data = []byte(arg)
	default:
		data = []byte("{}")
	}
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}

func runPut(cmd *cobra.Command, args []string) error {
	t, err := models.ParseAggregateType(args[0])
	if err != nil {
		return err
	}

	id := uuid.NewString()
	if len(args) > 1 {
		id = args[1]
	}
	var payloadArg string
	if len(args) > 2 {
		payloadArg = args[2]
	}

	payload, err := readPayload(payloadArg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	c, err := openClient(ctx, false)
	if err != nil {
		return err
	}

	rec, err := c.Coordinator.Update(ctx, t, id, payload)
	created := false
	if errors.Is(err, models.ErrNotFound) {
		rec, err = c.Coordinator.Create(ctx, t, id, payload)
		created = true
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(rec)
		return nil
	}
	if created {
		printSuccess("Created %s (v%d)", rec.Key(), rec.Version)
	} else {
		printSuccess("Updated %s (v%d)", rec.Key(), rec.Version)
	}
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	t, err := models.ParseAggregateType(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	c, err := openClient(ctx, false)
	if err != nil {
		return err
	}

	rec, err := c.Coordinator.Get(ctx, t, args[1])
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(rec)
	} else {
		printRecord(rec)
	}
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	t, err := models.ParseAggregateType(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	c, err := openClient(ctx, false)
	if err != nil {
		return err
	}

	rec, err := c.Coordinator.Delete(ctx, t, args[1])
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(rec)
	} else {
		printSuccess("Deleted %s (v%d)", rec.Key(), rec.Version)
	}
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	t, err := models.ParseAggregateType(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	c, err := openClient(ctx, false)
	if err != nil {
		return err
	}

	var recs []*models.Record
	if len(args) > 1 {
		recs, err = c.Coordinator.QueryExpr(ctx, t, args[1])
	} else {
		recs, err = c.Coordinator.Query(ctx, t, nil)
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		if recs == nil {
			recs = []*models.Record{}
		}
		printJSON(recs)
		return nil
	}

	for _, rec := range recs {
		printRecord(rec)
	}
	printInfo("%s", plural(len(recs), "record", "records"))
	return nil
}
