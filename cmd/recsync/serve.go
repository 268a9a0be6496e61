package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/recsync/internal/remote"
	"github.com/TheMichaelB/recsync/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a remote record server",
	Long: `Serve exposes a record store over HTTP for other devices to sync with,
and announces changes over a websocket at /v1/notify. Records are kept in
server.db_path, or in DynamoDB with --dynamodb.`,
	Example: `  recsync serve
  recsync serve --listen :9000
  recsync serve --dynamodb`,
	RunE: runServe,
}

var (
	serveListen   string
	serveDynamoDB bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "",
		"Listen address (default: server.listen)")
	serveCmd.Flags().BoolVar(&serveDynamoDB, "dynamodb", false,
		"Store records in the remote.dynamo_table DynamoDB table")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	var backing store.RemoteStore
	if serveDynamoDB {
		if cfg.Remote.DynamoTable == "" {
			return fmt.Errorf("--dynamodb requires remote.dynamo_table")
		}
		ddb, err := remote.NewDynamoDBStore(ctx, cfg.Remote.DynamoTable, cfg.Remote.Region, logger)
		if err != nil {
			return err
		}
		backing = ddb
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.Server.DBPath), 0700); err != nil {
			return fmt.Errorf("create server dir: %w", err)
		}
		db, err := store.NewSQLiteStore(cfg.Server.DBPath, logger)
		if err != nil {
			return err
		}
		backing = db
	}
	defer backing.Close()

	addr := serveListen
	if addr == "" {
		addr = cfg.Server.Listen
	}
	if len(cfg.Server.Tokens) == 0 {
		printWarning("server.tokens is empty: the server accepts unauthenticated requests")
	}

	if !jsonOutput {
		printInfo("Serving %s records on %s", backing.Name(), addr)
	}
	return remote.NewServer(backing, cfg.Server.Tokens, logger).ListenAndServe(ctx, addr)
}
