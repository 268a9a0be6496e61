package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/recsync/internal/client"
	"github.com/TheMichaelB/recsync/internal/config"
	"github.com/TheMichaelB/recsync/internal/events"
)

var (
	cfgFile    string
	jsonOutput bool
	verbose    bool

	cfg       *config.Config
	logger    *events.Logger
	apiClient *client.Client
)

var rootCmd = &cobra.Command{
	Use:   "recsync",
	Short: "Offline-first record store with optional remote sync",
	Long: `recsync keeps lists, list items, tasks and habits in a local store and
synchronizes them with a remote store when you are signed in.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "init" {
			return nil
		}

		var err error
		cfg, err = config.NewLoader(cfgFile).Load()
		if err != nil {
			return err
		}
		if verbose {
			cfg.Log.Level = "debug"
		}
		if err := cfg.EnsureDirectories(); err != nil {
			return err
		}

		logger, err = events.NewLogger(&cfg.Log)
		if err != nil {
			return fmt.Errorf("create logger: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if apiClient != nil {
			err = apiClient.Close()
			apiClient = nil
		}
		if logger != nil {
			_ = logger.Close()
		}
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"Config file (default: ./recsync.json or ~/.config/recsync/)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output JSON instead of human-readable text")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")
}

// openClient builds the client and initializes the coordinator. watch keeps
// it reacting to auth changes and remote notifications.
func openClient(ctx context.Context, watch bool) (*client.Client, error) {
	c, err := client.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	apiClient = c

	if err := c.Start(ctx, watch); err != nil {
		return nil, err
	}
	return c, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if jsonOutput {
			printJSON(map[string]interface{}{
				"success": false,
				"error":   err.Error(),
			})
		} else {
			printError("%v", err)
		}
		os.Exit(1)
	}
}
