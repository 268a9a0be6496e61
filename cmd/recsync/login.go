package main

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/TheMichaelB/recsync/internal/client"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to the remote store",
	Long: `Login verifies an access token with the remote server and stores it for
future sync operations. Records written while signed out are queued for the
next sync.`,
	Example: `  recsync login
  recsync login --token s3cret --ttl 720h`,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored token",
	RunE:  runLogout,
}

var (
	loginToken string
	loginTTL   time.Duration
)

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd)

	loginCmd.Flags().StringVarP(&loginToken, "token", "t", "",
		"Access token (will prompt if not provided)")
	loginCmd.Flags().DurationVar(&loginTTL, "ttl", 0,
		"Forget the token after this long (default: never)")
}

func runLogin(cmd *cobra.Command, args []string) error {
	if cfg.Remote.Backend != "http" {
		return fmt.Errorf("login requires remote.backend \"http\", have %q", cfg.Remote.Backend)
	}

	ctx := cmd.Context()
	c, err := client.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	apiClient = c

	if loginToken == "" {
		loginToken, err = promptPassword("Token: ")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
	}

	info, err := c.Auth.Login(ctx, loginToken, loginTTL)
	if err != nil {
		if !jsonOutput {
			printError("Login failed: %v", err)
		}
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success":    true,
			"subject":    info.Subject,
			"remote":     info.Remote,
			"expires_at": info.ExpiresAt,
		})
		return nil
	}

	printSuccess("Successfully logged in as %s", info.Subject)
	if !info.ExpiresAt.IsZero() {
		printInfo("Token expires %s", info.ExpiresAt.Local().Format(time.DateTime))
	}
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	c, err := client.New(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	apiClient = c

	if err := c.Auth.Logout(cmd.Context()); err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"success": true})
	} else {
		printSuccess("Logged out")
	}
	return nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	secret, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)

	if err != nil {
		return "", err
	}
	return string(secret), nil
}
