package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/kilupskalvis/factflow/internal/audit"
	"github.com/kilupskalvis/factflow/internal/server"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long:  `Bring the database schema up to date and print the resulting version.`,
	Run:   runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	version, dirty, err := c.Store.SchemaVersion()
	if err != nil {
		exitError("failed to read schema version: %v", err)
	}
	if dirty {
		color.New(color.FgRed).Fprintf(cmd.OutOrStdout(), "Schema version %d is dirty\n", version)
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Schema at version %d (%s)\n", version, c.Store.Driver())
}

var purgeOlderThan time.Duration

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete old process log entries",
	Long:  `Remove process log entries older than the retention horizon.`,
	Run:   runPurge,
}

func init() {
	purgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 0, "Age threshold (default retention.horizon)")
}

func runPurge(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	horizon := purgeOlderThan
	if horizon <= 0 {
		horizon = c.Config.Retention.Horizon
	}
	res, err := audit.New(c.Store, c.Logger).Purge(context.Background(), horizon)
	if err != nil {
		exitError("%v", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d entries older than %s\n", res.Deleted, res.Cutoff.UTC().Format(time.RFC3339))
}

var (
	tokenUser string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API token for a user",
	Long:  `Sign a bearer token for --user with the configured server.jwt_secret.`,
	Run:   runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User ID to issue the token for")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime (0 for no expiry)")
	tokenCmd.MarkFlagRequired("user")
}

func runToken(cmd *cobra.Command, args []string) {
	cfg, _ := loadConfig()
	tok, err := server.IssueToken([]byte(cfg.Server.JWTSecret), tokenUser, tokenTTL)
	if err != nil {
		exitError("%v", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
}
