// Package cli implements the factflow command-line interface.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/kilupskalvis/factflow/internal/config"
	"github.com/kilupskalvis/factflow/internal/store"
	"github.com/spf13/cobra"
)

// configPath is the --config flag shared by every command.
var configPath string

// cmdContext holds common resources for CLI commands
type cmdContext struct {
	Config *config.Config
	Store  *store.Store
	Logger *slog.Logger
}

// Close releases resources held by cmdContext
func (c *cmdContext) Close() {
	if c.Store != nil {
		c.Store.Close()
	}
}

// loadConfig reads the config and builds the logger it describes.
func loadConfig() (*config.Config, *slog.Logger) {
	cfg, err := config.Load(configPath)
	if err != nil {
		exitError("%v", err)
	}
	return cfg, newLogger(os.Stderr, cfg.Log)
}

// initContext loads config and opens the store, applying pending migrations.
func initContext() *cmdContext {
	cfg, logger := loadConfig()

	st, err := store.Open(context.Background(), cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		exitError("failed to open store: %v", err)
	}

	return &cmdContext{Config: cfg, Store: st, Logger: logger}
}

// newLogger builds a slog logger from the log section of the config.
func newLogger(w io.Writer, lc config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(lc.Level)}
	if lc.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var rootCmd = &cobra.Command{
	Use:   "factflow",
	Short: "Claim verification pipeline",
	Long: `factflow verifies claims in three stages: it generates research questions,
discovers sources for them and analyzes the sources into a verdict.
Each stage runs as a job on an external processing service.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default ./"+config.DefaultFile+")")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(questionsCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(configCmd)
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// shortID returns first 8 characters of an ID
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
