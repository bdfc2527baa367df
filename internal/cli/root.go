// Package cli provides the command-line interface for coda.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/raphaelgruber/coda/internal/config"
	"github.com/raphaelgruber/coda/internal/db"
	"github.com/raphaelgruber/coda/internal/service"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose bool

	// Global config, logger and wiring
	cfg       config.Config
	logger    *slog.Logger
	logsClose func() error
	dbClient  *db.Client
	svc       *service.Service
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "coda",
	Short: "Cascade deletion and consistency repair for the school database",
	Long: `Coda keeps the school administration database consistent. Documents
reference each other without store-level integrity, so removing a student,
teacher or orchestra must cascade through every collection that mentions it.

Coda scans deletion impact, runs cascades with pre-deletion snapshots,
rolls bad deletions back, sweeps orphaned references and validates
cross-collection invariants.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip DB connection for version and help commands
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		if verbose {
			cfg.LogLevel = slog.LevelDebug
		}
		logger, logsClose = config.SetupLogger(cfg.LogFile, cfg.LogLevel)

		ctx := context.Background()
		dbCfg := db.Config{
			URL:       cfg.SurrealDBURL,
			Namespace: cfg.SurrealDBNamespace,
			Database:  cfg.SurrealDBDatabase,
			Username:  cfg.SurrealDBUser,
			Password:  cfg.SurrealDBPass,
			AuthLevel: cfg.SurrealDBAuthLevel,
		}

		dbClient, err = db.NewClient(ctx, dbCfg, logger)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}

		if err := dbClient.InitSchema(ctx); err != nil {
			return fmt.Errorf("initialize schema: %w", err)
		}

		svc = service.New(dbClient, cfg, logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if dbClient != nil {
			if err := dbClient.Close(context.Background()); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
			}
		}
		if logsClose != nil {
			_ = logsClose()
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(impactCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(integrityCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveEventsCmd)
}
