// Package cli provides the command-line interface for compendium.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/raphaelgruber/compendium/internal/config"
	"github.com/raphaelgruber/compendium/internal/db"
	"github.com/raphaelgruber/compendium/internal/metrics"
	"github.com/raphaelgruber/compendium/internal/service"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose bool

	// Global config, logger and job store
	cfg       config.Config
	logger    *slog.Logger
	collector *metrics.Collector
	dbClient  *db.Client
	jobs      *service.JobManager

	closeLog = func() error { return nil }
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "compendium",
	Short: "Turn documents into Anki flashcard decks",
	Long: `Compendium turns a document into an Anki flashcard deck by running it
through a fixed sequence of LLM stages: topic extraction, refinement,
tagging, question generation and answer synthesis.

Jobs are stored in SurrealDB and processed by one or more workers.
Use "generate" for a one-shot local run without a database.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip setup for version and help commands
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
		logger, closeLog = config.SetupLogger(cfg.LogFile, cfg.LogLevel)
		slog.SetDefault(logger)
		collector = metrics.NewCollector()

		if !needsDatabase(cmd) {
			return nil
		}

		ctx := cmd.Context()
		dbClient, err = db.NewClientFromConfig(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		if err := dbClient.InitSchema(ctx); err != nil {
			return fmt.Errorf("initialize schema: %w", err)
		}
		jobs = service.NewJobManager(dbClient, cfg.Worker,
			service.WithJobLogger(logger),
			service.WithJobMetrics(collector),
		)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if dbClient != nil {
			if err := dbClient.Close(context.Background()); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
			}
		}
		_ = closeLog()
	},
}

// needsDatabase reports whether cmd works on stored jobs.
func needsDatabase(cmd *cobra.Command) bool {
	return cmd.Annotations["local"] != "true"
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Add subcommands
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(generateCmd)
}
