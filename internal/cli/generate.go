package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/raphaelgruber/compendium/internal/checkpoint"
	"github.com/raphaelgruber/compendium/internal/db"
	"github.com/raphaelgruber/compendium/internal/dispatch"
	"github.com/raphaelgruber/compendium/internal/models"
	"github.com/raphaelgruber/compendium/internal/service"
	"github.com/raphaelgruber/compendium/internal/storage"
	"github.com/spf13/cobra"
)

var (
	generateFlags  generationFlags
	generateOutput string
)

var generateCmd = &cobra.Command{
	Use:   "generate <file>",
	Short: "Generate a deck locally without a database or worker",
	Long: `Run the whole pipeline in this process and write the deck to a file.
Jobs live in memory only; automatic retries still apply.

Examples:
  compendium generate notes.md
  compendium generate textbook.pdf --pages 12-30 --chapter "Cell Division" -o cells.apkg`,
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{"local": "true"},
	RunE:        runGenerate,
}

func init() {
	generateFlags.register(generateCmd)
	generateCmd.Flags().StringVarP(&generateOutput, "output", "o", "", "deck file to write (default: deck name in the current directory)")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	path := args[0]

	pageRange, err := parsePageRange(generateFlags.pages)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}

	store := storage.NewMemoryStore()
	manager := service.NewJobManager(db.NewMemoryRepository(), cfg.Worker,
		service.WithJobLogger(logger),
		service.WithJobMetrics(collector),
	)
	pipeline, err := newPipeline(ctx, cfg, pipelineParts{
		jobs:        manager,
		store:       store,
		checkpoints: checkpoint.NewMemoryStore(),
		metrics:     collector,
		logger:      logger,
		worker:      "local",
	})
	if err != nil {
		return err
	}

	job, err := submitDocument(ctx, manager, store, noopPublisher{}, cfg.Storage.SourcePrefix, service.CreateRequest{
		OwnerID:   "local",
		PageRange: pageRange,
		Options:   generateFlags.options(),
	}, filepath.Base(path), data)
	if err != nil {
		return err
	}

	done, err := runToEnd(ctx, manager, pipeline, job.ID, cfg.Worker.JobTimeout, logger)
	if err != nil {
		return err
	}
	if err := jobError(done); err != nil {
		printJob(os.Stderr, done)
		return err
	}

	deck, err := store.Get(ctx, done.ResultKey)
	if err != nil {
		return fmt.Errorf("read deck: %w", err)
	}
	out := generateOutput
	if out == "" {
		out = filepath.Base(done.ResultKey)
	}
	if err := os.WriteFile(out, deck, 0o644); err != nil {
		return fmt.Errorf("write deck: %w", err)
	}

	fmt.Print(summary(defaultTheme, done))
	fmt.Printf("  Written:   %s\n", out)
	return nil
}

// runToEnd runs a job until it is terminal, waiting out automatic retry
// delays in between.
func runToEnd(ctx context.Context, source jobSource, runner dispatch.JobRunner, id string, timeout time.Duration, log *slog.Logger) (*models.Job, error) {
	for {
		jctx, cancel := context.WithTimeout(ctx, timeout)
		_, err := runner.Run(jctx, id)
		cancel()
		if err != nil {
			return nil, err
		}

		job, err := source.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Terminal() {
			return job, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		wait := time.Until(job.AvailableAt)
		log.Info("retrying job", "job_id", id, "attempt", job.RetryCount+1, "in", wait.Round(time.Second))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(max(wait, 0)):
		}
	}
}
