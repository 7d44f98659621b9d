package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/raphaelgruber/compendium/internal/db"
	"github.com/raphaelgruber/compendium/internal/models"
	"github.com/raphaelgruber/compendium/internal/service"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's state, progress and result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := jobs.Get(cmd.Context(), args[0])
		if err != nil {
			return lookupError(args[0], err)
		}
		printJob(os.Stdout, job)
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Re-queue a failed job that has retries left",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		job, err := jobs.Retry(ctx, args[0])
		if err != nil {
			return lookupError(args[0], err)
		}

		publisher, closePublisher, err := openPublisher(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closePublisher()
		if err := publisher.Publish(ctx, job); err != nil {
			logger.Warn("publish job", "job_id", job.ID, "error", err)
		}

		fmt.Printf("Job %s queued again (attempt %d of %d)\n", job.ID, job.RetryCount+1, job.MaxRetries)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending or running job",
	Long: `Cancel a job. Pending jobs, and failed jobs that can still be retried, are
cancelled immediately. A running job is flagged and its worker stops at the
next stage boundary. Finished jobs cannot be cancelled.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := jobs.Cancel(cmd.Context(), args[0])
		if err != nil {
			return lookupError(args[0], err)
		}
		if job.Status == models.JobStatusCancelled {
			fmt.Printf("Job %s cancelled\n", job.ID)
		} else {
			fmt.Printf("Cancel requested for job %s; it stops at the next stage\n", job.ID)
		}
		return nil
	},
}

func lookupError(id string, err error) error {
	switch {
	case errors.Is(err, db.ErrNotFound):
		return fmt.Errorf("job not found: %s", id)
	case errors.Is(err, service.ErrNotRetryable):
		return fmt.Errorf("job %s cannot be retried: it is not failed or has no retries left", id)
	case errors.Is(err, service.ErrNotCancellable):
		return fmt.Errorf("job %s already finished", id)
	default:
		return err
	}
}

func printJob(w io.Writer, job *models.Job) {
	fmt.Fprintf(w, "Job: %s\n", job.ID)
	fmt.Fprintf(w, "  Status: %s\n", job.Status)
	if job.CancelRequested && job.Status == models.JobStatusProcessing {
		fmt.Fprintf(w, "  Cancel requested\n")
	}
	fmt.Fprintf(w, "  Progress: %d%%\n", job.Progress)
	fmt.Fprintf(w, "  Source: %s\n", job.Source.Filename)
	if job.PageRange != nil {
		fmt.Fprintf(w, "  Pages: %d-%d\n", job.PageRange.Start, job.PageRange.End)
	}
	fmt.Fprintf(w, "  Density: %s\n", job.Options.Density)
	fmt.Fprintf(w, "  Attempts: %d of %d\n", job.RetryCount, job.MaxRetries)
	fmt.Fprintf(w, "  Created: %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.Status == models.JobStatusPending && job.AvailableAt.After(time.Now()) {
		fmt.Fprintf(w, "  Next attempt: %s\n", job.AvailableAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Fprintf(w, "  Finished: %s\n", job.CompletedAt.Format(time.RFC3339))
		fmt.Fprintf(w, "  Duration: %s\n", job.CompletedAt.Sub(job.CreatedAt).Round(time.Second))
	}

	if job.Error != nil {
		fmt.Fprintf(w, "  Error: %s", job.Error.Kind)
		if job.Error.Stage != "" {
			fmt.Fprintf(w, " in %s", job.Error.Stage)
		}
		fmt.Fprintf(w, ": %s\n", job.Error.Message)
	}

	if job.Status == models.JobStatusCompleted {
		fmt.Fprintln(w, "\nResult:")
		fmt.Fprintf(w, "  Deck: %s\n", job.ResultKey)
		fmt.Fprintf(w, "  Pages: %d  Segments: %d  Topics: %d  Questions: %d  Cards: %d\n",
			job.Stats.Pages, job.Stats.Segments, job.Stats.Topics, job.Stats.Questions, job.Stats.Cards)
	}
	if !job.Warnings.Empty() {
		fmt.Fprintln(w, "\nWarnings:")
		if job.Warnings.ZeroCards {
			fmt.Fprintln(w, "  - no valid cards were produced")
		}
		if job.Warnings.DroppedPairs > 0 {
			fmt.Fprintf(w, "  - %d question/answer pairs dropped\n", job.Warnings.DroppedPairs)
		}
		for _, note := range job.Warnings.Notes {
			fmt.Fprintf(w, "  - %s\n", note)
		}
	}
}
