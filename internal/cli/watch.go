package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/raphaelgruber/compendium/internal/models"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Follow a job's progress until it finishes",
	Long: `Follow a job's progress until it completes, fails or is cancelled.

On a terminal this shows a progress bar; otherwise it prints one line per
progress change. Press Ctrl+C to stop watching; the job keeps running.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := jobs.Get(cmd.Context(), args[0])
		if err != nil {
			return lookupError(args[0], err)
		}
		return watchJob(cmd.Context(), jobs, job)
	},
}

// watchJob follows job until it is terminal. It returns the job's error
// when it failed or was cancelled.
func watchJob(ctx context.Context, source jobSource, job *models.Job) error {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		final, err := followJob(ctx, source, job, pollInterval, os.Stdout)
		if err != nil {
			return err
		}
		return jobError(final)
	}
	return runJobProgress(source, job)
}

// runJobProgress runs the interactive progress UI for a job.
// Returns nil on success or Ctrl+C (background), error on job failure.
func runJobProgress(source jobSource, job *models.Job) error {
	p := tea.NewProgram(newProgressModel(source, job))

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}

	if m, ok := finalModel.(progressModel); ok {
		// If user quit with Ctrl+C, job continues in background - not an error
		if m.quitting {
			return nil
		}
		if m.err != nil {
			return m.err
		}
	}
	return nil
}

// followJob polls job and writes a line whenever its status or progress
// changes. It returns the terminal job.
func followJob(ctx context.Context, source jobSource, job *models.Job, interval time.Duration, w io.Writer) (*models.Job, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := ""
	for {
		line := fmt.Sprintf("%s %s %d%%", job.ID, statusLabel(job), job.Progress)
		if line != last {
			fmt.Fprintln(w, line)
			last = line
		}
		if job.Terminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		next, err := source.Get(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("fetch job status: %w", err)
		}
		job = next
	}
}
