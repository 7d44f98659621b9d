// Package dispatch hands claimable jobs to the pipeline, either by polling
// the job repository or by consuming a JetStream work queue.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/raphaelgruber/compendium/internal/service"
)

// JobRunner drives one job to a durable state.
type JobRunner interface {
	Run(ctx context.Context, jobID string) (service.Disposition, error)
}

// ClaimableLister finds jobs that are ready to run.
type ClaimableLister interface {
	ListClaimable(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// runJob runs jobID under the hard job time limit. The runner only returns
// an error when it could not record the outcome, so the job will be picked
// up again once its lease expires.
func runJob(ctx context.Context, runner JobRunner, timeout time.Duration, jobID string, logger *slog.Logger) (service.Disposition, error) {
	jctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	disp, err := runner.Run(jctx, jobID)
	if err != nil {
		logger.Error("job run failed", "job_id", jobID, "error", err, "duration", time.Since(start))
		return disp, err
	}
	if disp == service.DispositionSkipped {
		logger.Debug("job skipped", "job_id", jobID)
		return disp, nil
	}
	logger.Info("job finished", "job_id", jobID, "disposition", disp, "duration", time.Since(start))
	return disp, nil
}
