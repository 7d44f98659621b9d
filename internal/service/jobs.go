// Package service runs deck generation jobs. JobManager owns every job
// state transition; Pipeline drives the stages and reports through it.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/raphaelgruber/compendium/internal/config"
	"github.com/raphaelgruber/compendium/internal/db"
	"github.com/raphaelgruber/compendium/internal/fault"
	"github.com/raphaelgruber/compendium/internal/loader"
	"github.com/raphaelgruber/compendium/internal/metrics"
	"github.com/raphaelgruber/compendium/internal/models"
)

var (
	// ErrCancelRequested is returned by Complete when a cancel arrived while
	// the job was running.
	ErrCancelRequested = errors.New("cancel requested")
	// ErrLeaseLost means the worker no longer owns the job.
	ErrLeaseLost = errors.New("job lease lost")
	// ErrNotCancellable is returned for jobs that already finished.
	ErrNotCancellable = errors.New("job cannot be cancelled")
	// ErrNotRetryable is returned when a job is not failed or has no
	// retries left.
	ErrNotRetryable = errors.New("job cannot be retried")
)

// JobManager applies job state transitions through guarded repository
// updates. It is the only writer of job records.
type JobManager struct {
	repo     db.Repository
	cfg      config.WorkerConfig
	metrics  *metrics.Collector
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time
}

// JobManagerOption configures a JobManager.
type JobManagerOption func(*JobManager)

// WithJobMetrics counts job transitions.
func WithJobMetrics(c *metrics.Collector) JobManagerOption {
	return func(m *JobManager) { m.metrics = c }
}

// WithJobLogger sets the logger.
func WithJobLogger(l *slog.Logger) JobManagerOption {
	return func(m *JobManager) { m.logger = l }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) JobManagerOption {
	return func(m *JobManager) { m.now = now }
}

// NewJobManager creates a job manager over repo.
func NewJobManager(repo db.Repository, cfg config.WorkerConfig, opts ...JobManagerOption) *JobManager {
	m := &JobManager{
		repo:     repo,
		cfg:      cfg,
		logger:   slog.Default(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	if m.cfg.LeaseDuration <= 0 {
		m.cfg.LeaseDuration = 10 * time.Minute
	}
	return m
}

// NewJobID returns an ID for a job about to be created. Callers need it
// before Create to build the source storage key.
func NewJobID() string {
	return uuid.NewString()
}

// CreateRequest describes a new job.
type CreateRequest struct {
	// ID is optional; a new one is generated when empty.
	ID        string
	OwnerID   string
	Source    models.Source
	PageRange *models.PageRange
	Options   models.Options
	// MaxRetries overrides the configured retry budget when positive.
	MaxRetries int
}

// Create validates req and stores a pending job.
func (m *JobManager) Create(ctx context.Context, req CreateRequest) (*models.Job, error) {
	if req.Source.Key == "" || req.Source.Filename == "" {
		return nil, fault.New(fault.KindValidation, "source key and filename are required")
	}
	if err := loader.ValidateRange(req.PageRange); err != nil {
		return nil, err
	}
	if err := m.validate.Struct(req.Options); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "invalid options")
	}

	now := m.now().UTC()
	job := &models.Job{
		ID:          req.ID,
		OwnerID:     req.OwnerID,
		Status:      models.JobStatusPending,
		Source:      req.Source,
		PageRange:   req.PageRange,
		Options:     req.Options.WithDefaults(),
		MaxRetries:  m.cfg.MaxRetries,
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if job.ID == "" {
		job.ID = NewJobID()
	}
	if req.MaxRetries > 0 {
		job.MaxRetries = req.MaxRetries
	}

	if err := m.repo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	m.record(models.JobStatusPending)
	m.logger.Info("job created", "job_id", job.ID, "owner", job.OwnerID, "source", job.Source.Filename)
	return job, nil
}

// Get returns the current job record.
func (m *JobManager) Get(ctx context.Context, id string) (*models.Job, error) {
	return m.repo.Get(ctx, id)
}

// Claim takes the job for worker. ok is false when the job is not
// claimable, for example because another worker holds it.
func (m *JobManager) Claim(ctx context.Context, id, worker string) (job *models.Job, ok bool, err error) {
	ok, err = m.repo.Claim(ctx, id, worker, m.cfg.LeaseDuration)
	if err != nil || !ok {
		return nil, false, err
	}
	job, err = m.repo.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	m.record(models.JobStatusProcessing)
	m.logger.Info("job claimed", "job_id", id, "worker", worker, "attempt", job.RetryCount+1)
	return job, true, nil
}

func owned(worker string) db.Guard {
	return db.Guard{Status: []models.JobStatus{models.JobStatusProcessing}, ClaimedBy: worker}
}

// ReportProgress raises the job progress and extends the worker's lease.
// Lower values than the stored one are ignored.
func (m *JobManager) ReportProgress(ctx context.Context, id, worker string, progress int) error {
	lease := m.now().Add(m.cfg.LeaseDuration)
	_, err := m.repo.Update(ctx, id, owned(worker), db.JobUpdate{
		Progress:   &progress,
		LeaseUntil: &lease,
	})
	if errors.Is(err, db.ErrConflict) {
		return fmt.Errorf("%w: %v", ErrLeaseLost, err)
	}
	return err
}

// ExtendLease pushes the worker's lease forward without touching progress.
// It returns ErrLeaseLost once the job is no longer held by worker.
func (m *JobManager) ExtendLease(ctx context.Context, id, worker string) error {
	lease := m.now().Add(m.cfg.LeaseDuration)
	_, err := m.repo.Update(ctx, id, owned(worker), db.JobUpdate{LeaseUntil: &lease})
	if errors.Is(err, db.ErrConflict) {
		return fmt.Errorf("%w: %v", ErrLeaseLost, err)
	}
	return err
}

// LeaseRenewal is how often a running job's lease has to be extended so it
// never lapses while the worker is alive.
func (m *JobManager) LeaseRenewal() time.Duration {
	return m.cfg.LeaseDuration / 3
}

// IsCancelRequested reports whether a cancel was requested for the job.
func (m *JobManager) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	job, err := m.repo.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return job.CancelRequested, nil
}

// CompleteRequest is the outcome of a successful run.
type CompleteRequest struct {
	ResultKey string
	Warnings  models.Warnings
	Stats     models.Stats
}

// Complete marks the job completed. It is refused with ErrCancelRequested
// if a cancel arrived in the meantime.
func (m *JobManager) Complete(ctx context.Context, id, worker string, req CompleteRequest) (*models.Job, error) {
	g := owned(worker)
	g.NoCancel = true
	now := m.now()
	job, err := m.repo.Update(ctx, id, g, db.JobUpdate{
		Status:      db.Ptr(models.JobStatusCompleted),
		Progress:    db.Ptr(100),
		ResultKey:   &req.ResultKey,
		ClearError:  true,
		Warnings:    &req.Warnings,
		Stats:       &req.Stats,
		Release:     true,
		CompletedAt: &now,
	})
	if errors.Is(err, db.ErrConflict) {
		if current, gerr := m.repo.Get(ctx, id); gerr == nil && current.CancelRequested && current.Status == models.JobStatusProcessing {
			return nil, ErrCancelRequested
		}
		return nil, fmt.Errorf("%w: %v", ErrLeaseLost, err)
	}
	if err != nil {
		return nil, err
	}
	m.record(models.JobStatusCompleted)
	m.logger.Info("job completed", "job_id", id, "cards", req.Stats.Cards, "result", req.ResultKey)
	return job, nil
}

// Fail records a failed run. The retry count goes up by one. When the
// error is worth retrying and budget remains, the job goes back to pending
// and becomes claimable again after a backoff delay. A failure while a
// cancel is pending finishes the cancel instead.
func (m *JobManager) Fail(ctx context.Context, id, worker string, cause error) (*models.Job, error) {
	current, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	summary := fault.Summarize(cause)
	attempt := current.RetryCount + 1
	u := db.JobUpdate{
		Error:    &summary,
		IncRetry: true,
		Release:  true,
	}
	g := owned(worker)
	status := models.JobStatusFailed
	switch {
	case current.CancelRequested:
		status = models.JobStatusCancelled
		u.CompletedAt = db.Ptr(m.now())
	case fault.AutoRetryable(cause) && attempt < current.MaxRetries:
		status = models.JobStatusPending
		u.AvailableAt = db.Ptr(m.now().Add(m.retryDelay(attempt)))
		// A pending job with a cancel flag is never claimed again.
		g.NoCancel = true
	default:
		u.CompletedAt = db.Ptr(m.now())
	}
	u.Status = &status

	job, err := m.repo.Update(ctx, id, g, u)
	if errors.Is(err, db.ErrConflict) && g.NoCancel {
		// The cancel may have landed after the read.
		status = models.JobStatusCancelled
		u.AvailableAt = nil
		u.CompletedAt = db.Ptr(m.now())
		job, err = m.repo.Update(ctx, id, owned(worker), u)
	}
	if errors.Is(err, db.ErrConflict) {
		return nil, fmt.Errorf("%w: %v", ErrLeaseLost, err)
	}
	if err != nil {
		return nil, err
	}

	switch status {
	case models.JobStatusPending:
		m.record("retrying")
		m.logger.Warn("job failed, retry scheduled",
			"job_id", id, "attempt", attempt, "available_at", job.AvailableAt, "error", summary.Message)
	case models.JobStatusCancelled:
		m.record(models.JobStatusCancelled)
		m.logger.Info("job cancelled after a failed run", "job_id", id, "attempt", attempt, "error", summary.Message)
	default:
		m.record(models.JobStatusFailed)
		m.logger.Error("job failed", "job_id", id, "attempt", attempt, "kind", summary.Kind, "error", summary.Message)
	}
	return job, nil
}

// retryDelay is the exponential backoff with jitter before automatic retry
// attempt n becomes claimable.
func (m *JobManager) retryDelay(n int) time.Duration {
	if m.cfg.RetryBaseDelay <= 0 {
		return 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RetryBaseDelay
	b.MaxInterval = 30 * m.cfg.RetryBaseDelay
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Retry moves a failed job back to pending on request. It is refused once
// the retry budget is spent.
func (m *JobManager) Retry(ctx context.Context, id string) (*models.Job, error) {
	job, err := m.repo.Update(ctx, id,
		db.Guard{Status: []models.JobStatus{models.JobStatusFailed}, RetriesLeft: true},
		db.JobUpdate{
			Status:      db.Ptr(models.JobStatusPending),
			ClearError:  true,
			Release:     true,
			AvailableAt: db.Ptr(m.now()),
		})
	if errors.Is(err, db.ErrConflict) {
		return nil, fmt.Errorf("%w: %v", ErrNotRetryable, err)
	}
	if err != nil {
		return nil, err
	}
	m.record(models.JobStatusPending)
	m.logger.Info("job retry requested", "job_id", id, "retry_count", job.RetryCount)
	return job, nil
}

// Cancel stops a job. Pending jobs, and failed jobs that may still be
// retried, are cancelled at once; a processing job is flagged and its worker
// finishes the cancel at the next stage boundary. Terminal jobs are refused
// with ErrNotCancellable.
func (m *JobManager) Cancel(ctx context.Context, id string) (*models.Job, error) {
	// The job may change state between the read and the guarded write.
	for range 3 {
		current, err := m.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		var job *models.Job
		switch current.Status {
		case models.JobStatusPending, models.JobStatusFailed:
			if current.Terminal() {
				return nil, fmt.Errorf("%w: job %s is %s for good", ErrNotCancellable, id, current.Status)
			}
			job, err = m.repo.Update(ctx, id,
				db.Guard{Status: []models.JobStatus{current.Status}, NotTerminal: true},
				db.JobUpdate{
					Status:      db.Ptr(models.JobStatusCancelled),
					Release:     true,
					CompletedAt: db.Ptr(m.now()),
				})
		case models.JobStatusProcessing:
			job, err = m.repo.Update(ctx, id,
				db.Guard{Status: []models.JobStatus{models.JobStatusProcessing}},
				db.JobUpdate{CancelRequested: db.Ptr(true)})
		default:
			return nil, fmt.Errorf("%w: job %s is %s", ErrNotCancellable, id, current.Status)
		}
		if errors.Is(err, db.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if job.Status == models.JobStatusCancelled {
			m.record(models.JobStatusCancelled)
		}
		m.logger.Info("job cancel requested", "job_id", id, "status", job.Status)
		return job, nil
	}
	return nil, fmt.Errorf("cancel job %s: %w", id, db.ErrConflict)
}

// MarkCancelled finishes a cancel the worker observed.
func (m *JobManager) MarkCancelled(ctx context.Context, id, worker string) (*models.Job, error) {
	job, err := m.repo.Update(ctx, id, owned(worker), db.JobUpdate{
		Status:      db.Ptr(models.JobStatusCancelled),
		Release:     true,
		CompletedAt: db.Ptr(m.now()),
	})
	if errors.Is(err, db.ErrConflict) {
		return nil, fmt.Errorf("%w: %v", ErrLeaseLost, err)
	}
	if err != nil {
		return nil, err
	}
	m.record(models.JobStatusCancelled)
	m.logger.Info("job cancelled", "job_id", id, "progress", job.Progress)
	return job, nil
}

// Release hands a job back to pending without spending a retry, for
// workers that shut down mid-run.
func (m *JobManager) Release(ctx context.Context, id, worker string) (*models.Job, error) {
	job, err := m.repo.Update(ctx, id, owned(worker), db.JobUpdate{
		Status:      db.Ptr(models.JobStatusPending),
		Release:     true,
		AvailableAt: db.Ptr(m.now()),
	})
	if errors.Is(err, db.ErrConflict) {
		return nil, fmt.Errorf("%w: %v", ErrLeaseLost, err)
	}
	if err != nil {
		return nil, err
	}
	m.logger.Info("job released", "job_id", id, "worker", worker)
	return job, nil
}

func (m *JobManager) record(status models.JobStatus) {
	if m.metrics != nil {
		m.metrics.RecordJob(string(status))
	}
}
