package db

import (
	"context"
	"slices"
	"time"

	"github.com/raphaelgruber/compendium/internal/fault"
	"github.com/raphaelgruber/compendium/internal/models"
)

// Repository stores job records. Every mutation after Create goes through a
// guarded update so concurrent writers cannot clobber each other.
type Repository interface {
	Create(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)
	// Update applies u when the stored job satisfies g. It returns
	// ErrConflict when the guard fails and ErrNotFound for unknown IDs.
	Update(ctx context.Context, id string, g Guard, u JobUpdate) (*models.Job, error)
	// Claim moves a claimable job to processing for worker. It reports
	// false when another worker holds the job or it is not claimable.
	Claim(ctx context.Context, id, worker string, lease time.Duration) (bool, error)
	// ListClaimable returns up to limit job IDs a worker may claim now,
	// oldest first.
	ListClaimable(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Guard is the precondition of an update. Zero fields are not checked.
type Guard struct {
	Status      []models.JobStatus
	ClaimedBy   string
	NoCancel    bool
	RetriesLeft bool
	// NotTerminal requires a job that may still change state, see
	// models.Job.Terminal.
	NotTerminal bool
}

// Allows reports whether j satisfies the guard.
func (g Guard) Allows(j *models.Job) bool {
	if len(g.Status) > 0 && !slices.Contains(g.Status, j.Status) {
		return false
	}
	if g.ClaimedBy != "" && j.ClaimedBy != g.ClaimedBy {
		return false
	}
	if g.NoCancel && j.CancelRequested {
		return false
	}
	if g.RetriesLeft && j.RetryCount >= j.MaxRetries {
		return false
	}
	if g.NotTerminal && j.Terminal() {
		return false
	}
	return true
}

// JobUpdate lists the fields to change. Nil fields are left alone.
type JobUpdate struct {
	Status *models.JobStatus
	// Progress only ever raises the stored value.
	Progress        *int
	ResultKey       *string
	Error           *fault.Summary
	ClearError      bool
	IncRetry        bool
	Warnings        *models.Warnings
	Stats           *models.Stats
	CancelRequested *bool
	// Release clears the claim and its lease.
	Release     bool
	LeaseUntil  *time.Time
	AvailableAt *time.Time
	CompletedAt *time.Time
}

// Apply writes u onto j as of now.
func (u JobUpdate) Apply(j *models.Job, now time.Time) {
	if u.Status != nil {
		j.Status = *u.Status
	}
	if u.Progress != nil && *u.Progress > j.Progress {
		j.Progress = min(*u.Progress, 100)
	}
	if u.ResultKey != nil {
		j.ResultKey = *u.ResultKey
	}
	if u.ClearError {
		j.Error = nil
	}
	if u.Error != nil {
		e := *u.Error
		j.Error = &e
	}
	if u.IncRetry {
		j.RetryCount++
	}
	if u.Warnings != nil {
		j.Warnings = *u.Warnings
	}
	if u.Stats != nil {
		j.Stats = *u.Stats
	}
	if u.CancelRequested != nil {
		j.CancelRequested = *u.CancelRequested
	}
	if u.Release {
		j.ClaimedBy = ""
		j.LeaseUntil = nil
	}
	if u.LeaseUntil != nil {
		t := *u.LeaseUntil
		j.LeaseUntil = &t
	}
	if u.AvailableAt != nil {
		j.AvailableAt = *u.AvailableAt
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		j.CompletedAt = &t
	}
	j.UpdatedAt = now
}

// Claimable reports whether a worker may claim j at now: a pending job that
// is due, or a processing job whose lease ran out.
func Claimable(j *models.Job, now time.Time) bool {
	switch j.Status {
	case models.JobStatusPending:
		return !j.CancelRequested && !j.AvailableAt.After(now)
	case models.JobStatusProcessing:
		return j.LeaseUntil != nil && j.LeaseUntil.Before(now)
	default:
		return false
	}
}

// Ptr returns a pointer to v, for building updates.
func Ptr[T any](v T) *T {
	return &v
}
