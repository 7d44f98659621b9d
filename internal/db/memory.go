package db

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/raphaelgruber/compendium/internal/models"
)

// MemoryRepository keeps jobs in process memory. It backs one-shot runs and
// tests.
type MemoryRepository struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
	now  func() time.Time
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{jobs: make(map[string]*models.Job), now: time.Now}
}

// SetClock replaces the time source.
func (r *MemoryRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

func (r *MemoryRepository) Create(_ context.Context, job *models.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, job.ID)
	}
	r.jobs[job.ID] = cloneJob(job)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneJob(j), nil
}

func (r *MemoryRepository) Update(_ context.Context, id string, g Guard, u JobUpdate) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !g.Allows(j) {
		return nil, fmt.Errorf("%w: job %s is %s", ErrConflict, id, j.Status)
	}
	u.Apply(j, r.now())
	return cloneJob(j), nil
}

func (r *MemoryRepository) Claim(_ context.Context, id, worker string, lease time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	now := r.now()
	if !Claimable(j, now) {
		return false, nil
	}
	until := now.Add(lease)
	j.Status = models.JobStatusProcessing
	j.ClaimedBy = worker
	j.LeaseUntil = &until
	j.Progress = 0
	j.UpdatedAt = now
	return true, nil
}

func (r *MemoryRepository) ListClaimable(_ context.Context, now time.Time, limit int) ([]string, error) {
	r.mu.Lock()
	var due []*models.Job
	for _, j := range r.jobs {
		if Claimable(j, now) {
			due = append(due, j)
		}
	}
	r.mu.Unlock()

	slices.SortFunc(due, func(a, b *models.Job) int {
		if c := a.AvailableAt.Compare(b.AvailableAt); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]string, len(due))
	for i, j := range due {
		ids[i] = j.ID
	}
	return ids, nil
}

func cloneJob(j *models.Job) *models.Job {
	c := *j
	c.Options.CustomTags = slices.Clone(j.Options.CustomTags)
	c.Warnings.Notes = slices.Clone(j.Warnings.Notes)
	if j.PageRange != nil {
		pr := *j.PageRange
		c.PageRange = &pr
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.LeaseUntil != nil {
		t := *j.LeaseUntil
		c.LeaseUntil = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
