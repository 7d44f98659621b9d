// Package models defines the data structures shared by the deck pipeline.
package models

import (
	"time"

	"github.com/raphaelgruber/compendium/internal/fault"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// JobStatus represents the state of a deck generation job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// DefaultMaxRetries matches the worker retry budget.
const DefaultMaxRetries = 3

// Density controls how many questions are requested per segment.
type Density string

const (
	DensityLow    Density = "low"
	DensityMedium Density = "medium"
	DensityHigh   Density = "high"
)

// QuestionRange returns the inclusive range of questions per segment.
func (d Density) QuestionRange() (lo, hi int) {
	switch d {
	case DensityLow:
		return 1, 2
	case DensityHigh:
		return 6, 10
	default:
		return 3, 5
	}
}

// PageRange is an inclusive, 1-indexed page interval.
type PageRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Options are the user-facing generation settings of a job.
type Options struct {
	Density               Density  `json:"density" validate:"omitempty,oneof=low medium high"`
	Subject               string   `json:"subject,omitempty" validate:"max=200"`
	Chapter               string   `json:"chapter,omitempty" validate:"max=200"`
	CustomTags            []string `json:"custom_tags,omitempty" validate:"max=50,dive,required,max=100"`
	Language              string   `json:"language,omitempty" validate:"max=50"`
	DifficultyMix         string   `json:"difficulty_mix,omitempty" validate:"omitempty,oneof=balanced easy_heavy hard_heavy"`
	AnswerStyle           string   `json:"answer_style,omitempty" validate:"omitempty,oneof=brief detailed bullet_points"`
	IncludeExplanation    bool     `json:"include_explanation"`
	IncludeDifficultyTags bool     `json:"include_difficulty_tags"`
	CustomInstructions    string   `json:"custom_instructions,omitempty" validate:"max=2000"`
}

// WithDefaults fills unset options with their defaults.
func (o Options) WithDefaults() Options {
	if o.Density == "" {
		o.Density = DensityMedium
	}
	if o.Language == "" {
		o.Language = "English"
	}
	if o.DifficultyMix == "" {
		o.DifficultyMix = "balanced"
	}
	if o.AnswerStyle == "" {
		o.AnswerStyle = "brief"
	}
	return o
}

// Source references the stored input document.
type Source struct {
	Key      string `json:"key"`
	Filename string `json:"filename"`
}

// Warnings collects non-fatal conditions of a completed run.
type Warnings struct {
	DroppedPairs int      `json:"dropped_pairs"`
	ZeroCards    bool     `json:"zero_cards"`
	Notes        []string `json:"notes,omitempty"`
}

// Empty reports whether no warning was recorded.
func (w Warnings) Empty() bool {
	return w.DroppedPairs == 0 && !w.ZeroCards && len(w.Notes) == 0
}

// Stats are the per-stage counts of the last run.
type Stats struct {
	Pages     int `json:"pages"`
	Segments  int `json:"segments"`
	Topics    int `json:"topics"`
	Tags      int `json:"tags"`
	Questions int `json:"questions"`
	Cards     int `json:"cards"`
}

// Job is a document to deck conversion request.
type Job struct {
	ID              string
	OwnerID         string
	Status          JobStatus
	Progress        int
	Source          Source
	PageRange       *PageRange
	Options         Options
	ResultKey       string
	Error           *fault.Summary
	RetryCount      int
	MaxRetries      int
	Warnings        Warnings
	Stats           Stats
	CancelRequested bool
	ClaimedBy       string
	LeaseUntil      *time.Time
	AvailableAt     time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// CanRetry reports whether a failed job still has retry budget.
func (j *Job) CanRetry() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// Terminal reports whether the job reached a state it will not leave.
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusCancelled:
		return true
	case JobStatusFailed:
		if j.RetryCount >= j.MaxRetries {
			return true
		}
		return j.Error != nil && (j.Error.Permanent || !fault.Retryable(j.Error.Kind))
	default:
		return false
	}
}

// JobRecord is the persisted form of a Job.
type JobRecord struct {
	ID              surrealmodels.RecordID `json:"id"`
	OwnerID         string                 `json:"owner_id"`
	Status          string                 `json:"status"`
	Progress        int                    `json:"progress"`
	Source          Source                 `json:"source"`
	PageRange       *PageRange             `json:"page_range,omitempty"`
	Options         Options                `json:"options"`
	ResultKey       *string                `json:"result_key,omitempty"`
	Error           *fault.Summary         `json:"error,omitempty"`
	RetryCount      int                    `json:"retry_count"`
	MaxRetries      int                    `json:"max_retries"`
	Warnings        Warnings               `json:"warnings"`
	Stats           Stats                  `json:"stats"`
	CancelRequested bool                   `json:"cancel_requested"`
	ClaimedBy       *string                `json:"claimed_by,omitempty"`
	LeaseUntil      *time.Time             `json:"lease_until,omitempty"`
	AvailableAt     time.Time              `json:"available_at"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
}

// ToJob converts the record to a Job.
func (r JobRecord) ToJob() (*Job, error) {
	id, err := RecordIDString(r.ID)
	if err != nil {
		return nil, err
	}
	return &Job{
		ID:              id,
		OwnerID:         r.OwnerID,
		Status:          JobStatus(r.Status),
		Progress:        r.Progress,
		Source:          r.Source,
		PageRange:       r.PageRange,
		Options:         r.Options,
		ResultKey:       deref(r.ResultKey),
		Error:           r.Error,
		RetryCount:      r.RetryCount,
		MaxRetries:      r.MaxRetries,
		Warnings:        r.Warnings,
		Stats:           r.Stats,
		CancelRequested: r.CancelRequested,
		ClaimedBy:       deref(r.ClaimedBy),
		LeaseUntil:      r.LeaseUntil,
		AvailableAt:     r.AvailableAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		CompletedAt:     r.CompletedAt,
	}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
