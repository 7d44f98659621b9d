package models

import (
	"testing"

	"github.com/raphaelgruber/compendium/internal/fault"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		name string
		in   string
		sep  rune
		want string
	}{
		{"lowercase", "hello", '_', "hello"},
		{"spaces", "Machine Learning", '_', "machine_learning"},
		{"dash sep", "Cell Structure", '-', "cell-structure"},
		{"special chars stripped", "Hello, World!", '_', "hello_world"},
		{"numbers preserved", "chapter 12", '_', "chapter_12"},
		{"empty string", "", '_', ""},
		{"only special chars", "!@#$%", '_', ""},
		{"unicode stripped", "café", '_', "caf"},
		{"trimmed", "  biology ", '_', "biology"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Slugify(tt.in, tt.sep)
			if got != tt.want {
				t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFileStem(t *testing.T) {
	if got := FileStem("uploads/Biology 101.pdf"); got != "Biology 101" {
		t.Errorf("FileStem() = %q", got)
	}
}

func TestRecordIDString(t *testing.T) {
	id, err := RecordIDString(surrealmodels.NewRecordID("job", "abc123"))
	if err != nil {
		t.Fatalf("RecordIDString() error = %v", err)
	}
	if id != "abc123" {
		t.Errorf("RecordIDString() = %q, want abc123", id)
	}

	if _, err := RecordIDString(surrealmodels.NewRecordID("job", 42)); err == nil {
		t.Error("expected error for numeric record ID")
	}
}

func TestDensityQuestionRange(t *testing.T) {
	tests := []struct {
		d      Density
		lo, hi int
	}{
		{DensityLow, 1, 2},
		{DensityMedium, 3, 5},
		{DensityHigh, 6, 10},
		{"", 3, 5},
	}
	for _, tt := range tests {
		lo, hi := tt.d.QuestionRange()
		if lo != tt.lo || hi != tt.hi {
			t.Errorf("%q.QuestionRange() = (%d, %d), want (%d, %d)", tt.d, lo, hi, tt.lo, tt.hi)
		}
	}
}

func TestJobTerminal(t *testing.T) {
	tests := []struct {
		name string
		job  Job
		want bool
	}{
		{"pending", Job{Status: JobStatusPending, MaxRetries: 3}, false},
		{"completed", Job{Status: JobStatusCompleted}, true},
		{"cancelled", Job{Status: JobStatusCancelled}, true},
		{"failed with budget", Job{Status: JobStatusFailed, RetryCount: 1, MaxRetries: 3}, false},
		{"failed exhausted", Job{Status: JobStatusFailed, RetryCount: 3, MaxRetries: 3}, true},
		{"failed not retryable", Job{
			Status: JobStatusFailed, RetryCount: 1, MaxRetries: 3,
			Error: &fault.Summary{Kind: fault.KindSourceMissing},
		}, true},
		{"failed permanently", Job{
			Status: JobStatusFailed, RetryCount: 1, MaxRetries: 3,
			Error: &fault.Summary{Kind: fault.KindStageFailure, Permanent: true},
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.job.Terminal(); got != tt.want {
				t.Errorf("Terminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOptionsWithDefaults(t *testing.T) {
	o := Options{Subject: "Biology"}.WithDefaults()
	if o.Density != DensityMedium || o.Language != "English" || o.DifficultyMix != "balanced" || o.AnswerStyle != "brief" {
		t.Errorf("unexpected defaults: %+v", o)
	}
	if o.Subject != "Biology" {
		t.Error("WithDefaults() overwrote a set field")
	}
}
