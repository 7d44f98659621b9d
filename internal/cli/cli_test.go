package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/compendium/internal/config"
	"github.com/raphaelgruber/compendium/internal/db"
	"github.com/raphaelgruber/compendium/internal/fault"
	"github.com/raphaelgruber/compendium/internal/models"
	"github.com/raphaelgruber/compendium/internal/service"
	"github.com/raphaelgruber/compendium/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newManager(t *testing.T) *service.JobManager {
	t.Helper()
	wc := config.Default().Worker
	wc.RetryBaseDelay = 0
	return service.NewJobManager(db.NewMemoryRepository(), wc, service.WithJobLogger(quietLogger()))
}

func TestParsePageRange(t *testing.T) {
	tests := []struct {
		in      string
		want    *models.PageRange
		wantErr bool
	}{
		{"", nil, false},
		{"  ", nil, false},
		{"4", &models.PageRange{Start: 4, End: 4}, false},
		{"3-7", &models.PageRange{Start: 3, End: 7}, false},
		{" 3 - 7 ", &models.PageRange{Start: 3, End: 7}, false},
		{"7-3", &models.PageRange{Start: 7, End: 3}, false},
		{"a-3", nil, true},
		{"3-", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parsePageRange(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGenerationFlagsOptions(t *testing.T) {
	f := generationFlags{
		density:      "HIGH",
		chapter:      "Mitosis",
		tags:         []string{"exam"},
		answerStyle:  "bullet_points",
		explanations: true,
	}
	opts := f.options()
	assert.Equal(t, models.DensityHigh, opts.Density)
	assert.Equal(t, "Mitosis", opts.Chapter)
	assert.Equal(t, []string{"exam"}, opts.CustomTags)
	assert.Equal(t, "bullet_points", opts.AnswerStyle)
	assert.True(t, opts.IncludeExplanation)
}

type recordingPublisher struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (p *recordingPublisher) Publish(_ context.Context, job *models.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, job.ID)
	return p.err
}

func TestSubmitDocument(t *testing.T) {
	ctx := context.Background()
	slog.SetDefault(quietLogger())
	m := newManager(t)
	store := storage.NewMemoryStore()
	pub := &recordingPublisher{err: errors.New("queue down")}

	job, err := submitDocument(ctx, m, store, pub, "sources", service.CreateRequest{
		OwnerID: "ada",
		Options: models.Options{Density: models.DensityLow},
	}, "notes.md", []byte("# Notes"))
	require.NoError(t, err, "a publish failure must not fail the submission")

	assert.Equal(t, "sources/ada/"+job.ID+"/notes.md", job.Source.Key)
	assert.Equal(t, "notes.md", job.Source.Filename)
	assert.Equal(t, []string{job.ID}, pub.ids)

	data, err := store.Get(ctx, job.Source.Key)
	require.NoError(t, err)
	assert.Equal(t, "# Notes", string(data))

	stored, err := m.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, stored.Status)
}

func TestSubmitDocumentRejectsInvalidRange(t *testing.T) {
	m := newManager(t)
	_, err := submitDocument(context.Background(), m, storage.NewMemoryStore(), noopPublisher{}, "sources",
		service.CreateRequest{PageRange: &models.PageRange{Start: 5, End: 1}}, "doc.txt", []byte("x"))
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

// flakyRunner fails the first attempt with a retryable error.
type flakyRunner struct {
	m     *service.JobManager
	calls int
}

func (r *flakyRunner) Run(ctx context.Context, id string) (service.Disposition, error) {
	r.calls++
	if _, ok, err := r.m.Claim(ctx, id, "local"); err != nil || !ok {
		return service.DispositionSkipped, err
	}
	if r.calls == 1 {
		_, err := r.m.Fail(ctx, id, "local", fault.New(fault.KindStageFailure, "provider hiccup"))
		return service.DispositionRetrying, err
	}
	_, err := r.m.Complete(ctx, id, "local", service.CompleteRequest{ResultKey: "decks/local/" + id + "/notes.apkg"})
	return service.DispositionCompleted, err
}

func TestRunToEndWaitsOutRetries(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	job, err := m.Create(ctx, service.CreateRequest{Source: models.Source{Key: "k", Filename: "notes.md"}})
	require.NoError(t, err)

	runner := &flakyRunner{m: m}
	done, err := runToEnd(ctx, m, runner, job.ID, time.Minute, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, runner.calls)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.NoError(t, jobError(done))
}

// scriptedSource returns the queued snapshots in order, then the last one.
type scriptedSource struct {
	jobs []*models.Job
}

func (s *scriptedSource) Get(context.Context, string) (*models.Job, error) {
	job := s.jobs[0]
	if len(s.jobs) > 1 {
		s.jobs = s.jobs[1:]
	}
	return job, nil
}

func TestFollowJobPrintsChanges(t *testing.T) {
	snap := func(status models.JobStatus, progress int) *models.Job {
		return &models.Job{ID: "j1", Status: status, Progress: progress, MaxRetries: 3}
	}
	source := &scriptedSource{jobs: []*models.Job{
		snap(models.JobStatusProcessing, 20),
		snap(models.JobStatusProcessing, 20),
		snap(models.JobStatusProcessing, 60),
		snap(models.JobStatusCompleted, 100),
	}}

	var out bytes.Buffer
	final, err := followJob(context.Background(), source, snap(models.JobStatusPending, 0), time.Millisecond, &out)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, final.Status)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, []string{
		"j1 pending 0%",
		"j1 processing 20%",
		"j1 processing 60%",
		"j1 completed 100%",
	}, lines)
}

func TestStatusLabelAndJobError(t *testing.T) {
	retrying := &models.Job{Status: models.JobStatusPending, RetryCount: 1, MaxRetries: 3}
	assert.Equal(t, "retrying 1/3", statusLabel(retrying))

	cancelling := &models.Job{Status: models.JobStatusProcessing, CancelRequested: true}
	assert.Equal(t, "cancelling", statusLabel(cancelling))

	failed := &models.Job{
		ID:     "j1",
		Status: models.JobStatusFailed,
		Error:  &fault.Summary{Kind: fault.KindMalformed, Stage: "topics", Message: "not json"},
	}
	assert.EqualError(t, jobError(failed), "job failed in topics: not json")
	assert.EqualError(t, jobError(&models.Job{ID: "j2", Status: models.JobStatusCancelled}), "job j2 was cancelled")
}

func TestPrintJob(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	finished := created.Add(90 * time.Second)
	job := &models.Job{
		ID:          "j1",
		Status:      models.JobStatusCompleted,
		Progress:    100,
		Source:      models.Source{Filename: "biology.pdf"},
		PageRange:   &models.PageRange{Start: 3, End: 7},
		Options:     models.Options{Density: models.DensityMedium},
		ResultKey:   "decks/ada/j1/biology.apkg",
		MaxRetries:  3,
		Stats:       models.Stats{Pages: 5, Segments: 9, Topics: 4, Questions: 30, Cards: 28},
		Warnings:    models.Warnings{DroppedPairs: 2, Notes: []string{"PartialDataLoss: tags fell back to defaults"}},
		CreatedAt:   created,
		CompletedAt: &finished,
	}

	var out bytes.Buffer
	printJob(&out, job)
	text := out.String()
	for _, want := range []string{
		"Status: completed",
		"Pages: 3-7",
		"Duration: 1m30s",
		"Deck: decks/ada/j1/biology.apkg",
		"Cards: 28",
		"2 question/answer pairs dropped",
		"PartialDataLoss: tags fell back to defaults",
	} {
		assert.Contains(t, text, want)
	}
}

func TestProgressModelStopsOnTerminalJob(t *testing.T) {
	job := &models.Job{ID: "j1", Status: models.JobStatusProcessing, Progress: 40, MaxRetries: 3}
	m := newProgressModel(&scriptedSource{jobs: []*models.Job{job}}, job)

	next, cmd := m.Update(jobUpdateMsg{job: &models.Job{ID: "j1", Status: models.JobStatusProcessing, Progress: 60, MaxRetries: 3}})
	pm := next.(progressModel)
	assert.False(t, pm.done)
	assert.NotNil(t, cmd)
	assert.Contains(t, pm.renderContent(), "60%")

	failed := &models.Job{
		ID: "j1", Status: models.JobStatusFailed, RetryCount: 3, MaxRetries: 3,
		Error: &fault.Summary{Kind: fault.KindStageFailure, Stage: "answers", Message: "quota exhausted"},
	}
	next, _ = pm.Update(jobUpdateMsg{job: failed})
	pm = next.(progressModel)
	assert.True(t, pm.done)
	require.Error(t, pm.err)
	assert.Contains(t, pm.renderContent(), "quota exhausted")
}
