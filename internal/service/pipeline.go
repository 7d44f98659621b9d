package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/compendium/internal/checkpoint"
	"github.com/raphaelgruber/compendium/internal/config"
	"github.com/raphaelgruber/compendium/internal/deck"
	"github.com/raphaelgruber/compendium/internal/fault"
	"github.com/raphaelgruber/compendium/internal/loader"
	"github.com/raphaelgruber/compendium/internal/metrics"
	"github.com/raphaelgruber/compendium/internal/models"
	"github.com/raphaelgruber/compendium/internal/parser"
	"github.com/raphaelgruber/compendium/internal/stages"
	"github.com/raphaelgruber/compendium/internal/storage"
	"golang.org/x/sync/errgroup"
)

// Progress reached after each stage.
var stageProgress = map[string]int{
	stages.Load:      5,
	stages.Segment:   10,
	stages.Topics:    20,
	stages.Refine:    30,
	stages.Tags:      40,
	stages.Questions: 60,
	stages.Answers:   85,
	stages.Assemble:  100,
}

// finalizeTimeout bounds the state writes made after a run ended.
const finalizeTimeout = 30 * time.Second

// Disposition is how a Run call left the job.
type Disposition string

const (
	DispositionCompleted Disposition = "completed"
	DispositionFailed    Disposition = "failed"
	DispositionRetrying  Disposition = "retrying"
	DispositionCancelled Disposition = "cancelled"
	DispositionReleased  Disposition = "released"
	// DispositionSkipped means the job was not claimable.
	DispositionSkipped Disposition = "skipped"
)

// errCancelRequested ends a run whose job was cancelled by the user.
var errCancelRequested = fault.New(fault.KindCancelled, "cancel requested")

// PipelineDeps are the collaborators of a Pipeline.
type PipelineDeps struct {
	Jobs        *JobManager
	Loader      *loader.Loader
	Store       storage.Store
	Runner      *stages.Runner
	Checkpoints checkpoint.Store
	Metrics     *metrics.Collector
	Logger      *slog.Logger
	// Worker identifies this process in job claims. Generated when empty.
	Worker string
}

// Pipeline runs jobs through the fixed stage sequence. It changes job
// records only through the JobManager.
type Pipeline struct {
	jobs        *JobManager
	loader      *loader.Loader
	store       storage.Store
	runner      *stages.Runner
	checkpoints checkpoint.Store
	metrics     *metrics.Collector
	logger      *slog.Logger
	worker      string

	segment        parser.SegmentConfig
	zeroCardPolicy string
	deckPrefix     string
	softMargin     time.Duration
}

// NewPipeline creates a Pipeline.
func NewPipeline(deps PipelineDeps, cfg config.Config) *Pipeline {
	p := &Pipeline{
		jobs:        deps.Jobs,
		loader:      deps.Loader,
		store:       deps.Store,
		runner:      deps.Runner,
		checkpoints: deps.Checkpoints,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		worker:      deps.Worker,
		segment: parser.SegmentConfig{
			Size:    cfg.Pipeline.SegmentSize,
			Overlap: cfg.Pipeline.SegmentOverlap,
		},
		zeroCardPolicy: cfg.Pipeline.ZeroCardPolicy,
		deckPrefix:     cfg.Storage.DeckPrefix,
		softMargin:     cfg.Worker.SoftMargin,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.worker == "" {
		p.worker = "worker-" + uuid.NewString()[:8]
	}
	if p.checkpoints == nil {
		p.checkpoints = checkpoint.NewMemoryStore()
	}
	return p
}

// Worker returns the claim identity of this pipeline.
func (p *Pipeline) Worker() string {
	return p.worker
}

// Run claims jobID and drives it to a durable state. It is safe to call
// for the same job more than once; a job that is not claimable is skipped.
// The returned error is set only when the job state could not be written.
func (p *Pipeline) Run(ctx context.Context, jobID string) (Disposition, error) {
	job, ok, err := p.jobs.Claim(ctx, jobID, p.worker)
	if err != nil {
		return "", fmt.Errorf("claim %s: %w", jobID, err)
	}
	if !ok {
		p.logger.Debug("job not claimable", "job_id", jobID)
		return DispositionSkipped, nil
	}
	return p.process(ctx, job)
}

func (p *Pipeline) process(ctx context.Context, job *models.Job) (Disposition, error) {
	logger := p.logger.With("job_id", job.ID, "worker", p.worker)

	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	leaseCtx, stopLease := context.WithCancel(runCtx)
	leaseDone := make(chan struct{})
	go func() {
		defer close(leaseDone)
		p.keepLease(leaseCtx, job.ID, abort, logger)
	}()

	var run *runState
	runErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("pipeline panicked", "panic", r, "stack", string(debug.Stack()))
				err = fault.New(fault.KindInternal, "panic: %v", r)
			}
		}()
		run, err = p.execute(runCtx, job, logger)
		return err
	}()
	stopLease()
	<-leaseDone

	if cause := context.Cause(runCtx); errors.Is(cause, ErrLeaseLost) {
		// Another worker may own the job now; its record is not ours to write.
		return "", fmt.Errorf("run %s: %w", job.ID, cause)
	}

	// The run context may be gone; final writes still have to land.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	return p.finalize(fctx, ctx, job, run, runErr, logger)
}

// keepLease extends the job lease every renewal interval until ctx ends.
// Losing the lease aborts the run.
func (p *Pipeline) keepLease(ctx context.Context, jobID string, abort context.CancelCauseFunc, logger *slog.Logger) {
	interval := p.jobs.LeaseRenewal()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := p.jobs.ExtendLease(ctx, jobID, p.worker)
		switch {
		case err == nil:
		case errors.Is(err, ErrLeaseLost):
			logger.Error("job lease lost, stopping run", "error", err)
			abort(err)
			return
		case ctx.Err() != nil:
			return
		default:
			logger.Warn("failed to extend job lease", "error", err)
		}
	}
}

func (p *Pipeline) finalize(ctx, runCtx context.Context, job *models.Job, run *runState, runErr error, logger *slog.Logger) (Disposition, error) {
	switch {
	case runErr == nil:
		_, err := p.jobs.Complete(ctx, job.ID, p.worker, CompleteRequest{
			ResultKey: run.resultKey,
			Warnings:  run.warnings,
			Stats:     run.stats,
		})
		if errors.Is(err, ErrCancelRequested) {
			return p.cancelled(ctx, job, logger)
		}
		if err != nil {
			return "", fmt.Errorf("complete %s: %w", job.ID, err)
		}
		p.clearCheckpoints(ctx, job.ID, logger)
		return DispositionCompleted, nil

	case errors.Is(runErr, errCancelRequested):
		return p.cancelled(ctx, job, logger)

	case errors.Is(runCtx.Err(), context.Canceled):
		// The worker is shutting down; another one picks the job up.
		if _, err := p.jobs.Release(ctx, job.ID, p.worker); err != nil {
			return "", fmt.Errorf("release %s: %w", job.ID, err)
		}
		return DispositionReleased, nil

	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		runErr = fault.MarkPermanent(fault.Wrap(fault.KindStageFailure, runErr, "job time limit exceeded"))
	}

	logger.Warn("job run failed", "error", runErr)
	failed, err := p.jobs.Fail(ctx, job.ID, p.worker, runErr)
	if err != nil {
		return "", fmt.Errorf("fail %s: %w", job.ID, err)
	}
	switch failed.Status {
	case models.JobStatusPending:
		return DispositionRetrying, nil
	case models.JobStatusCancelled:
		p.clearCheckpoints(ctx, job.ID, logger)
		return DispositionCancelled, nil
	}
	p.clearCheckpoints(ctx, job.ID, logger)
	return DispositionFailed, nil
}

func (p *Pipeline) cancelled(ctx context.Context, job *models.Job, logger *slog.Logger) (Disposition, error) {
	if _, err := p.jobs.MarkCancelled(ctx, job.ID, p.worker); err != nil {
		return "", fmt.Errorf("cancel %s: %w", job.ID, err)
	}
	p.clearCheckpoints(ctx, job.ID, logger)
	return DispositionCancelled, nil
}

func (p *Pipeline) clearCheckpoints(ctx context.Context, jobID string, logger *slog.Logger) {
	if err := p.checkpoints.Clear(ctx, jobID); err != nil {
		logger.Warn("failed to clear checkpoints", "error", err)
	}
}

// runState is the job-local output of the stages.
type runState struct {
	resultKey string
	warnings  models.Warnings
	stats     models.Stats
}

// loaded is the checkpoint after segmentation.
type loaded struct {
	Title    string           `json:"title"`
	Options  models.Options   `json:"options"`
	Pages    int              `json:"pages"`
	Segments []models.Segment `json:"segments"`
}

// refined is the checkpoint after topic refinement.
type refined struct {
	Topics       []models.Topic `json:"topics"`
	FailedTopics int            `json:"failed_topics"`
}

// drafted is the checkpoint after tags and questions.
type drafted struct {
	Tags            []string          `json:"tags"`
	TagWarning      string            `json:"tag_warning,omitempty"`
	Questions       []models.Question `json:"questions"`
	FailedQuestions int               `json:"failed_questions"`
	BlankQuestions  int               `json:"blank_questions,omitempty"`
}

// answered is the checkpoint after synthesis.
type answered struct {
	Pairs         []models.QAPair `json:"pairs"`
	FailedAnswers int             `json:"failed_answers"`
}

func (p *Pipeline) execute(ctx context.Context, job *models.Job, logger *slog.Logger) (*runState, error) {
	run := &runState{}

	var in loaded
	if err := p.stage(ctx, job, stages.Segment, &in, logger, func(ctx context.Context) error {
		return p.loadAndSegment(ctx, job, &in)
	}); err != nil {
		return nil, err
	}
	run.stats.Pages = in.Pages
	run.stats.Segments = len(in.Segments)

	var ref refined
	if err := p.stage(ctx, job, stages.Refine, &ref, logger, func(ctx context.Context) error {
		extracted, err := p.runner.ExtractTopics(ctx, in.Segments, in.Title)
		if err != nil {
			return fault.InStage(stages.Topics, err)
		}
		ref.FailedTopics = len(extracted.Failed)
		if err := p.jobs.ReportProgress(ctx, job.ID, p.worker, stageProgress[stages.Topics]); err != nil {
			return err
		}
		if err := p.boundary(ctx, job.ID, stages.Refine); err != nil {
			return err
		}
		ref.Topics, err = p.runner.RefineTopics(ctx, extracted.Topics, in.Title, job.PageRange)
		return err
	}); err != nil {
		return nil, err
	}
	run.stats.Topics = len(ref.Topics)
	if ref.FailedTopics > 0 {
		run.note("topic extraction failed for %d of %d segments", ref.FailedTopics, len(in.Segments))
	}

	var draft drafted
	if err := p.stage(ctx, job, stages.Questions, &draft, logger, func(ctx context.Context) error {
		return p.tagsAndQuestions(ctx, job.ID, in, ref.Topics, &draft)
	}); err != nil {
		return nil, err
	}
	run.stats.Tags = len(draft.Tags)
	run.stats.Questions = len(draft.Questions)
	if draft.TagWarning != "" {
		run.note("%s: %s", fault.KindPartialDataLoss, draft.TagWarning)
	}
	if draft.FailedQuestions > 0 {
		run.note("question generation failed for %d of %d segments", draft.FailedQuestions, len(in.Segments))
	}
	if draft.BlankQuestions > 0 {
		run.note("%s: %d empty questions dropped", fault.KindPartialDataLoss, draft.BlankQuestions)
	}

	var ans answered
	if err := p.stage(ctx, job, stages.Answers, &ans, logger, func(ctx context.Context) error {
		result, err := p.runner.SynthesizeAnswers(ctx, draft.Questions, in.Segments, in.Options)
		if err != nil {
			return fault.InStage(stages.Answers, err)
		}
		ans.Pairs = result.Pairs()
		ans.FailedAnswers = result.Failed
		return nil
	}); err != nil {
		return nil, err
	}
	if ans.FailedAnswers > 0 {
		run.note("answer synthesis failed for %d of %d questions", ans.FailedAnswers, len(draft.Questions))
	}

	if err := p.boundary(ctx, job.ID, stages.Assemble); err != nil {
		return nil, err
	}
	start := time.Now()
	err := p.assemble(ctx, job, in, draft.Tags, ans.Pairs, run)
	p.recordStage(stages.Assemble, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	logger.Info("pipeline finished",
		"cards", run.stats.Cards, "dropped", run.warnings.DroppedPairs, "notes", len(run.warnings.Notes))
	return run, nil
}

// stage runs fn unless a checkpoint for name exists, in which case out is
// restored from it. On success the checkpoint is saved and progress reported.
func (p *Pipeline) stage(ctx context.Context, job *models.Job, name string, out any, logger *slog.Logger, fn func(context.Context) error) error {
	if err := p.boundary(ctx, job.ID, name); err != nil {
		return err
	}

	ok, err := p.checkpoints.Load(ctx, job.ID, name, out)
	if err != nil {
		logger.Warn("ignoring unreadable checkpoint", "stage", name, "error", err)
	}
	if ok && err == nil {
		logger.Info("stage restored from checkpoint", "stage", name)
		return p.jobs.ReportProgress(ctx, job.ID, p.worker, stageProgress[name])
	}

	start := time.Now()
	err = fn(ctx)
	p.recordStage(name, time.Since(start), err)
	if err != nil {
		return err
	}
	logger.Info("stage finished", "stage", name, "duration", time.Since(start))

	if err := p.checkpoints.Save(ctx, job.ID, name, out); err != nil {
		logger.Warn("failed to save checkpoint", "stage", name, "error", err)
	}
	return p.jobs.ReportProgress(ctx, job.ID, p.worker, stageProgress[name])
}

// boundary runs before each stage: it stops the run when the job was
// cancelled, the context ended, or too little time is left.
func (p *Pipeline) boundary(ctx context.Context, jobID, next string) error {
	if err := ctx.Err(); err != nil {
		return fault.Wrap(fault.KindCancelled, err, "before %s", next)
	}
	cancelled, err := p.jobs.IsCancelRequested(ctx, jobID)
	if err != nil {
		return fmt.Errorf("check cancel: %w", err)
	}
	if cancelled {
		return errCancelRequested
	}
	if deadline, ok := ctx.Deadline(); ok && p.softMargin > 0 && time.Until(deadline) < p.softMargin {
		return fault.MarkPermanent(fault.New(fault.KindStageFailure, "job time limit reached before %s", next))
	}
	return nil
}

func (p *Pipeline) loadAndSegment(ctx context.Context, job *models.Job, out *loaded) error {
	doc, err := p.loader.Load(ctx, job.Source, job.PageRange)
	if err != nil {
		return fault.InStage(stages.Load, err)
	}
	if err := p.jobs.ReportProgress(ctx, job.ID, p.worker, stageProgress[stages.Load]); err != nil {
		return err
	}

	segments, err := parser.Segment(doc.Pages, p.segment)
	if err != nil {
		return fault.InStage(stages.Segment, err)
	}
	if len(segments) == 0 {
		return fault.InStage(stages.Segment, fault.New(fault.KindValidation, "document produced no segments"))
	}

	out.Title = doc.Title
	out.Options = withHints(job.Options, doc.Hints)
	out.Pages = len(doc.Pages)
	out.Segments = segments
	return nil
}

// withHints fills options the job left empty from document metadata.
func withHints(opts models.Options, hints parser.FrontMatter) models.Options {
	if opts.Subject == "" {
		opts.Subject = hints.Subject
	}
	if opts.Chapter == "" {
		opts.Chapter = hints.Chapter
	}
	if len(hints.Tags) > 0 {
		opts.CustomTags = append(append([]string{}, opts.CustomTags...), hints.Tags...)
	}
	return opts.WithDefaults()
}

// tagsAndQuestions runs tag and question generation concurrently. Both
// finish before synthesis starts.
func (p *Pipeline) tagsAndQuestions(ctx context.Context, jobID string, in loaded, topics []models.Topic, out *drafted) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tags, err := p.runner.GenerateTags(gctx, stages.TagInput{Title: in.Title, Topics: topics, Options: in.Options})
		if err != nil {
			return fault.InStage(stages.Tags, err)
		}
		out.Tags = tags.Tags
		out.TagWarning = tags.Warning
		return p.jobs.ReportProgress(gctx, jobID, p.worker, stageProgress[stages.Tags])
	})
	g.Go(func() error {
		qs, err := p.runner.GenerateQuestions(gctx, in.Segments, topics, in.Options)
		if err != nil {
			return fault.InStage(stages.Questions, err)
		}
		out.Questions = qs.Questions
		out.FailedQuestions = len(qs.Failed)
		out.BlankQuestions = qs.Blank
		return nil
	})
	return g.Wait()
}

func (p *Pipeline) assemble(ctx context.Context, job *models.Job, in loaded, tags []string, pairs []models.QAPair, run *runState) error {
	name := deck.Name(in.Options, in.Title)
	result, err := deck.Assemble(ctx, deck.Input{
		JobID:          job.ID,
		DeckName:       name,
		Description:    deck.Description(job.Source.Filename, job.PageRange),
		Pairs:          pairs,
		Tags:           tags,
		Source:         job.Source.Filename,
		DifficultyTags: in.Options.IncludeDifficultyTags,
		CreatedAt:      job.CreatedAt,
	})
	if err != nil {
		return fault.InStage(stages.Assemble, err)
	}

	run.stats.Cards = len(result.Cards)
	run.warnings.DroppedPairs = result.Dropped
	if result.Dropped > 0 {
		run.note("%d question-answer pairs dropped for an empty question or answer", result.Dropped)
	}
	if len(result.Cards) == 0 {
		run.warnings.ZeroCards = true
		if p.zeroCardPolicy == config.ZeroCardsFail {
			return fault.MarkPermanent(fault.InStage(stages.Assemble,
				fault.New(fault.KindPartialDataLoss, "no valid cards were generated")))
		}
	}

	key := storage.DeckKey(p.deckPrefix, job.OwnerID, job.ID, result.Filename)
	ref, err := p.store.Put(ctx, key, result.Data)
	if err != nil {
		return fault.InStage(stages.Assemble, fmt.Errorf("store deck: %w", err))
	}
	run.resultKey = ref
	return nil
}

func (p *Pipeline) recordStage(stage string, d time.Duration, err error) {
	if p.metrics != nil {
		p.metrics.RecordStage(stage, d, err)
	}
}

func (r *runState) note(format string, args ...any) {
	r.warnings.Notes = append(r.warnings.Notes, fmt.Sprintf(format, args...))
}
