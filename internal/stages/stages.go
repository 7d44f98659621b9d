// Package stages holds the model-backed transformation steps of the deck
// pipeline. Each stage is a function of the previous stage's output and the
// job options; none of them touches the job record.
package stages

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/raphaelgruber/compendium/internal/config"
	"github.com/raphaelgruber/compendium/internal/fault"
	"github.com/raphaelgruber/compendium/internal/llm"
	"golang.org/x/sync/errgroup"
)

// Stage names, in pipeline order.
const (
	Load      = "load"
	Segment   = "segment"
	Topics    = "topics"
	Refine    = "refine"
	Tags      = "tags"
	Questions = "questions"
	Answers   = "answers"
	Assemble  = "assemble"
)

// Sampling temperatures per stage.
const (
	topicTemperature    = 0.3
	refineTemperature   = 0.2
	tagTemperature      = 0.1
	questionTemperature = 0.4
	answerTemperature   = 0.2
)

// ItemFailure records a segment or question that could not be processed.
type ItemFailure struct {
	Index int
	Err   error
}

// Runner executes stages against a shared gateway.
type Runner struct {
	gw                   *llm.Gateway
	extractConcurrency   int
	synthesisConcurrency int
	logger               *slog.Logger
}

// NewRunner creates a Runner. The gateway is shared with other jobs.
func NewRunner(gw *llm.Gateway, cfg config.PipelineConfig, logger *slog.Logger) *Runner {
	return &Runner{
		gw:                   gw,
		extractConcurrency:   max(cfg.ExtractConcurrency, 1),
		synthesisConcurrency: max(cfg.SynthesisConcurrency, 1),
		logger:               logger,
	}
}

// forEach runs fn for every index in [0, n) with at most limit calls in
// flight. Item errors are collected. An error that automatic retries would
// skip (cancellation, rejected credentials) stops the remaining items and
// is returned, unless the provider only refused that item's request. When
// every item fails the first failure is returned.
func forEach(ctx context.Context, n, limit int, fn func(context.Context, int) error) ([]ItemFailure, error) {
	errs := make([]error, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			err := fn(gctx, i)
			if err != nil && !fault.AutoRetryable(err) && !errors.Is(err, llm.ErrRequestRejected) {
				return err
			}
			errs[i] = err
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var failed []ItemFailure
	for i, err := range errs {
		if err != nil {
			failed = append(failed, ItemFailure{Index: i, Err: err})
		}
	}
	if n > 0 && len(failed) == n {
		return failed, failed[0].Err
	}
	return failed, nil
}

// bulletList formats items one per line for a prompt.
func bulletList(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(it)
	}
	return b.String()
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}

// dedupe keeps the first occurrence of each string, compared case-insensitively.
func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		key := strings.ToLower(it)
		if it == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, it)
	}
	return out
}
