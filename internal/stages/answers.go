package stages

import (
	"context"
	"strings"

	"github.com/raphaelgruber/compendium/internal/llm"
	"github.com/raphaelgruber/compendium/internal/models"
)

type answerResponse struct {
	Answer      string `json:"answer" validate:"required"`
	Explanation string `json:"explanation"`
	Difficulty  string `json:"difficulty_rating"`
}

var answerSchema = llm.Schema[answerResponse]{Name: "answer"}

// Answer is the synthesis result for one question. Err is set when the
// question could not be answered; Pair is then empty.
type Answer struct {
	Pair models.QAPair
	Err  error
}

// AnswerResult holds one Answer per question, in question order.
type AnswerResult struct {
	Answers []Answer
	Failed  int
}

// Pairs returns the successfully answered pairs.
func (a *AnswerResult) Pairs() []models.QAPair {
	pairs := make([]models.QAPair, 0, len(a.Answers)-a.Failed)
	for _, ans := range a.Answers {
		if ans.Err == nil {
			pairs = append(pairs, ans.Pair)
		}
	}
	return pairs
}

// SynthesizeAnswers answers every question using its source segment as
// context. Calls go through the synthesis rate limit lane.
func (r *Runner) SynthesizeAnswers(ctx context.Context, questions []models.Question, segments []models.Segment, opts models.Options) (*AnswerResult, error) {
	opts = opts.WithDefaults()
	byIndex := make(map[int]models.Segment, len(segments))
	for _, s := range segments {
		byIndex[s.Index] = s
	}

	answers := make([]Answer, len(questions))
	failed, err := forEach(ctx, len(questions), r.synthesisConcurrency, func(ctx context.Context, i int) error {
		q := questions[i]
		out := llm.Invoke(ctx, r.gw, llm.Request{
			Stage:       Answers,
			Prompt:      answerPrompt,
			Lane:        llm.LaneSynthesis,
			Temperature: answerTemperature,
			Values: map[string]any{
				"question":            q.Text,
				"context":             orNone(q.Context),
				"chunk_text":          byIndex[q.SegmentIndex].Text,
				"language":            opts.Language,
				"answer_style":        opts.AnswerStyle,
				"include_explanation": opts.IncludeExplanation,
			},
		}, answerSchema)
		resp, err := out.Unwrap()
		if err != nil {
			r.logger.Warn("answer synthesis failed", "segment", q.SegmentIndex, "question", i, "error", err)
			answers[i].Err = err
			return err
		}

		difficulty := q.Difficulty
		if resp.Difficulty != "" {
			difficulty = normalizeDifficulty(resp.Difficulty)
		}
		pair := models.QAPair{
			Question:     q.Text,
			Answer:       strings.TrimSpace(resp.Answer),
			Context:      q.Context,
			Difficulty:   difficulty,
			SegmentIndex: q.SegmentIndex,
			Page:         q.Page,
		}
		if opts.IncludeExplanation {
			pair.Explanation = strings.TrimSpace(resp.Explanation)
		}
		answers[i].Pair = pair
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &AnswerResult{Answers: answers, Failed: len(failed)}, nil
}
