package stages

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/raphaelgruber/compendium/internal/llm"
	"github.com/raphaelgruber/compendium/internal/models"
)

type generatedQuestion struct {
	Question   string `json:"question"`
	Context    string `json:"context"`
	Difficulty string `json:"difficulty"`
}

// questionBatch accepts a bare array or {"questions": [...]}.
type questionBatch []generatedQuestion

func (q *questionBatch) UnmarshalJSON(data []byte) error {
	var list []generatedQuestion
	if err := json.Unmarshal(data, &list); err == nil {
		*q = list
		return nil
	}
	var wrapped struct {
		Questions []generatedQuestion `json:"questions"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return err
	}
	if wrapped.Questions == nil {
		return errors.New("missing questions")
	}
	*q = wrapped.Questions
	return nil
}

// Blank items are dropped by GenerateQuestions; a batch made only of blank
// items is re-requested.
var questionSchema = llm.Schema[questionBatch]{
	Name: "questions",
	Check: func(q *questionBatch) error {
		usable := 0
		for i := range *q {
			(*q)[i].Difficulty = normalizeDifficulty((*q)[i].Difficulty)
			if strings.TrimSpace((*q)[i].Question) != "" {
				usable++
			}
		}
		if len(*q) > 0 && usable == 0 {
			return errors.New("every question is empty")
		}
		return nil
	},
}

func normalizeDifficulty(d string) string {
	switch d = strings.ToLower(strings.TrimSpace(d)); d {
	case "easy", "medium", "hard":
		return d
	default:
		return "medium"
	}
}

// QuestionResult is the output of question generation.
type QuestionResult struct {
	Questions []models.Question
	Failed    []ItemFailure
	// Blank counts questions dropped for having no text.
	Blank int
}

// GenerateQuestions asks for questions on every segment. The number asked
// for and kept per segment follows the density option.
func (r *Runner) GenerateQuestions(ctx context.Context, segments []models.Segment, topics []models.Topic, opts models.Options) (*QuestionResult, error) {
	opts = opts.WithDefaults()
	_, target := opts.Density.QuestionRange()
	topicText := bulletList(topicPaths(topics))

	perSegment := make([][]models.Question, len(segments))
	blank := make([]int, len(segments))
	failed, err := forEach(ctx, len(segments), r.extractConcurrency, func(ctx context.Context, i int) error {
		seg := segments[i]
		out := llm.Invoke(ctx, r.gw, llm.Request{
			Stage:       Questions,
			Prompt:      questionPrompt,
			Temperature: questionTemperature,
			Values: map[string]any{
				"chunk_text":          seg.Text,
				"topics":              topicText,
				"language":            opts.Language,
				"difficulty_mix":      opts.DifficultyMix,
				"custom_instructions": orNone(opts.CustomInstructions),
				"num_questions":       target,
			},
		}, questionSchema)
		batch, err := out.Unwrap()
		if err != nil {
			r.logger.Warn("question generation failed for segment", "segment", seg.Index, "page", seg.Page, "error", err)
			return err
		}

		seen := make(map[string]bool)
		for _, q := range batch {
			text := strings.TrimSpace(q.Question)
			if text == "" {
				blank[i]++
				continue
			}
			if seen[strings.ToLower(text)] {
				continue
			}
			seen[strings.ToLower(text)] = true
			perSegment[i] = append(perSegment[i], models.Question{
				Text:         text,
				Context:      strings.TrimSpace(q.Context),
				Difficulty:   q.Difficulty,
				SegmentIndex: seg.Index,
				Page:         seg.Page,
			})
			if len(perSegment[i]) == target {
				break
			}
		}
		if blank[i] > 0 {
			r.logger.Warn("dropped empty questions", "segment", seg.Index, "page", seg.Page, "count", blank[i])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var questions []models.Question
	for _, qs := range perSegment {
		questions = append(questions, qs...)
	}
	sort.SliceStable(questions, func(a, b int) bool {
		return questions[a].SegmentIndex < questions[b].SegmentIndex
	})
	res := &QuestionResult{Questions: questions, Failed: failed}
	for _, n := range blank {
		res.Blank += n
	}
	return res, nil
}
