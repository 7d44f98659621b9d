package stages

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/raphaelgruber/compendium/internal/fault"
	"github.com/raphaelgruber/compendium/internal/llm"
	"github.com/raphaelgruber/compendium/internal/models"
)

// topicList accepts a bare array or {"topics": [...]}.
type topicList []string

func (t *topicList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*t = list
		return nil
	}
	var wrapped struct {
		Topics []string `json:"topics"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return err
	}
	if wrapped.Topics == nil {
		return errors.New("missing topics")
	}
	*t = wrapped.Topics
	return nil
}

var topicSchema = llm.Schema[topicList]{Name: "topics"}

// ExtractResult is the output of topic extraction.
type ExtractResult struct {
	// Topics are the raw labels of all segments, deduplicated in order.
	Topics []string
	Failed []ItemFailure
}

// ExtractTopics asks for the key topics of every segment. Segments that fail
// are recorded and skipped.
func (r *Runner) ExtractTopics(ctx context.Context, segments []models.Segment, title string) (*ExtractResult, error) {
	perSegment := make([][]string, len(segments))
	failed, err := forEach(ctx, len(segments), r.extractConcurrency, func(ctx context.Context, i int) error {
		seg := segments[i]
		out := llm.Invoke(ctx, r.gw, llm.Request{
			Stage:       Topics,
			Prompt:      topicPrompt,
			Temperature: topicTemperature,
			Values: map[string]any{
				"title":      title,
				"page":       seg.Page,
				"chunk_text": seg.Text,
			},
		}, topicSchema)
		topics, err := out.Unwrap()
		if err != nil {
			r.logger.Warn("topic extraction failed for segment", "segment", seg.Index, "page", seg.Page, "error", err)
			return err
		}
		perSegment[i] = topics
		return nil
	})
	if err != nil {
		return nil, err
	}

	var all []string
	for _, topics := range perSegment {
		all = append(all, topics...)
	}
	return &ExtractResult{Topics: dedupe(all), Failed: failed}, nil
}

type refinedTopics struct {
	RefinedTopics  []string            `json:"refined_topics" validate:"required,min=1,dive,required"`
	TopicHierarchy map[string][]string `json:"topic_hierarchy"`
}

var refineSchema = llm.Schema[refinedTopics]{Name: "refined topics"}

// RefineTopics merges the raw topic labels into a two-level topic list.
// A failure here fails the job.
func (r *Runner) RefineTopics(ctx context.Context, raw []string, title string, pr *models.PageRange) ([]models.Topic, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	pageRange := "All pages"
	if pr != nil {
		pageRange = fmt.Sprintf("Pages %d-%d", pr.Start, pr.End)
	}
	out := llm.Invoke(ctx, r.gw, llm.Request{
		Stage:       Refine,
		Prompt:      refinePrompt,
		Temperature: refineTemperature,
		Values: map[string]any{
			"raw_topics": bulletList(raw),
			"title":      title,
			"page_range": pageRange,
		},
	}, refineSchema)
	refined, err := out.Unwrap()
	if err != nil {
		return nil, fault.InStage(Refine, err)
	}
	return buildTopics(refined), nil
}

// buildTopics flattens the hierarchy into parents followed by their
// children, then appends remaining refined topics as roots.
func buildTopics(r refinedTopics) []models.Topic {
	seen := make(map[string]bool)
	var topics []models.Topic
	add := func(label, parent string) {
		label = strings.TrimSpace(label)
		key := strings.ToLower(label)
		if label == "" || seen[key] {
			return
		}
		seen[key] = true
		topics = append(topics, models.Topic{Label: label, Parent: parent})
	}

	parents := make([]string, 0, len(r.TopicHierarchy))
	for p := range r.TopicHierarchy {
		parents = append(parents, p)
	}
	sort.Strings(parents)

	for _, p := range parents {
		parent := strings.TrimSpace(p)
		if parent == "" || seen[strings.ToLower(parent)] {
			continue
		}
		add(parent, "")
		for _, child := range r.TopicHierarchy[p] {
			add(child, parent)
		}
	}
	for _, t := range r.RefinedTopics {
		add(t, "")
	}
	return topics
}

func topicPaths(topics []models.Topic) []string {
	paths := make([]string, len(topics))
	for i, t := range topics {
		paths[i] = t.Path()
	}
	return paths
}
