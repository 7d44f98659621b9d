package stages

import (
	"context"
	"sort"
	"strings"

	"github.com/raphaelgruber/compendium/internal/fault"
	"github.com/raphaelgruber/compendium/internal/llm"
	"github.com/raphaelgruber/compendium/internal/models"
)

type tagResponse struct {
	Tags         []string            `json:"tags" validate:"required,min=1"`
	TagHierarchy map[string][]string `json:"tag_hierarchy"`
}

var tagSchema = llm.Schema[tagResponse]{Name: "tags"}

// TagInput is the document metadata tags are generated from.
type TagInput struct {
	Title   string
	Topics  []models.Topic
	Options models.Options
}

// TagResult is the output of tag generation.
type TagResult struct {
	Tags []string
	// Fallback is set when the model call failed and the tags were derived
	// locally. Warning describes the loss.
	Fallback bool
	Warning  string
}

// GenerateTags asks for Anki tags for the document. When the call fails the
// tags are derived from the topics, subject and custom tags instead, so this
// stage only fails on cancellation.
func (r *Runner) GenerateTags(ctx context.Context, in TagInput) (*TagResult, error) {
	out := llm.Invoke(ctx, r.gw, llm.Request{
		Stage:       Tags,
		Prompt:      tagPrompt,
		Temperature: tagTemperature,
		Values: map[string]any{
			"topics":             bulletList(topicPaths(in.Topics)),
			"title":              orNone(in.Title),
			"subject":            orNone(in.Options.Subject),
			"chapter":            orNone(in.Options.Chapter),
			"custom_tags":        orNone(strings.Join(in.Options.CustomTags, ", ")),
			"include_difficulty": in.Options.IncludeDifficultyTags,
		},
	}, tagSchema)

	resp, err := out.Unwrap()
	if err != nil {
		if fault.Is(err, fault.KindCancelled) {
			return nil, err
		}
		r.logger.Warn("tag generation failed, deriving tags locally", "error", err)
		return &TagResult{
			Tags:     LocalTags(in.Topics, in.Options),
			Fallback: true,
			Warning:  "tag generation failed, tags derived from topics: " + fault.Truncate(err.Error(), 200),
		}, nil
	}

	tags := append([]string{}, resp.Tags...)
	parents := make([]string, 0, len(resp.TagHierarchy))
	for p := range resp.TagHierarchy {
		parents = append(parents, p)
	}
	sort.Strings(parents)
	for _, p := range parents {
		for _, child := range resp.TagHierarchy[p] {
			tags = append(tags, p+"::"+child)
		}
	}
	tags = append(tags, in.Options.CustomTags...)
	return &TagResult{Tags: normalizeTags(tags)}, nil
}

// LocalTags derives tags without the model: subject, custom tags and topic
// paths.
func LocalTags(topics []models.Topic, opts models.Options) []string {
	var tags []string
	if opts.Subject != "" {
		tags = append(tags, opts.Subject)
	}
	if opts.Chapter != "" && opts.Subject != "" {
		tags = append(tags, opts.Subject+"::"+opts.Chapter)
	}
	tags = append(tags, opts.CustomTags...)
	for _, t := range topics {
		tags = append(tags, t.Path())
	}
	return normalizeTags(tags)
}

// NormalizeTag converts a label to an Anki tag: lowercase words joined by
// underscores, with "::" between hierarchy levels.
func NormalizeTag(tag string) string {
	parts := strings.Split(tag, "::")
	out := parts[:0]
	for _, p := range parts {
		s := models.Slugify(p, '_')
		for strings.Contains(s, "__") {
			s = strings.ReplaceAll(s, "__", "_")
		}
		if s = strings.Trim(s, "_"); s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, "::")
}

func normalizeTags(tags []string) []string {
	normalized := make([]string, 0, len(tags))
	for _, t := range tags {
		if n := NormalizeTag(t); n != "" {
			normalized = append(normalized, n)
		}
	}
	return dedupe(normalized)
}
