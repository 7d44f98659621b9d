package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/raphaelgruber/compendium/internal/models"
	"github.com/spf13/cobra"
)

// generationFlags are the job options shared by submit and generate.
type generationFlags struct {
	pages          string
	density        string
	subject        string
	chapter        string
	tags           []string
	language       string
	difficulty     string
	answerStyle    string
	explanations   bool
	difficultyTags bool
	instructions   string
}

func (f *generationFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.pages, "pages", "p", "", `page range to process, e.g. "3-7" or "4"`)
	fl.StringVarP(&f.density, "density", "d", "medium", "card density (low, medium, high)")
	fl.StringVar(&f.subject, "subject", "", "subject label, used for the deck name and tags")
	fl.StringVar(&f.chapter, "chapter", "", "chapter label, preferred over subject for the deck name")
	fl.StringSliceVarP(&f.tags, "tags", "t", nil, "extra tags added to every card")
	fl.StringVar(&f.language, "language", "", "language of the generated cards (default English)")
	fl.StringVar(&f.difficulty, "difficulty-mix", "", "question difficulty mix (balanced, easy_heavy, hard_heavy)")
	fl.StringVar(&f.answerStyle, "answer-style", "", "answer style (brief, detailed, bullet_points)")
	fl.BoolVar(&f.explanations, "explanations", false, "add an explanation to each answer")
	fl.BoolVar(&f.difficultyTags, "difficulty-tags", false, "tag cards with their difficulty")
	fl.StringVar(&f.instructions, "instructions", "", "custom instructions passed to question generation")
}

func (f *generationFlags) options() models.Options {
	return models.Options{
		Density:               models.Density(strings.ToLower(f.density)),
		Subject:               f.subject,
		Chapter:               f.chapter,
		CustomTags:            f.tags,
		Language:              f.language,
		DifficultyMix:         f.difficulty,
		AnswerStyle:           f.answerStyle,
		IncludeExplanation:    f.explanations,
		IncludeDifficultyTags: f.difficultyTags,
		CustomInstructions:    f.instructions,
	}
}

// parsePageRange parses "N" or "N-M". An empty string means all pages.
func parsePageRange(s string) (*models.PageRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	startStr, endStr, found := strings.Cut(s, "-")
	if !found {
		endStr = startStr
	}
	start, err := strconv.Atoi(strings.TrimSpace(startStr))
	if err != nil {
		return nil, fmt.Errorf("invalid page range %q: %w", s, err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(endStr))
	if err != nil {
		return nil, fmt.Errorf("invalid page range %q: %w", s, err)
	}
	return &models.PageRange{Start: start, End: end}, nil
}
