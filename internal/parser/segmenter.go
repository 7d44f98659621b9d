// Package parser turns loaded document text into segments, the unit of
// LLM context.
package parser

import (
	"strings"
	"unicode"

	"github.com/raphaelgruber/compendium/internal/fault"
	"github.com/raphaelgruber/compendium/internal/models"
)

// SegmentConfig defines segmentation parameters, in runes.
type SegmentConfig struct {
	// Size: maximum segment length
	Size int
	// Overlap: text carried over from the end of one segment into the next
	Overlap int
	// Tolerance: how far before Size a natural break may be taken.
	// Zero means Size/5.
	Tolerance int
}

// DefaultSegmentConfig returns the defaults used by the pipeline.
func DefaultSegmentConfig() SegmentConfig {
	return SegmentConfig{Size: 500, Overlap: 100}
}

// Validate checks that the window can always advance.
func (c SegmentConfig) Validate() error {
	if c.Size <= 0 {
		return fault.New(fault.KindValidation, "segment size must be positive, got %d", c.Size)
	}
	if c.Overlap < 0 || c.Overlap >= c.Size {
		return fault.New(fault.KindValidation, "segment overlap %d must be in [0, %d)", c.Overlap, c.Size)
	}
	if c.Tolerance < 0 || c.Tolerance >= c.Size {
		return fault.New(fault.KindValidation, "segment tolerance %d must be in [0, %d)", c.Tolerance, c.Size)
	}
	return nil
}

func (c SegmentConfig) tolerance() int {
	if c.Tolerance > 0 {
		return c.Tolerance
	}
	return c.Size / 5
}

// Segment splits pages into overlapping segments. Segments never span
// pages and are numbered in document order. The result depends only on
// the input and the config.
func Segment(pages []models.Page, cfg SegmentConfig) ([]models.Segment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var segments []models.Segment
	for _, page := range pages {
		for _, text := range splitPage(normalize(page.Text), cfg) {
			segments = append(segments, models.Segment{
				Index:  len(segments),
				Page:   page.Number,
				Text:   text,
				Length: len([]rune(text)),
			})
		}
	}
	return segments, nil
}

func normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.TrimSpace(text)
}

// splitPage slides a window of cfg.Size runes over text.
func splitPage(text string, cfg SegmentConfig) []string {
	runes := []rune(text)
	tol := cfg.tolerance()

	var out []string
	start := 0
	for start < len(runes) {
		end := start + cfg.Size
		if end >= len(runes) {
			if s := strings.TrimSpace(string(runes[start:])); s != "" {
				out = append(out, s)
			}
			break
		}

		cut := findBreak(runes, start, end, tol)
		if s := strings.TrimSpace(string(runes[start:cut])); s != "" {
			out = append(out, s)
		}

		next := cut - cfg.Overlap
		if next <= start {
			next = cut
		}
		start = alignToWord(runes, next, cut)
	}
	return out
}

// findBreak returns the exclusive end of a segment starting at start,
// preferring a paragraph break, then a sentence end, then whitespace within
// tol runes before end. Without any of them it cuts hard at end.
func findBreak(runes []rune, start, end, tol int) int {
	lo := max(end-tol, start+1)

	for i := end; i >= lo; i-- {
		if i >= 2 && runes[i-1] == '\n' && runes[i-2] == '\n' {
			return i
		}
	}
	for i := end; i >= lo; i-- {
		if isSentenceEnd(runes, i-1) {
			return i
		}
	}
	for i := end; i >= lo; i-- {
		if unicode.IsSpace(runes[i-1]) {
			return i
		}
	}
	return end
}

// isSentenceEnd reports whether runes[i] terminates a sentence.
func isSentenceEnd(runes []rune, i int) bool {
	if i < 0 || i >= len(runes) {
		return false
	}
	r := runes[i]
	if r != '.' && r != '!' && r != '?' {
		return false
	}
	if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
		return false
	}
	// Not an abbreviation (simple heuristic)
	if r == '.' && i > 1 && unicode.IsUpper(runes[i-1]) && !unicode.IsLetter(runes[i-2]) {
		return false
	}
	return true
}

// alignToWord moves pos forward to the start of the next word so the
// overlap does not begin mid-word. It never moves past limit.
func alignToWord(runes []rune, pos, limit int) int {
	if pos == 0 || unicode.IsSpace(runes[pos-1]) {
		return pos
	}
	for i := pos; i < limit; i++ {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return pos
}
