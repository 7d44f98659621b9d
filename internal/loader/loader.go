// Package loader extracts page text from stored source documents.
package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/raphaelgruber/compendium/internal/fault"
	"github.com/raphaelgruber/compendium/internal/models"
	"github.com/raphaelgruber/compendium/internal/parser"
	"github.com/raphaelgruber/compendium/internal/storage"
)

// pageBreak separates pages in plain text sources.
const pageBreak = "\f"

// Document is the loaded text of a source.
type Document struct {
	Title string
	// Hints are metadata found in the source itself, used when the job
	// options leave them unset.
	Hints parser.FrontMatter
	Pages []models.Page
}

// Loader reads source documents from a document store.
type Loader struct {
	store storage.Store
}

// New creates a Loader backed by store.
func New(store storage.Store) *Loader {
	return &Loader{store: store}
}

// ValidateRange checks an optional page range. It performs no I/O.
func ValidateRange(pr *models.PageRange) error {
	if pr == nil {
		return nil
	}
	if pr.Start < 1 || pr.End < 1 {
		return fault.New(fault.KindValidation, "page range bounds must be >= 1, got %d-%d", pr.Start, pr.End)
	}
	if pr.Start > pr.End {
		return fault.New(fault.KindValidation, "page range start %d is after end %d", pr.Start, pr.End)
	}
	return nil
}

// Load returns the non-blank pages of src, restricted to pr when set.
func (l *Loader) Load(ctx context.Context, src models.Source, pr *models.PageRange) (*Document, error) {
	if err := ValidateRange(pr); err != nil {
		return nil, err
	}

	data, err := l.store.Get(ctx, src.Key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fault.Wrap(fault.KindSourceMissing, err, "source %q", src.Filename)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch source: %w", err)
	}

	doc := &Document{Title: models.FileStem(src.Filename)}
	switch {
	case isPDF(src.Filename, data):
		doc.Pages, err = pdfPages(data, pr)
	case isMarkdown(src.Filename):
		fm, body := parser.ParseMarkdown(string(data))
		doc.Hints = fm
		if fm.Title != "" {
			doc.Title = fm.Title
		}
		doc.Pages, err = textPages(body, pr)
	default:
		doc.Pages, err = textPages(string(data), pr)
	}
	if err != nil {
		return nil, err
	}
	if len(doc.Pages) == 0 {
		return nil, fault.New(fault.KindValidation, "no extractable text in %q", src.Filename)
	}
	return doc, nil
}

func isMarkdown(filename string) bool {
	ext := strings.ToLower(path.Ext(filename))
	return ext == ".md" || ext == ".markdown"
}

func isPDF(filename string, data []byte) bool {
	return strings.EqualFold(path.Ext(filename), ".pdf") || bytes.HasPrefix(data, []byte("%PDF-"))
}

// bounds clips pr to a document of total pages.
func bounds(pr *models.PageRange, total int) (int, int, error) {
	if pr == nil {
		return 1, total, nil
	}
	if pr.Start > total {
		return 0, 0, fault.New(fault.KindValidation, "page range starts at %d but document has %d pages", pr.Start, total)
	}
	return pr.Start, min(pr.End, total), nil
}

func textPages(text string, pr *models.PageRange) ([]models.Page, error) {
	raw := strings.Split(text, pageBreak)
	start, end, err := bounds(pr, len(raw))
	if err != nil {
		return nil, err
	}

	var pages []models.Page
	for n := start; n <= end; n++ {
		body := strings.TrimSpace(raw[n-1])
		if body == "" {
			continue
		}
		pages = append(pages, models.Page{Number: n, Text: body})
	}
	return pages, nil
}

func pdfPages(data []byte, pr *models.PageRange) (pages []models.Page, err error) {
	// The PDF parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fault.New(fault.KindValidation, "unreadable pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "open pdf")
	}

	start, end, err := bounds(pr, reader.NumPage())
	if err != nil {
		return nil, err
	}

	for n := start; n <= end; n++ {
		p := reader.Page(n)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fault.Wrap(fault.KindValidation, err, "extract page %d", n)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		pages = append(pages, models.Page{Number: n, Text: text})
	}
	return pages, nil
}
