// Package deck packages question and answer pairs as an Anki .apkg file.
//
// The output is a function of its input: identifiers and timestamps come
// from the job ID and creation time, never from the clock or a random
// source, so the same job always produces the same bytes.
package deck

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"html"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/raphaelgruber/compendium/internal/models"
)

// Input is everything an .apkg is built from.
type Input struct {
	JobID       string
	DeckName    string
	Description string
	Pairs       []models.QAPair
	Tags        []string
	// Source names the document; the page is appended per card.
	Source string
	// DifficultyTags adds a difficulty::<level> tag to each card.
	DifficultyTags bool
	CreatedAt      time.Time
}

// Result is a packaged deck.
type Result struct {
	Data     []byte
	Filename string
	Cards    []models.Card
	// Dropped counts pairs skipped for an empty question or answer.
	Dropped int
}

// Assemble builds the deck. Pairs with an empty question or answer are
// skipped and counted; they never cause an error. An input without valid
// pairs yields a valid empty deck.
func Assemble(ctx context.Context, in Input) (*Result, error) {
	name := strings.TrimSpace(in.DeckName)
	if name == "" {
		name = "Generated Deck"
	}
	created := in.CreatedAt.UTC().Truncate(time.Second)
	if created.IsZero() || created.Unix() <= 0 {
		created = time.Unix(0, 0).UTC()
	}

	res := &Result{Filename: Filename(name)}
	coll := collection{
		deckID:   stableID(in.JobID, "deck"),
		modelID:  stableID(in.JobID, "model"),
		deckName: name,
		desc:     in.Description,
		created:  created.Unix(),
	}

	baseID := created.UnixMilli()
	for _, p := range in.Pairs {
		q, a := strings.TrimSpace(p.Question), strings.TrimSpace(p.Answer)
		if q == "" || a == "" {
			res.Dropped++
			continue
		}
		card := models.Card{
			Front:       q,
			Back:        a,
			Context:     strings.TrimSpace(p.Context),
			Explanation: strings.TrimSpace(p.Explanation),
			Difficulty:  p.Difficulty,
			Source:      sourceLabel(in.Source, p.Page),
			Tags:        cardTags(in.Tags, p.Difficulty, in.DifficultyTags),
		}
		pos := len(res.Cards)
		res.Cards = append(res.Cards, card)
		coll.notes = append(coll.notes, note{
			id:   baseID + int64(pos),
			guid: guid(in.JobID, pos, q),
			tags: card.Tags,
			fields: []string{
				fieldHTML(card.Front), fieldHTML(card.Back), fieldHTML(card.Context),
				fieldHTML(card.Explanation), fieldHTML(card.Difficulty), fieldHTML(card.Source),
			},
		})
	}

	path, cleanup, err := tempCollectionPath()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if err := coll.write(ctx, path); err != nil {
		return nil, err
	}
	dbBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read collection: %w", err)
	}

	res.Data, err = pack(created, dbBytes)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// pack zips the collection with an empty media map.
func pack(modified time.Time, collection []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range []struct {
		name string
		data []byte
	}{
		{"collection.anki2", collection},
		{"media", []byte("{}")},
	} {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: f.name, Method: zip.Deflate, Modified: modified})
		if err != nil {
			return nil, fmt.Errorf("add %s: %w", f.name, err)
		}
		if _, err := w.Write(f.data); err != nil {
			return nil, fmt.Errorf("write %s: %w", f.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close package: %w", err)
	}
	return buf.Bytes(), nil
}

// Name picks the deck name: chapter, then subject, then the document title.
func Name(opts models.Options, title string) string {
	for _, s := range []string{opts.Chapter, opts.Subject, title} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return "Generated Deck"
}

// Description summarizes the source of a deck.
func Description(filename string, pr *models.PageRange) string {
	if pr == nil {
		return "Generated from " + filename
	}
	return fmt.Sprintf("Generated from %s, pages %d-%d", filename, pr.Start, pr.End)
}

// Filename returns the artifact filename for a deck name.
func Filename(name string) string {
	slug := strings.Trim(models.Slugify(name, '-'), "-")
	if slug == "" {
		slug = "deck"
	}
	return slug + ".apkg"
}

// stableID maps the job ID to an Anki identifier in [2^30, 2^31).
func stableID(jobID, salt string) int64 {
	h := fnv.New64a()
	h.Write([]byte(salt))
	h.Write([]byte{0})
	h.Write([]byte(jobID))
	return 1<<30 + int64(h.Sum64()%(1<<30))
}

func guid(jobID string, pos int, question string) string {
	sum := sha1.Sum([]byte(jobID + "\x1f" + strconv.Itoa(pos) + "\x1f" + question))
	return base64.RawStdEncoding.EncodeToString(sum[:8])
}

// checksum is Anki's duplicate-detection hash of the sort field.
func checksum(s string) int64 {
	sum := sha1.Sum([]byte(s))
	n, _ := strconv.ParseInt(hex.EncodeToString(sum[:4]), 16, 64)
	return n
}

func sourceLabel(source string, page int) string {
	switch {
	case source == "":
		return ""
	case page > 0:
		return fmt.Sprintf("%s, p. %d", source, page)
	default:
		return source
	}
}

func cardTags(tags []string, difficulty string, withDifficulty bool) []string {
	out := make([]string, 0, len(tags)+1)
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" && !strings.ContainsAny(t, " \t\n") {
			out = append(out, t)
		}
	}
	if withDifficulty && difficulty != "" {
		out = append(out, "difficulty::"+difficulty)
	}
	return out
}

func fieldHTML(s string) string {
	return strings.ReplaceAll(html.EscapeString(s), "\n", "<br>")
}

var tagRegex = regexp.MustCompile(`<[^>]*>`)

func stripHTML(s string) string {
	return html.UnescapeString(tagRegex.ReplaceAllString(s, ""))
}
