package deck

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	_ "modernc.org/sqlite"
)

// collectionSchema is the Anki 2.1 collection layout (schema version 11).
const collectionSchema = `
CREATE TABLE col (
    id     integer primary key,
    crt    integer not null,
    mod    integer not null,
    scm    integer not null,
    ver    integer not null,
    dty    integer not null,
    usn    integer not null,
    ls     integer not null,
    conf   text not null,
    models text not null,
    decks  text not null,
    dconf  text not null,
    tags   text not null
);
CREATE TABLE notes (
    id    integer primary key,
    guid  text not null,
    mid   integer not null,
    mod   integer not null,
    usn   integer not null,
    tags  text not null,
    flds  text not null,
    sfld  integer not null,
    csum  integer not null,
    flags integer not null,
    data  text not null
);
CREATE TABLE cards (
    id     integer primary key,
    nid    integer not null,
    did    integer not null,
    ord    integer not null,
    mod    integer not null,
    usn    integer not null,
    type   integer not null,
    queue  integer not null,
    due    integer not null,
    ivl    integer not null,
    factor integer not null,
    reps   integer not null,
    lapses integer not null,
    left   integer not null,
    odue   integer not null,
    odid   integer not null,
    flags  integer not null,
    data   text not null
);
CREATE TABLE revlog (
    id      integer primary key,
    cid     integer not null,
    usn     integer not null,
    ease    integer not null,
    ivl     integer not null,
    lastIvl integer not null,
    factor  integer not null,
    time    integer not null,
    type    integer not null
);
CREATE TABLE graves (
    usn  integer not null,
    oid  integer not null,
    type integer not null
);
CREATE INDEX ix_notes_usn on notes (usn);
CREATE INDEX ix_cards_usn on cards (usn);
CREATE INDEX ix_revlog_usn on revlog (usn);
CREATE INDEX ix_cards_nid on cards (nid);
CREATE INDEX ix_cards_sched on cards (did, queue, due);
CREATE INDEX ix_revlog_cid on revlog (cid);
CREATE INDEX ix_notes_csum on notes (csum);
`

// defaultDeckID is the deck every collection must contain.
const defaultDeckID = 1

type fieldDef struct {
	Font   string   `json:"font"`
	Media  []string `json:"media"`
	Name   string   `json:"name"`
	Ord    int      `json:"ord"`
	RTL    bool     `json:"rtl"`
	Size   int      `json:"size"`
	Sticky bool     `json:"sticky"`
}

type templateDef struct {
	Afmt  string `json:"afmt"`
	Bafmt string `json:"bafmt"`
	Bqfmt string `json:"bqfmt"`
	Did   *int64 `json:"did"`
	Name  string `json:"name"`
	Ord   int    `json:"ord"`
	Qfmt  string `json:"qfmt"`
}

type modelDef struct {
	CSS       string        `json:"css"`
	Did       int64         `json:"did"`
	Flds      []fieldDef    `json:"flds"`
	ID        string        `json:"id"`
	LatexPost string        `json:"latexPost"`
	LatexPre  string        `json:"latexPre"`
	LatexSVG  bool          `json:"latexsvg"`
	Mod       int64         `json:"mod"`
	Name      string        `json:"name"`
	Req       [][]any       `json:"req"`
	Sortf     int           `json:"sortf"`
	Tags      []string      `json:"tags"`
	Tmpls     []templateDef `json:"tmpls"`
	Type      int           `json:"type"`
	Usn       int           `json:"usn"`
	Vers      []int         `json:"vers"`
}

type deckDef struct {
	Collapsed bool   `json:"collapsed"`
	Conf      int    `json:"conf"`
	Desc      string `json:"desc"`
	Dyn       int    `json:"dyn"`
	ExtendNew int    `json:"extendNew"`
	ExtendRev int    `json:"extendRev"`
	ID        int64  `json:"id"`
	LrnToday  []int  `json:"lrnToday"`
	Mod       int64  `json:"mod"`
	Name      string `json:"name"`
	NewToday  []int  `json:"newToday"`
	RevToday  []int  `json:"revToday"`
	TimeToday []int  `json:"timeToday"`
	Usn       int    `json:"usn"`
}

func newDeckDef(id, mod int64, name, desc string) deckDef {
	return deckDef{
		Conf: 1, Desc: desc, ExtendNew: 10, ExtendRev: 50, ID: id, Mod: mod, Name: name,
		LrnToday: []int{0, 0}, NewToday: []int{0, 0}, RevToday: []int{0, 0}, TimeToday: []int{0, 0},
	}
}

const latexPre = "\\documentclass[12pt]{article}\n\\special{papersize=3in,5in}\n\\usepackage[utf8]{inputenc}\n" +
	"\\usepackage{amssymb,amsmath}\n\\pagestyle{empty}\n\\setlength{\\parindent}{0in}\n\\begin{document}\n"

// deckConfig is Anki's default scheduling options group.
var deckConfig = map[string]any{
	"1": map[string]any{
		"autoplay": true, "id": 1, "maxTaken": 60, "mod": 0, "name": "Default",
		"replayq": true, "timer": 0, "usn": 0, "dyn": false,
		"new": map[string]any{
			"bury": true, "delays": []int{1, 10}, "initialFactor": 2500,
			"ints": []int{1, 4, 7}, "order": 1, "perDay": 20, "separate": true,
		},
		"lapse": map[string]any{
			"delays": []int{10}, "leechAction": 0, "leechFails": 8, "minInt": 1, "mult": 0,
		},
		"rev": map[string]any{
			"bury": true, "ease4": 1.3, "fuzz": 0.05, "ivlFct": 1, "maxIvl": 36500,
			"minSpace": 1, "perDay": 100,
		},
	},
}

// note is one row of the notes table with its single card.
type note struct {
	id     int64
	guid   string
	tags   []string
	fields []string
}

type collection struct {
	deckID   int64
	modelID  int64
	deckName string
	desc     string
	created  int64 // seconds
	notes    []note
}

// write builds the collection database at path.
func (c collection) write(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open collection: %w", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, collectionSchema); err != nil {
		return fmt.Errorf("create collection schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := c.insertCol(ctx, tx); err != nil {
		return err
	}
	for i, n := range c.notes {
		if err := c.insertNote(ctx, tx, i, n); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit collection: %w", err)
	}
	return db.Close()
}

func (c collection) insertCol(ctx context.Context, tx *sql.Tx) error {
	modelKey := strconv.FormatInt(c.modelID, 10)
	mod := c.created * 1000

	fields := make([]fieldDef, len(fieldNames))
	for i, name := range fieldNames {
		fields[i] = fieldDef{Font: "Arial", Media: []string{}, Name: name, Ord: i, Size: 20}
	}
	model := modelDef{
		CSS: cardCSS, Did: c.deckID, Flds: fields, ID: modelKey,
		LatexPost: "\\end{document}", LatexPre: latexPre,
		Mod: c.created, Name: modelName,
		Req:   [][]any{{0, "any", []int{0}}},
		Tags:  []string{},
		Tmpls: []templateDef{{Afmt: backTemplate, Name: "Card 1", Qfmt: frontTemplate}},
		Usn:   -1, Vers: []int{},
	}

	conf := map[string]any{
		"activeDecks": []int64{c.deckID}, "addToCur": true, "collapseTime": 1200,
		"curDeck": c.deckID, "curModel": modelKey, "dueCounts": true, "estTimes": true,
		"newBury": true, "newSpread": 0, "nextPos": len(c.notes) + 1,
		"sortBackwards": false, "sortType": "noteFld", "timeLim": 0,
	}
	decks := map[string]deckDef{
		strconv.Itoa(defaultDeckID):       newDeckDef(defaultDeckID, c.created, "Default", ""),
		strconv.FormatInt(c.deckID, 10): newDeckDef(c.deckID, c.created, c.deckName, c.desc),
	}

	blobs := make([]string, 0, 4)
	for _, v := range []any{conf, map[string]modelDef{modelKey: model}, decks, deckConfig} {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode collection metadata: %w", err)
		}
		blobs = append(blobs, string(data))
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO col VALUES (1, ?, ?, ?, 11, 0, 0, 0, ?, ?, ?, ?, '{}')`,
		c.created, mod, mod, blobs[0], blobs[1], blobs[2], blobs[3])
	if err != nil {
		return fmt.Errorf("insert col: %w", err)
	}
	return nil
}

func (c collection) insertNote(ctx context.Context, tx *sql.Tx, pos int, n note) error {
	tags := ""
	if len(n.tags) > 0 {
		tags = " " + strings.Join(n.tags, " ") + " "
	}
	sortField := stripHTML(n.fields[0])

	_, err := tx.ExecContext(ctx,
		`INSERT INTO notes VALUES (?, ?, ?, ?, -1, ?, ?, ?, ?, 0, '')`,
		n.id, n.guid, c.modelID, c.created, tags,
		strings.Join(n.fields, "\x1f"), sortField, checksum(sortField))
	if err != nil {
		return fmt.Errorf("insert note %d: %w", pos, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO cards VALUES (?, ?, ?, 0, ?, -1, 0, 0, ?, 0, 0, 0, 0, 0, 0, 0, 0, '')`,
		n.id, n.id, c.deckID, c.created, pos+1)
	if err != nil {
		return fmt.Errorf("insert card %d: %w", pos, err)
	}
	return nil
}

// tempCollectionPath returns a fresh path for a collection database.
func tempCollectionPath() (string, func(), error) {
	dir, err := os.MkdirTemp("", "compendium-deck-*")
	if err != nil {
		return "", nil, fmt.Errorf("create temp dir: %w", err)
	}
	return filepath.Join(dir, "collection.anki2"), func() { os.RemoveAll(dir) }, nil
}
