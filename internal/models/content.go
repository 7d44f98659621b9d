package models

// Page is the text of one source page.
type Page struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// Segment is a bounded span of page text, the unit of LLM context.
type Segment struct {
	Index  int    `json:"index"`
	Page   int    `json:"page"`
	Text   string `json:"text"`
	Length int    `json:"length"`
}

// Topic is a subject label, optionally nested under a parent label.
type Topic struct {
	Label  string `json:"label"`
	Parent string `json:"parent,omitempty"`
}

// Path returns the topic as "parent::label", or just the label at the root.
func (t Topic) Path() string {
	if t.Parent == "" {
		return t.Label
	}
	return t.Parent + "::" + t.Label
}

// Question is a generated question tied to its source segment.
type Question struct {
	Text         string `json:"text"`
	Context      string `json:"context,omitempty"`
	Difficulty   string `json:"difficulty,omitempty"`
	SegmentIndex int    `json:"segment_index"`
	Page         int    `json:"page"`
}

// QAPair is a question with its synthesized answer.
type QAPair struct {
	Question     string `json:"question"`
	Answer       string `json:"answer"`
	Explanation  string `json:"explanation,omitempty"`
	Context      string `json:"context,omitempty"`
	Difficulty   string `json:"difficulty,omitempty"`
	SegmentIndex int    `json:"segment_index"`
	Page         int    `json:"page"`
}

// Card is one flashcard of the output deck.
type Card struct {
	Front       string   `json:"front"`
	Back        string   `json:"back"`
	Context     string   `json:"context,omitempty"`
	Explanation string   `json:"explanation,omitempty"`
	Difficulty  string   `json:"difficulty,omitempty"`
	Source      string   `json:"source,omitempty"`
	Tags        []string `json:"tags"`
}
