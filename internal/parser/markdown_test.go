package parser

import (
	"strings"
	"testing"
)

func TestParseMarkdown(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantTitle string
		wantTags  int
		wantBody  string
	}{
		{
			name:      "frontmatter title wins",
			content:   "---\ntitle: Cell Biology\ntags: [bio, cells]\n---\n# Ignored\nBody text",
			wantTitle: "Cell Biology",
			wantTags:  2,
			wantBody:  "# Ignored\nBody text",
		},
		{
			name:      "h1 fallback",
			content:   "# Thermodynamics\n\nHeat flows.",
			wantTitle: "Thermodynamics",
			wantBody:  "# Thermodynamics\n\nHeat flows.",
		},
		{
			name:      "broken yaml keeps body",
			content:   "---\ntitle: [unclosed\n---\nStill here",
			wantTitle: "",
			wantBody:  "Still here",
		},
		{
			name:      "crlf input",
			content:   "---\r\nsubject: Physics\r\n---\r\nText",
			wantTitle: "",
			wantBody:  "Text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fm, body := ParseMarkdown(tt.content)
			if fm.Title != tt.wantTitle {
				t.Errorf("ParseMarkdown() title = %q, want %q", fm.Title, tt.wantTitle)
			}
			if len(fm.Tags) != tt.wantTags {
				t.Errorf("ParseMarkdown() tags = %v, want %d", fm.Tags, tt.wantTags)
			}
			if strings.TrimSpace(body) != tt.wantBody {
				t.Errorf("ParseMarkdown() body = %q, want %q", body, tt.wantBody)
			}
		})
	}
}
