package parser

import (
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// FrontMatter is the YAML header of a Markdown source.
type FrontMatter struct {
	Title   string   `yaml:"title"`
	Subject string   `yaml:"subject"`
	Chapter string   `yaml:"chapter"`
	Tags    []string `yaml:"tags"`
}

var h1Regex = regexp.MustCompile(`(?m)^#\s+(.+)$`)

// ParseMarkdown strips the frontmatter from a Markdown document and returns
// it with the remaining body. Broken YAML yields empty frontmatter and the
// body is still returned.
func ParseMarkdown(content string) (FrontMatter, string) {
	var fm FrontMatter
	content = strings.ReplaceAll(content, "\r\n", "\n")

	body := content
	if strings.HasPrefix(content, "---\n") {
		endIdx := strings.Index(content[4:], "\n---")
		if endIdx >= 0 {
			header := content[4 : 4+endIdx]
			body = strings.TrimPrefix(content[4+endIdx+4:], "\n")
			if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
				fm = FrontMatter{}
			}
		}
	}

	if fm.Title == "" {
		if match := h1Regex.FindStringSubmatch(body); len(match) > 1 {
			fm.Title = strings.TrimSpace(match[1])
		}
	}
	return fm, body
}
