package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptKeepsLiteralBraces(t *testing.T) {
	p, err := NewPrompt("demo",
		"Reply as JSON like:\n{{.example}}",
		"Text:\n{{.text}}",
		[]string{"text"},
		map[string]any{"example": map[string]any{"topics": []string{"a", "b"}, "nested": map[string]int{"x": 1}}},
	)
	require.NoError(t, err)

	text := `Set notation {x | x > 0} and a template {{.evil}} and {"k": 1}`
	system, user, err := p.Render(map[string]any{"text": text})
	require.NoError(t, err)

	assert.Contains(t, system, `"topics": [`)
	assert.Contains(t, system, `"nested": {`)
	assert.Equal(t, "Text:\n"+text, user, "user values must be inserted verbatim")
}

func TestNewPromptRejectsBadTemplates(t *testing.T) {
	tests := []struct {
		name     string
		system   string
		user     string
		inputs   []string
		examples map[string]any
	}{
		{"unknown variable", "{{.missing}}", "{{.text}}", []string{"text"}, nil},
		{"unused input", "plain", "{{.text}}", []string{"text", "other"}, nil},
		{"unused example", "plain", "{{.text}}", []string{"text"}, map[string]any{"ex": 1}},
		{"broken syntax", "{{.text", "x", []string{"text"}, nil},
		{"raw json in template", `{"a": {{"b": 1}}}`, "{{.text}}", []string{"text"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPrompt("bad", tt.system, tt.user, tt.inputs, tt.examples)
			if err == nil {
				t.Errorf("NewPrompt() error = nil, want error")
			}
		})
	}
}

func TestPromptRenderMissingValue(t *testing.T) {
	p := MustPrompt("demo", "sys", "{{.a}} {{.b}}", []string{"a", "b"}, nil)
	_, _, err := p.Render(map[string]any{"a": "x"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), `"b"`))
}

func TestMustPromptPanics(t *testing.T) {
	assert.Panics(t, func() {
		MustPrompt("bad", "{{.nope}}", "", nil, nil)
	})
}

func TestRenderExample(t *testing.T) {
	assert.Equal(t, "as is", RenderExample("as is"))
	assert.Equal(t, "[\n  \"a\"\n]", RenderExample([]string{"a"}))
}
