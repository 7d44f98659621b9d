package llm

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/tmc/langchaingo/prompts"
)

// Prompt is a validated system and user template pair.
//
// Templates use Go template syntax. Example output objects are passed in
// as literals and injected as partial values, so JSON braces in them are
// never read as template actions.
type Prompt struct {
	Name   string
	inputs []string
	system prompts.PromptTemplate
	user   prompts.PromptTemplate
}

// NewPrompt builds a prompt and checks that it renders with every declared
// input set. Every input and every example must be referenced by one of the
// templates.
func NewPrompt(name, system, user string, inputs []string, examples map[string]any) (*Prompt, error) {
	partials := make(map[string]any, len(examples))
	for key, v := range examples {
		partials[key] = RenderExample(v)
	}

	mk := func(tmpl string) prompts.PromptTemplate {
		return prompts.PromptTemplate{
			Template:         tmpl,
			InputVariables:   inputs,
			TemplateFormat:   prompts.TemplateFormatGoTemplate,
			PartialVariables: partials,
		}
	}
	p := &Prompt{Name: name, inputs: inputs, system: mk(system), user: mk(user)}

	both := system + user
	for _, in := range inputs {
		if !strings.Contains(both, "."+in) {
			return nil, fmt.Errorf("prompt %s: input %q is never used", name, in)
		}
	}
	for key := range examples {
		if !strings.Contains(both, "."+key) {
			return nil, fmt.Errorf("prompt %s: example %q is never used", name, key)
		}
	}

	dummy := make(map[string]any, len(inputs))
	for _, in := range inputs {
		dummy[in] = "{x}"
	}
	if _, _, err := p.Render(dummy); err != nil {
		return nil, err
	}
	return p, nil
}

// MustPrompt is like NewPrompt but panics on an invalid template.
func MustPrompt(name, system, user string, inputs []string, examples map[string]any) *Prompt {
	p, err := NewPrompt(name, system, user, inputs, examples)
	if err != nil {
		panic(err)
	}
	return p
}

// Render fills both templates. Values are inserted verbatim.
func (p *Prompt) Render(values map[string]any) (string, string, error) {
	for _, in := range p.inputs {
		if _, ok := values[in]; !ok {
			return "", "", fmt.Errorf("prompt %s: missing value for %q", p.Name, in)
		}
	}
	system, err := p.system.Format(values)
	if err != nil {
		return "", "", fmt.Errorf("prompt %s: render system: %w", p.Name, err)
	}
	user, err := p.user.Format(values)
	if err != nil {
		return "", "", fmt.Errorf("prompt %s: render user: %w", p.Name, err)
	}
	return system, user, nil
}

// RenderExample formats v as indented JSON for use as a literal example in
// a prompt. Strings are returned unchanged.
func RenderExample(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
