package stages

import (
	"testing"

	"github.com/raphaelgruber/compendium/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptsRender(t *testing.T) {
	literal := `Sets like {x | x > 0} and JSON {"k": [1]} and {{.title}}`

	tests := []struct {
		name       string
		prompt     *llm.Prompt
		values     map[string]any
		wantSystem []string
		wantUser   []string
	}{
		{
			name:   "topic extraction",
			prompt: topicPrompt,
			values: map[string]any{"title": "Bio", "page": 3, "chunk_text": literal},
			wantSystem: []string{
				`"Cellular respiration",`,
				"JSON array of topic strings",
			},
			wantUser: []string{"**Page:** 3", literal},
		},
		{
			name:   "topic refinement",
			prompt: refinePrompt,
			values: map[string]any{"raw_topics": "- a\n- b", "title": "Bio", "page_range": "Pages 1-3"},
			wantSystem: []string{
				`"refined_topics": [`,
				`"topic_hierarchy": {`,
			},
			wantUser: []string{"- a\n- b", "Pages 1-3"},
		},
		{
			name:   "tag generation",
			prompt: tagPrompt,
			values: map[string]any{
				"topics": "- x", "title": "Bio", "subject": "Biology", "chapter": literal,
				"custom_tags": "exam", "include_difficulty": true,
			},
			wantSystem: []string{`"tags": [`, `"biology::cell_respiration"`},
			wantUser:   []string{"- Subject: Biology", "- Include difficulty tags: true", literal},
		},
		{
			name:   "question generation",
			prompt: questionPrompt,
			values: map[string]any{
				"chunk_text": literal, "topics": "- x", "language": "German",
				"difficulty_mix": "hard_heavy", "custom_instructions": "(none)", "num_questions": 5,
			},
			wantSystem: []string{`"question": "What molecule`, `"difficulty": "easy"`},
			wantUser:   []string{"Generate 5 flashcard questions", "- Language: German", literal},
		},
		{
			name:   "answer synthesis",
			prompt: answerPrompt,
			values: map[string]any{
				"question": "What is ATP?", "context": "energy", "chunk_text": literal,
				"language": "English", "answer_style": "bullet_points", "include_explanation": false,
			},
			wantSystem: []string{`"difficulty_rating": "easy"`},
			wantUser:   []string{"What is ATP?", "- Answer Style: bullet_points", "- Include Explanation: false", literal},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			system, user, err := tt.prompt.Render(tt.values)
			require.NoError(t, err)
			for _, s := range tt.wantSystem {
				assert.Contains(t, system, s)
			}
			for _, s := range tt.wantUser {
				assert.Contains(t, user, s)
			}
		})
	}
}
