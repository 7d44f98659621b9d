package stages

import "github.com/raphaelgruber/compendium/internal/llm"

var topicPrompt = llm.MustPrompt("topic_extraction",
	`You are an expert at identifying key topics and concepts in academic text.

Your goal is to extract the main topics, themes, and concepts that would be useful for creating study flashcards.

Guidelines:
1. Focus on concepts that can be tested with flashcards
2. Include both broad themes and specific terms
3. Prioritize topics that are clearly defined in the text
4. Avoid overly generic topics like "introduction" or "conclusion"
5. Aim for 3-10 topics depending on text complexity

Output Format: a JSON array of topic strings, for example:
{{.example}}`,
	`**Document:** {{.title}}
**Page:** {{.page}}

**Source Text:**
{{.chunk_text}}

Extract the key topics from this text. Return only the JSON array.`,
	[]string{"title", "page", "chunk_text"},
	map[string]any{"example": []string{"Cellular respiration", "Krebs cycle", "ATP synthase"}},
)

var refinePrompt = llm.MustPrompt("topic_refinement",
	`You are an expert at organizing and refining educational topics.

Your goal is to consolidate, deduplicate, and organize topics extracted from multiple text chunks.

Guidelines:
1. Merge similar or duplicate topics
2. Create hierarchies where appropriate (parent-child relationships, two levels at most)
3. Remove overly generic or redundant topics
4. Ensure topics are specific and testable
5. Keep the total count reasonable (5-15 refined topics)

Output Format: a JSON object, for example:
{{.example}}`,
	`**Extracted Topics from Multiple Chunks:**
{{.raw_topics}}

**Document Context:**
{{.title}}
{{.page_range}}

Refine these topics into a clean, organized structure. Return only the JSON object.`,
	[]string{"raw_topics", "title", "page_range"},
	map[string]any{"example": map[string]any{
		"refined_topics": []string{"Cellular respiration", "Glycolysis"},
		"topic_hierarchy": map[string][]string{
			"Cellular respiration": {"Glycolysis", "Krebs cycle"},
		},
	}},
)

var tagPrompt = llm.MustPrompt("tag_generation",
	`You are an expert at creating hierarchical tags for organizing flashcards.

Your goal is to generate Anki-compatible tags that help students organize and filter their study materials.

Anki Tag Guidelines:
1. Use lowercase with underscores (e.g., "machine_learning")
2. Use :: for hierarchies (e.g., "biology::cell_structure")
3. Avoid special characters except :: and _
4. Keep tags concise (1-3 words)
5. Include subject, topic, difficulty, and chapter tags where applicable

Output Format: a JSON object, for example:
{{.example}}`,
	`**Topics:**
{{.topics}}

**Document Metadata:**
- Title: {{.title}}
- Subject: {{.subject}}
- Chapter/Section: {{.chapter}}

**User Preferences:**
- Custom tags: {{.custom_tags}}
- Include difficulty tags: {{.include_difficulty}}

Generate appropriate Anki tags. Return only the JSON object.`,
	[]string{"topics", "title", "subject", "chapter", "custom_tags", "include_difficulty"},
	map[string]any{"example": map[string]any{
		"tags":          []string{"biology", "biology::cell_respiration"},
		"tag_hierarchy": map[string][]string{"biology": {"cell_respiration"}},
	}},
)

var questionPrompt = llm.MustPrompt("question_generation",
	`You are an expert educator creating high-quality Anki flashcards for university students.

Your goal is to generate questions that promote active recall and spaced repetition learning.

Flashcard Best Practices:
1. **Atomic Facts**: One concept per question
2. **Active Recall**: Test retrieval, not recognition
3. **Clarity**: Unambiguous wording
4. **Conciseness**: No unnecessary verbosity
5. **Avoid**: "List all..." or "Describe everything about..."

Question Types to Use:
- Definition questions ("What is X?")
- Cause-effect ("What causes X?")
- Comparison ("How does X differ from Y?")
- Application ("When would you use X?")
- Conceptual ("Why is X important?")

Output Format: a JSON array of objects, for example:
{{.example}}`,
	`**Source Text:**
{{.chunk_text}}

**Topics:**
{{.topics}}

**Settings:**
- Language: {{.language}}
- Difficulty Mix: {{.difficulty_mix}}
- Custom Instructions: {{.custom_instructions}}

Generate {{.num_questions}} flashcard questions. Return only the JSON array.`,
	[]string{"chunk_text", "topics", "language", "difficulty_mix", "custom_instructions", "num_questions"},
	map[string]any{"example": []map[string]string{{
		"question":   "What molecule is the main energy currency of the cell?",
		"context":    "Cellular respiration",
		"difficulty": "easy",
	}}},
)

var answerPrompt = llm.MustPrompt("question_answering",
	`You are an expert educator creating clear, accurate answers for university-level flashcards.

Your goal is to provide concise, factually correct answers that facilitate effective learning.

Answer Guidelines:
1. **Accuracy**: Provide factually correct information
2. **Conciseness**: Brief but complete (2-4 sentences max)
3. **Clarity**: Use simple, direct language
4. **Self-Contained**: The answer should make sense on its own
5. **No Speculation**: Only use information from the provided context

Output Format: a JSON object, for example:
{{.example}}`,
	`**Question:**
{{.question}}

**Source Context:**
{{.context}}

**Additional Context:**
{{.chunk_text}}

**Settings:**
- Language: {{.language}}
- Answer Style: {{.answer_style}}
- Include Explanation: {{.include_explanation}}

Generate the answer. Return only the JSON object.`,
	[]string{"question", "context", "chunk_text", "language", "answer_style", "include_explanation"},
	map[string]any{"example": map[string]string{
		"answer":            "ATP (adenosine triphosphate).",
		"explanation":       "ATP stores energy in its phosphate bonds.",
		"difficulty_rating": "easy",
	}},
)
