package llm

import "fmt"

const classificationSystemPrompt = `You classify short personal memories into cognitive sectors.
Sectors:
- episodic: events and experiences tied to a time or place
- semantic: facts, preferences and general knowledge
- procedural: how-to knowledge, habits and routines
- emotional: feelings, moods and sentiment
- reflective: insights, goals and self-assessment
Reply with a single JSON object mapping every sector to a confidence between 0 and 1.
No prose, no code fences.`

// classificationPrompt builds the single-string prompt used by completion
// style providers.
func classificationPrompt(content string) string {
	return fmt.Sprintf("%s\n\nMemory:\n%s\n\nJSON:", classificationSystemPrompt, content)
}
