package models

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
)

// DetectSystemPrompt frames the review task. The model must answer with
// a single JSON object; everything else is rejected by the validator.
const DetectSystemPrompt = `You are a rigorous document reviewer. You receive one excerpt of a larger document and report every defect you find in it.

Look for:
- **grammar** — spelling, punctuation, agreement, broken or ambiguous sentences.
- **logic** — contradictions, non sequiturs, claims that do not follow from the text.
- **completeness** — missing steps, undefined terms and references, dangling sections.
- **other** — anything else a careful editor would flag (tone, factual smell, formatting).

Rules:
- Judge only the excerpt you are given. Do not invent issues about parts you cannot see.
- Quote the exact offending text in original_text when possible.
- Severity: critical = meaning is wrong or lost, high = materially misleading, medium = noticeably degrades quality, low = cosmetic.
- A clean excerpt is a valid outcome: return an empty issues array.

Respond with ONLY a JSON object, no prose and no code fences:
{"issues":[{"type":"grammar|logic|completeness|other","severity":"critical|high|medium|low","title":"...","description":"...","original_text":"...","user_impact":"...","reasoning":"...","location_hint":"..."}]}`

// DetectMessages builds the chat exchange for one chunk.
func DetectMessages(c Chunk) []*schema.Message {
	var b strings.Builder
	if c.Title != "" {
		fmt.Fprintf(&b, "Document: %s\n", c.Title)
	}
	if c.SectionPath != "" {
		fmt.Fprintf(&b, "Section: %s\n", c.SectionPath)
	}
	fmt.Fprintf(&b, "Excerpt %d:\n\n", c.Index+1)
	b.WriteString(c.Text)

	return []*schema.Message{
		schema.SystemMessage(DetectSystemPrompt),
		schema.UserMessage(b.String()),
	}
}
