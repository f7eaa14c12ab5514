package processor

import "strings"

// Batch classifications the LLM may return. Anything else falls back to
// exploration, which has the most conservative extraction template.
const (
	ClassExploration    = "exploration"
	ClassImplementation = "implementation"
	ClassDebugging      = "debugging"
	ClassRefactoring    = "refactoring"
)

var knownClassifications = map[string]bool{
	ClassExploration:    true,
	ClassImplementation: true,
	ClassDebugging:      true,
	ClassRefactoring:    true,
}

// normalizeClassification maps an LLM reply onto the schema, defaulting to
// exploration when the reply is anything unexpected.
func normalizeClassification(reply string) string {
	c := strings.ToLower(strings.TrimSpace(reply))
	c = strings.Trim(c, `"'.`)
	if knownClassifications[c] {
		return c
	}
	// Some models answer in a sentence; take the first known word.
	for _, f := range strings.Fields(c) {
		f = strings.Trim(f, `"'.,:`)
		if knownClassifications[f] {
			return f
		}
	}
	return ClassExploration
}

const classificationSystemPrompt = `You classify a coding-agent work session into exactly one category.

Categories:
- exploration: reading code, searching, answering questions, no lasting changes
- implementation: writing new features or functionality
- debugging: diagnosing and fixing failures or incorrect behavior
- refactoring: restructuring existing code without changing behavior

Reply with only the category name.`

const extractionSystemPrompt = `You extract durable observations from a coding-agent work session. An observation is a fact a future session would benefit from knowing: a gotcha, a bug fix, a design decision, a discovery about the codebase, or a trade-off that was made.

Rules:
- Only record facts that remain true after the session ends.
- Never record what the agent did step by step; record what was learned.
- Prefer few high-value observations over many trivial ones.

Respond with JSON only:
{"observations": [{"type": "gotcha|bug_fix|decision|discovery|trade_off", "observation": "...", "context": "...", "importance": 1-10, "file_path": "...", "tags": "comma,separated"}]}

Return {"observations": []} if nothing durable was learned.`

// classExtractionHints sharpen the extraction prompt per classification.
var classExtractionHints = map[string]string{
	ClassExploration:    "This was an exploration session. Focus on discoveries about how the codebase works and any surprises encountered.",
	ClassImplementation: "This was an implementation session. Focus on design decisions, trade-offs, and conventions the new code follows.",
	ClassDebugging:      "This was a debugging session. Focus on root causes, the fix applied, and gotchas that made the bug hard to find.",
	ClassRefactoring:    "This was a refactoring session. Focus on the structural decisions and any behavior that must be preserved.",
}

func extractionPrompt(classification string) string {
	hint, ok := classExtractionHints[classification]
	if !ok {
		hint = classExtractionHints[ClassExploration]
	}
	return extractionSystemPrompt + "\n\n" + hint
}

const sessionSummarySystemPrompt = `You summarize a coding-agent session from its prompts and activity. Write 2-4 sentences covering what was worked on, what changed, and anything left unfinished. Write in past tense, no preamble.`

const sessionTitleSystemPrompt = `You write a short title (at most 8 words) for a coding session based on its summary. Reply with only the title, no quotes, no trailing punctuation.`

const planSynthesisSystemPrompt = `You reconstruct the working plan from a coding agent's task-management tool calls. Write the plan as a concise markdown checklist of the tasks, preserving their order and completion state. Reply with only the plan.`
