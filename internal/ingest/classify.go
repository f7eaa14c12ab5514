package ingest

import (
	"strings"

	"github.com/oakci/oak/internal/models"
)

// Agent frontends inject synthetic prompts: interruption notices, caveat
// banners, plan continuations. Those must not be extracted as if a human
// typed them, so batches are tagged with a source type at creation.

var agentNotificationMarkers = []string{
	"[Request interrupted",
	"API Error:",
	"Credit balance is too low",
	"Prompt is too long",
}

var systemMarkers = []string{
	"Caveat: The messages below were generated by the user while running local commands",
	"<system-reminder>",
	"<command-name>",
	"<local-command-stdout>",
}

var planMarkers = []string{
	"Implement the following plan",
	"continue with the plan",
	"Continue implementing the plan",
	"User has approved your plan",
}

// ClassifyPromptSource tags a prompt by what produced it. Defaults to a
// real user prompt.
func ClassifyPromptSource(prompt string) models.SourceType {
	trimmed := strings.TrimSpace(prompt)
	for _, m := range agentNotificationMarkers {
		if strings.Contains(trimmed, m) {
			return models.SourceTypeAgentNotification
		}
	}
	for _, m := range systemMarkers {
		if strings.Contains(trimmed, m) {
			return models.SourceTypeSystem
		}
	}
	for _, m := range planMarkers {
		if strings.Contains(trimmed, m) {
			return models.SourceTypePlan
		}
	}
	return models.SourceTypeUser
}
