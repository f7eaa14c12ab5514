package processor

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oakci/oak/internal/models"
)

// truncationMarker is appended wherever the prompt had to be cut to fit the
// context budget.
const truncationMarker = "... (prompt truncated for context budget)"

// batchDigest is the summarization input for one batch: the aggregate view
// the LLM sees instead of raw tool transcripts.
type batchDigest struct {
	ToolNames     []string
	FilesRead     []string
	FilesModified []string
	FilesCreated  []string
	Errors        []string
	Duration      time.Duration
}

// readTools never modify files; writes are attributed by tool name.
var (
	readTools  = map[string]bool{"Read": true, "Grep": true, "Glob": true, "WebFetch": true, "NotebookRead": true, "LS": true}
	writeTools = map[string]bool{"Edit": true, "MultiEdit": true, "NotebookEdit": true}
	// Write both creates and overwrites; counted as created.
	createTools = map[string]bool{"Write": true}
)

func digestActivities(activities []*models.Activity) *batchDigest {
	d := &batchDigest{}
	tools := map[string]bool{}
	read := map[string]bool{}
	modified := map[string]bool{}
	created := map[string]bool{}

	for _, a := range activities {
		tools[a.ToolName] = true
		d.Duration += time.Duration(a.DurationMS) * time.Millisecond
		if !a.Success && a.ErrorMessage != "" {
			d.Errors = append(d.Errors, fmt.Sprintf("%s: %s", a.ToolName, a.ErrorMessage))
		}
		paths := a.FilesAffected
		if len(paths) == 0 && a.FilePath != "" {
			paths = []string{a.FilePath}
		}
		for _, p := range paths {
			switch {
			case readTools[a.ToolName]:
				read[p] = true
			case createTools[a.ToolName]:
				created[p] = true
			case writeTools[a.ToolName]:
				modified[p] = true
			}
		}
	}
	d.ToolNames = sortedKeys(tools)
	d.FilesRead = sortedKeys(read)
	d.FilesModified = sortedKeys(modified)
	d.FilesCreated = sortedKeys(created)
	return d
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// truncate cuts s to max bytes, appending the truncation marker.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "\n" + truncationMarker
}

// renderContext assembles the extraction user prompt under the configured
// budget: activity count first, then prompt chars, then total chars.
func renderContext(batch *models.PromptBatch, activities []*models.Activity, d *batchDigest, maxActivities, maxPromptChars, maxContextChars int) string {
	var b strings.Builder

	b.WriteString("## User prompt\n")
	b.WriteString(truncate(batch.UserPrompt, maxPromptChars))
	b.WriteString("\n\n## Session digest\n")
	fmt.Fprintf(&b, "Tools used: %s\n", strings.Join(d.ToolNames, ", "))
	if len(d.FilesRead) > 0 {
		fmt.Fprintf(&b, "Files read: %s\n", strings.Join(d.FilesRead, ", "))
	}
	if len(d.FilesModified) > 0 {
		fmt.Fprintf(&b, "Files modified: %s\n", strings.Join(d.FilesModified, ", "))
	}
	if len(d.FilesCreated) > 0 {
		fmt.Fprintf(&b, "Files created: %s\n", strings.Join(d.FilesCreated, ", "))
	}
	if len(d.Errors) > 0 {
		fmt.Fprintf(&b, "Errors encountered:\n")
		for _, e := range d.Errors {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	fmt.Fprintf(&b, "Duration: %s\n", d.Duration.Round(time.Second))

	if maxActivities > 0 && len(activities) > maxActivities {
		activities = activities[len(activities)-maxActivities:]
	}
	b.WriteString("\n## Activity log\n")
	for _, a := range activities {
		status := "ok"
		if !a.Success {
			status = "error"
		}
		line := fmt.Sprintf("- [%s] %s %s", status, a.ToolName, oneLine(a.ToolInput, 160))
		if a.ToolOutputSummary != "" {
			line += " -> " + oneLine(a.ToolOutputSummary, 120)
		}
		b.WriteString(line + "\n")
	}

	out := b.String()
	if maxContextChars > 0 && len(out) > maxContextChars {
		out = out[:maxContextChars] + "\n" + truncationMarker
	}
	return out
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
