package llm

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Reasoning-token patterns, applied in order. Models expose their thinking
// under different tag names; all of it must go before JSON parsing.
var reasoningPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?s)<think>.*?</think>`),
	regexp.MustCompile(`(?s)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?s)<reasoning>.*?</reasoning>`),
	regexp.MustCompile(`(?s)<thought>.*?</thought>`),
	// Unclosed tag: the model ran out of tokens mid-thought. Everything
	// after the opening tag is reasoning.
	regexp.MustCompile(`(?s)<think>.*$`),
	regexp.MustCompile(`(?s)<thinking>.*$`),
}

// StripReasoning removes model reasoning blocks from a response. If
// stripping would leave nothing, the original text is returned: a response
// that is all reasoning still beats an empty string for the fallback
// parsers downstream.
func StripReasoning(text string) string {
	out := text
	for _, p := range reasoningPatterns {
		out = p.ReplaceAllString(out, "")
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return strings.TrimSpace(text)
	}
	return out
}

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// ExtractJSON pulls a JSON payload out of an LLM response. Tries, in order:
// a fenced code block, the outermost {...} span, then the raw trimmed text.
func ExtractJSON(text string) string {
	text = StripReasoning(text)

	if m := fencedJSONRe.FindStringSubmatch(text); m != nil {
		candidate := strings.TrimSpace(m[1])
		if candidate != "" {
			return candidate
		}
	}

	if span := outermostSpan(text, '{', '}'); span != "" {
		return span
	}
	if span := outermostSpan(text, '[', ']'); span != "" {
		return span
	}
	return strings.TrimSpace(text)
}

// outermostSpan returns the substring from the first open delimiter to the
// last close delimiter, when both exist in order.
func outermostSpan(text string, open, close byte) string {
	start := strings.IndexByte(text, open)
	if start < 0 {
		return ""
	}
	end := strings.LastIndexByte(text, close)
	if end <= start {
		return ""
	}
	return text[start : end+1]
}

// Score prefixes models like to add despite instructions.
var scorePrefixes = []string{"score:", "rating:", "similarity:", "confidence:", "answer:"}

var numberRe = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// ParseScore reads a 0..1 score from an LLM response. Tolerates label
// prefixes and surrounding prose; values outside [0,1] are clamped
// (a model answering "8" out of 10 is treated as malformed, not scaled).
func ParseScore(text string) (float64, error) {
	s := strings.ToLower(strings.TrimSpace(StripReasoning(text)))
	for _, p := range scorePrefixes {
		if strings.HasPrefix(s, p) {
			s = strings.TrimSpace(strings.TrimPrefix(s, p))
		}
	}
	m := numberRe.FindString(s)
	if m == "" {
		return 0, fmt.Errorf("no numeric score in response %q", truncateForErr(text))
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable score %q: %w", m, err)
	}
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return v, nil
}

func truncateForErr(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}
