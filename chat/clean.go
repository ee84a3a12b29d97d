package chat

import (
	"regexp"
	"strings"
)

// FallbackAnswer is returned whenever no grounded answer could be produced:
// empty corpus, no surviving summaries, or an empty generation result.
const FallbackAnswer = "I could not find an answer in the provided documents."

// Generation output is an unstable surface: models echo the question, append
// reference lists, and pad with blank lines. These patterns are best-effort
// heuristics, not a guaranteed upstream contract.
var (
	questionEchoRE = regexp.MustCompile(`(?m)^Question:.*\n`)
	referencesRE   = regexp.MustCompile(`(?s)\n\nReferences.*$`)
	blankRunRE     = regexp.MustCompile(`\n\s*\n`)
)

// CleanAnswer normalizes raw generation output: strips a leading echo of the
// question, strips a trailing references block, collapses blank-line runs,
// and trims. A result that is empty or a known placeholder becomes the
// fallback message.
func CleanAnswer(text string) string {
	if text == "" {
		return FallbackAnswer
	}

	text = questionEchoRE.ReplaceAllString(text, "")
	text = referencesRE.ReplaceAllString(text, "")
	text = blankRunRE.ReplaceAllString(text, "\n\n")
	text = strings.TrimSpace(text)

	if text == "" || isPlaceholder(text) {
		return FallbackAnswer
	}
	return text
}

func isPlaceholder(text string) bool {
	switch strings.ToLower(text) {
	case "none", "null", "n/a":
		return true
	}
	return false
}
