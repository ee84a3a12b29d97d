package ingestion

import (
	"strings"
	"unicode"
)

// SplitText splits text into overlapping windows of at most budget characters.
// Windows are built from whole sentences: a sentence is never cut, and a
// single sentence longer than the budget becomes its own oversized chunk.
// Overlap carries trailing sentences of the previous window (up to overlap
// characters) into the next one so no context is lost at boundaries.
//
// Sentences partition the input exactly, so the concatenation of all chunks
// contains every character of the source at least once.
func SplitText(text string, budget, overlap int) []string {
	if budget <= 0 {
		budget = 1000
	}
	if overlap < 0 || overlap >= budget {
		overlap = budget / 5
	}

	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	chunks := make([]string, 0)
	window := make([]string, 0)
	windowLen := 0
	fresh := 0

	emit := func() {
		chunk := strings.Join(window, "")
		if strings.TrimSpace(chunk) != "" {
			chunks = append(chunks, chunk)
		}

		// Seed the next window with trailing sentences within the overlap
		// budget, newest first.
		carried := make([]string, 0)
		carriedLen := 0
		for i := len(window) - 1; i >= 0; i-- {
			if carriedLen+len(window[i]) > overlap {
				break
			}
			carried = append([]string{window[i]}, carried...)
			carriedLen += len(window[i])
		}
		window = carried
		windowLen = carriedLen
		fresh = 0
	}

	for _, sentence := range sentences {
		if windowLen+len(sentence) > budget && fresh > 0 {
			emit()
		}
		// An oversized sentence still lands in its own window rather than
		// being truncated; drop any carried overlap first so the window is
		// exactly that sentence.
		if len(sentence) > budget && fresh == 0 {
			window = window[:0]
			windowLen = 0
		}
		window = append(window, sentence)
		windowLen += len(sentence)
		fresh++
	}

	if fresh > 0 {
		chunk := strings.Join(window, "")
		if strings.TrimSpace(chunk) != "" {
			chunks = append(chunks, chunk)
		}
	}

	return chunks
}

// splitSentences partitions text into sentences, preserving every character.
// A sentence ends after '.', '!' or '?' (plus any closing quotes) followed by
// whitespace; the trailing whitespace belongs to the sentence.
func splitSentences(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	runes := []rune(text)
	sentences := make([]string, 0)
	start := 0

	i := 0
	for i < len(runes) {
		r := runes[i]
		if r == '.' || r == '!' || r == '?' {
			j := i + 1
			for j < len(runes) && (runes[j] == '"' || runes[j] == '\'' || runes[j] == ')' || runes[j] == ']') {
				j++
			}
			if j >= len(runes) || unicode.IsSpace(runes[j]) {
				for j < len(runes) && unicode.IsSpace(runes[j]) {
					j++
				}
				sentences = append(sentences, string(runes[start:j]))
				start = j
				i = j
				continue
			}
		}
		i++
	}

	if start < len(runes) {
		sentences = append(sentences, string(runes[start:]))
	}

	return sentences
}
