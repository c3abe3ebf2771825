package pipeline

import "strings"

// splitSentences breaks text into sentences so synthesis can start on the
// first one while the rest is still queued. Boundaries are '.', '!' or '?'
// followed by whitespace. Fragments without a boundary are kept whole.
func splitSentences(text string) []string {
	var out []string
	rest := strings.TrimSpace(text)
	for rest != "" {
		idx := firstSentenceBoundary(rest)
		if idx < 0 {
			out = append(out, rest)
			break
		}
		out = append(out, rest[:idx+1])
		rest = strings.TrimLeft(rest[idx+1:], " \t\n\r")
	}
	return out
}

// firstSentenceBoundary returns the index of the first '.', '!', or '?'
// immediately followed by whitespace, or -1.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}
