// Package phonetic implements [transcript.Matcher] with Double Metaphone
// encoding and Jaro-Winkler similarity.
//
// A term is a phonetic candidate when any Double Metaphone code of the
// phrase overlaps any code of the term. Candidates are ranked by their best
// Jaro-Winkler score and accepted above the phonetic threshold. When no term
// sounds alike, pure string similarity is tried against a stricter fuzzy
// threshold.
//
// Multi-word terms such as "Premium Plus" are compared word by word, and
// recognizer splits such as "zen desk" for "Zendesk" are compared joined.
package phonetic

import (
	"strings"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85

	// minLengthRatio rejects terms much longer or shorter than the phrase,
	// such as "zen" against "Zendesk".
	minLengthRatio = 0.6

	// minSplitRatio is the stricter bound for phrases whose word count
	// differs from the term's.
	minSplitRatio = 0.85
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a term that
// sounds like the phrase. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a term that
// does not sound like the phrase. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a Matcher configured with opts.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match returns the term most similar to phrase. Phonetic candidates always
// beat fuzzy ones; ties keep the earlier term.
//
// A phrase with as many words as the term is scored word by word and takes
// its weakest pair. A phrase with a different word count is treated as a
// split or merged term: the words are joined, the letter counts must nearly
// agree and the joined strings must sound alike.
func (m *Matcher) Match(phrase string, terms []string) (term string, confidence float64, matched bool) {
	lower := strings.ToLower(strings.TrimSpace(phrase))
	if len(terms) == 0 || lower == "" {
		return phrase, 0, false
	}
	tokens := strings.Fields(lower)
	joined := strings.Join(tokens, "")
	codes := codesForTokens(tokens)

	var (
		best      string
		bestScore float64
		phonetic  bool
	)
	for _, t := range terms {
		termTokens := strings.Fields(strings.ToLower(t))
		if len(termTokens) == 0 {
			continue
		}
		termJoined := strings.Join(termTokens, "")

		var score float64
		var alike bool
		if len(tokens) == len(termTokens) {
			if lengthRatio(joined, termJoined) < minLengthRatio {
				continue
			}
			score = pairwiseScore(tokens, termTokens)
			alike = codesOverlap(codes, codesForTokens(termTokens))
		} else {
			if lengthRatio(joined, termJoined) < minSplitRatio {
				continue
			}
			alike = codesOverlap(codesForTokens([]string{joined}), codesForTokens([]string{termJoined}))
			if !alike {
				continue
			}
			score = matchr.JaroWinkler(joined, termJoined, false)
		}

		switch {
		case alike:
			if score >= m.phoneticThreshold && (!phonetic || score > bestScore) {
				best, bestScore, phonetic = t, score, true
			}
		case !phonetic && score >= m.fuzzyThreshold && score > bestScore:
			best, bestScore = t, score
		}
	}

	if best == "" {
		return phrase, 0, false
	}
	return best, bestScore, true
}

// codesForTokens returns the union of the primary and secondary Double
// Metaphone codes of tokens, without empty codes.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// pairwiseScore is the lowest Jaro-Winkler similarity of the words at the
// same position. a and b have the same length.
func pairwiseScore(a, b []string) float64 {
	score := 1.0
	for i := range a {
		score = min(score, matchr.JaroWinkler(a[i], b[i], false))
	}
	return score
}

// lengthRatio is the rune count of the shorter string over the longer one.
func lengthRatio(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	if la == 0 || lb == 0 {
		return 0
	}
	return float64(min(la, lb)) / float64(max(la, lb))
}
