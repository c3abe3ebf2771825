// Package transcript repairs final STT transcripts against a per-agent
// vocabulary of names the recognizer tends to get wrong, such as product or
// company names.
//
// Correction runs in-process on the joined final text of an utterance. It
// slides n-gram windows over the words and replaces a window with a vocabulary
// term when a [Matcher] reports a match.
package transcript

// Correction records one replacement applied to a transcript.
type Correction struct {
	// Original is the phrase as recognized.
	Original string

	// Corrected is the vocabulary term that replaced it.
	Corrected string

	// Confidence is the matcher score in [0, 1].
	Confidence float64
}

// Result is a transcript after vocabulary correction.
type Result struct {
	// Original is the text as recognized.
	Original string

	// Text is the corrected text. It equals Original when nothing matched.
	Text string

	// Corrections lists the replacements in order of appearance.
	Corrections []Correction
}

// Matcher finds the vocabulary term that a recognized phrase most likely
// stands for.
//
// Implementations must be safe for concurrent use.
type Matcher interface {
	// Match compares phrase against terms. When matched is false, term is
	// phrase unchanged and confidence is 0.
	Match(phrase string, terms []string) (term string, confidence float64, matched bool)
}
