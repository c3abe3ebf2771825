package transcript

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/switchboard/internal/transcript/phonetic"
)

// defaultMinLength is the shortest window, in letters, that is matched.
// Shorter windows are mostly function words.
const defaultMinLength = 3

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithMatcher replaces the default phonetic [Matcher].
func WithMatcher(m Matcher) Option {
	return func(c *Corrector) {
		if m != nil {
			c.matcher = m
		}
	}
}

// WithMinLength sets the minimum number of letters a window needs before it
// is matched. Default: 3.
func WithMinLength(n int) Option {
	return func(c *Corrector) { c.minLen = n }
}

// Corrector applies vocabulary correction to transcripts. It is read-only
// after construction and safe for concurrent use.
type Corrector struct {
	matcher Matcher
	minLen  int
}

// New returns a Corrector backed by a [phonetic.Matcher] unless
// [WithMatcher] says otherwise.
func New(opts ...Option) *Corrector {
	c := &Corrector{
		matcher: phonetic.New(),
		minLen:  defaultMinLength,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Correct replaces phrases in text that match a term in vocabulary.
//
// At every word position the longest window is tried first, so multi-word
// terms win over partial single word matches. Windows reach one word past the
// longest term to catch terms the recognizer split in two. Trailing punctuation on the window is kept. A window that
// already spells the term, ignoring case, is left as recognized.
func (c *Corrector) Correct(text string, vocabulary []string) Result {
	res := Result{Original: text, Text: text}
	tokens := strings.Fields(text)
	maxWords := maxWordCount(vocabulary)
	if len(tokens) == 0 || maxWords == 0 {
		return res
	}

	out := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); {
		n := min(maxWords+1, len(tokens)-i)
		consumed := 0
		for ; n >= 1; n-- {
			window, punct := splitTrailing(strings.Join(tokens[i:i+n], " "))
			if letterCount(window) < c.minLen {
				continue
			}
			term, conf, ok := c.matcher.Match(window, vocabulary)
			if !ok {
				continue
			}
			if !strings.EqualFold(window, term) {
				res.Corrections = append(res.Corrections, Correction{
					Original:   window,
					Corrected:  term,
					Confidence: conf,
				})
			}
			out = append(out, term+punct)
			consumed = n
			break
		}
		if consumed == 0 {
			out = append(out, tokens[i])
			consumed = 1
		}
		i += consumed
	}

	if len(res.Corrections) > 0 {
		res.Text = strings.Join(out, " ")
	}
	return res
}

// Keywords returns the distinct multi-letter words of vocabulary, in order.
// They are the recognition hints handed to the STT provider.
func Keywords(vocabulary []string) []string {
	seen := make(map[string]struct{}, len(vocabulary))
	var out []string
	for _, term := range vocabulary {
		for _, w := range strings.Fields(term) {
			key := strings.ToLower(w)
			if _, dup := seen[key]; dup || utf8.RuneCountInString(w) < 2 {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, w)
		}
	}
	return out
}

// splitTrailing separates trailing punctuation from s.
func splitTrailing(s string) (word, punct string) {
	word = strings.TrimRightFunc(s, unicode.IsPunct)
	return word, s[len(word):]
}

func letterCount(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			n++
		}
	}
	return n
}

// maxWordCount returns the word count of the longest non-empty term, or 0
// when vocabulary has none.
func maxWordCount(vocabulary []string) int {
	longest := 0
	for _, term := range vocabulary {
		longest = max(longest, len(strings.Fields(term)))
	}
	return longest
}
