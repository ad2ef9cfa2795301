package validation

import (
	"regexp"
	"strings"
)

// StopwordMatcher finds configured stop-words in listing text. Matching is
// on word boundaries, not substrings: "копия" must not fire on "скопия".
// Go's \b is ASCII-only, so boundaries are spelled out as
// letter/digit-free context around the word.
type StopwordMatcher struct {
	words    []string
	patterns []*regexp.Regexp
}

// NewStopwordMatcher compiles patterns for the given stop-words.
func NewStopwordMatcher(words []string) *StopwordMatcher {
	m := &StopwordMatcher{
		words:    make([]string, 0, len(words)),
		patterns: make([]*regexp.Regexp, 0, len(words)),
	}
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		p := regexp.MustCompile(`(?:^|[^\p{L}\p{N}])` + regexp.QuoteMeta(w) + `(?:[^\p{L}\p{N}]|$)`)
		m.words = append(m.words, w)
		m.patterns = append(m.patterns, p)
	}
	return m
}

// Match returns the first stop-word found in text and true, or "" and
// false. Text is case-folded before matching.
func (m *StopwordMatcher) Match(text string) (string, bool) {
	text = strings.ToLower(text)
	for i, p := range m.patterns {
		if p.MatchString(text) {
			return m.words[i], true
		}
	}
	return "", false
}
