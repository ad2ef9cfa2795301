package validation

import (
	"strings"
	"unicode"
)

// homoglyphs maps Cyrillic letters to the Latin letters they are visually
// identical to. Sellers routinely mix alphabets inside part numbers, so
// "СВ443" and "CB443" must compare equal.
var homoglyphs = map[rune]rune{
	'а': 'a',
	'в': 'b',
	'е': 'e',
	'к': 'k',
	'м': 'm',
	'н': 'h',
	'о': 'o',
	'р': 'p',
	'с': 'c',
	'т': 't',
	'у': 'y',
	'х': 'x',
}

// NormalizeForMatch case-folds, maps Cyrillic homoglyphs to Latin, and
// strips everything that is not a letter or digit.
func NormalizeForMatch(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	for _, r := range strings.ToLower(s) {
		if mapped, ok := homoglyphs[r]; ok {
			r = mapped
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ContainsNormalized reports whether needle appears in haystack after both
// sides are normalized.
func ContainsNormalized(haystack, needle string) bool {
	n := NormalizeForMatch(needle)
	if n == "" {
		return true
	}
	return strings.Contains(NormalizeForMatch(haystack), n)
}
