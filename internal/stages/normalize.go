package stages

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NFKD so compatibility forms (ordinal indicators, superscripts) fold too,
// not just accented letters.
var foldMarks = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize canonicalizes text for agreement and evidence comparison:
// diacritics folded, lowercased, whitespace runs collapsed to single
// spaces. Two values are "the same" for consensus purposes when their
// normalized forms are equal; evidence matches its source when the
// normalized span is a substring of the normalized source.
func Normalize(s string) string {
	if folded, _, err := transform.String(foldMarks, s); err == nil {
		s = folded
	}
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// EvidenceMatches reports whether an evidence span appears in the source,
// verbatim or as a normalized substring.
func EvidenceMatches(evidence, source string) bool {
	evidence = strings.TrimSpace(evidence)
	if evidence == "" {
		return false
	}
	if strings.Contains(source, evidence) {
		return true
	}
	return strings.Contains(Normalize(source), Normalize(evidence))
}
