package tokens

import "unicode/utf8"

// Estimate returns a deterministic token estimate for text. The
// four-runes-per-token heuristic matches the provider-independent fallback
// used when no tokenizer is available; determinism here is load-bearing,
// since chunk boundaries and cache keys both derive from it.
func Estimate(text string) int {
	if text == "" {
		return 0
	}

	n := utf8.RuneCountInString(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}
