package stages

import "strings"

// TieBreak selects how two disagreeing consensus calls resolve.
type TieBreak string

const (
	// TieBreakPreferLonger keeps the longer value, which in practice
	// carries the fuller evidence span.
	TieBreakPreferLonger TieBreak = "prefer_longer"
	// TieBreakPreferConfident keeps the higher-confidence value.
	TieBreakPreferConfident TieBreak = "prefer_confident"
	// TieBreakEscalate refuses to pick and queues the field for review.
	TieBreakEscalate TieBreak = "escalate"
)

// Valid reports whether t names a known policy.
func (t TieBreak) Valid() bool {
	switch t {
	case TieBreakPreferLonger, TieBreakPreferConfident, TieBreakEscalate:
		return true
	}
	return false
}

// Resolve reconciles two independent extractions of the same critical field.
// Agreement on the normalized value keeps the higher-confidence variant.
// Disagreement falls to the tie-break policy; under TieBreakEscalate the
// error is ErrConsensusDiverged and the caller marks the field for review.
func Resolve(first, second Field, policy TieBreak) (Field, error) {
	if Normalize(first.Value) == Normalize(second.Value) {
		if second.Confidence > first.Confidence {
			return second, nil
		}
		return first, nil
	}

	switch policy {
	case TieBreakPreferConfident:
		if second.Confidence > first.Confidence {
			return second, nil
		}
		return first, nil

	case TieBreakEscalate:
		return Field{}, ErrConsensusDiverged

	default:
		if len(strings.TrimSpace(second.Value)) > len(strings.TrimSpace(first.Value)) {
			return second, nil
		}
		return first, nil
	}
}
