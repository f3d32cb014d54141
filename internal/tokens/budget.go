package tokens

// Budget bounds the input prepared for a single model call.
type Budget struct {
	// Window is the model's context window in tokens.
	Window int
	// Ratio is the fraction of the window available to input text.
	Ratio float64
	// Overlap is the token count repeated between consecutive segments.
	Overlap int
	// MaxSegments caps the plan length; 0 means unbounded. When the cap
	// drops source content, the plan's coverage ratio records the loss and
	// the coverage gate decides whether the run may proceed.
	MaxSegments int
}

// Ceiling returns the per-segment token limit.
func (b Budget) Ceiling() int {
	c := int(float64(b.Window) * b.Ratio)
	if c < 1 {
		c = 1
	}
	return c
}

// effectiveOverlap clamps the configured overlap so segment packing always
// makes forward progress.
func (b Budget) effectiveOverlap() int {
	ceiling := b.Ceiling()
	if b.Overlap < 0 {
		return 0
	}
	if b.Overlap > ceiling/2 {
		return ceiling / 2
	}
	return b.Overlap
}
