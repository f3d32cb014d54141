package llm

// Price holds per-million-token costs for one model. Models without a
// configured price accumulate zero cost rather than failing.
type Price struct {
	InputPerMTok  float64 `toml:"input_per_mtok"`
	OutputPerMTok float64 `toml:"output_per_mtok"`
}

// Cost converts metered usage into currency units.
func (p Price) Cost(usage Usage) float64 {
	return float64(usage.InputTokens)/1e6*p.InputPerMTok +
		float64(usage.OutputTokens)/1e6*p.OutputPerMTok
}
