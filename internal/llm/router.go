package llm

// Criticality classifies how much model capability a stage needs.
type Criticality string

const (
	// CriticalityRoutine routes to the cheaper, faster model.
	CriticalityRoutine Criticality = "ROUTINE"
	// CriticalityCritical routes to the stronger model.
	CriticalityCritical Criticality = "CRITICAL"
)

// ModelRef identifies one routed model plus the limits requests to it obey.
type ModelRef struct {
	Provider      string `toml:"provider"`
	Model         string `toml:"model"`
	ContextWindow int    `toml:"context_window"`
	TPM           int    `toml:"tpm"`
}

// Key is the rate-gate grouping key for this model.
func (m ModelRef) Key() string {
	return m.Provider + "/" + m.Model
}

// RouterOptions is the static routing table. Per-stage overrides win over
// the criticality defaults; with Hybrid off everything routes to the
// critical model.
type RouterOptions struct {
	Hybrid   bool                `toml:"hybrid"`
	Routine  ModelRef            `toml:"routine"`
	Critical ModelRef            `toml:"critical"`
	Stages   map[string]ModelRef `toml:"stages"`
}

// Router maps (stage, criticality) to a provider and model. It never
// mutates state and is consulted once per stage attempt.
type Router struct {
	opts RouterOptions
}

// NewRouter creates a router over the given table.
func NewRouter(opts RouterOptions) *Router {
	return &Router{opts: opts}
}

// Route resolves the model for a stage attempt.
func (r *Router) Route(stage string, crit Criticality) ModelRef {
	base := r.opts.Critical
	if r.opts.Hybrid && crit == CriticalityRoutine {
		base = r.opts.Routine
	}

	if override, ok := r.opts.Stages[stage]; ok && override.Model != "" {
		if override.Provider == "" {
			override.Provider = base.Provider
		}
		if override.ContextWindow == 0 {
			override.ContextWindow = base.ContextWindow
		}
		if override.TPM == 0 {
			override.TPM = base.TPM
		}
		return override
	}

	return base
}

// Limits collects the token-per-minute limits of every routed model, keyed
// for the rate gate.
func (r *Router) Limits() map[string]int {
	limits := make(map[string]int)

	add := func(ref ModelRef) {
		if ref.Model != "" && ref.TPM > 0 {
			limits[ref.Key()] = ref.TPM
		}
	}

	add(r.opts.Routine)
	add(r.opts.Critical)
	for stage := range r.opts.Stages {
		add(r.Route(stage, CriticalityCritical))
	}

	return limits
}
