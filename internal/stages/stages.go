// Package stages defines the analysis workflow's stage identifiers, the
// typed payload variant each stage produces, and the scoring rules that
// convert payload quality into confidence values. Payloads are dispatched
// by stage id, never by inspecting response shape.
package stages

import (
	"encoding/json"
	"time"

	"github.com/JaimeStill/arbiter/internal/llm"
)

// Stage identifies one step of the analysis workflow.
type Stage string

const (
	StageClassify   Stage = "classify"
	StageExtract    Stage = "extract"
	StageAnalyze    Stage = "analyze"
	StageSynthesize Stage = "synthesize"
)

// Sequence returns the analysis stages in execution order. Classification
// precedes the sequence as a batch-level step.
func Sequence() []Stage {
	return []Stage{StageExtract, StageAnalyze, StageSynthesize}
}

// Valid reports whether s names a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageClassify, StageExtract, StageAnalyze, StageSynthesize:
		return true
	}
	return false
}

// Index returns the 1-based position of an analysis stage; classification
// is 0.
func (s Stage) Index() int {
	switch s {
	case StageExtract:
		return 1
	case StageAnalyze:
		return 2
	case StageSynthesize:
		return 3
	}
	return 0
}

// Upstream returns the stages that must hold a PASS verdict before s may
// start.
func (s Stage) Upstream() []Stage {
	switch s {
	case StageAnalyze:
		return []Stage{StageExtract}
	case StageSynthesize:
		return []Stage{StageExtract, StageAnalyze}
	}
	return nil
}

// Criticality returns the routing class: classification is routine, the
// analysis stages are critical.
func (s Stage) Criticality() llm.Criticality {
	if s == StageClassify {
		return llm.CriticalityRoutine
	}
	return llm.CriticalityCritical
}

// Verdict is a gate's decision on a stage result.
type Verdict string

const (
	// VerdictPass clears the stage for downstream progression.
	VerdictPass Verdict = "PASS"
	// VerdictRetry requests another attempt with a refined request.
	VerdictRetry Verdict = "RETRY"
	// VerdictBlock halts the run fail-closed; resumable after operator action.
	VerdictBlock Verdict = "BLOCK"
	// VerdictEscalate queues the result for human review without halting.
	VerdictEscalate Verdict = "ESCALATE"
)

// Result is the outcome of one stage attempt. Retries supersede rather than
// mutate: every attempt's result stays on the pipeline state for audit.
type Result struct {
	Stage       Stage           `json:"stage"`
	Attempt     int             `json:"attempt"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Verdict     Verdict         `json:"verdict"`
	Gate        string          `json:"gate,omitempty"`
	Reasons     []string        `json:"reasons,omitempty"`
	Confidence  float64         `json:"confidence"`
	Coverage    float64         `json:"coverage,omitempty"`
	Usage       llm.Usage       `json:"usage"`
	Cost        float64         `json:"cost"`
	Retries     int             `json:"retries"`
	FromCache   bool            `json:"from_cache,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Passed reports whether the result cleared its gates.
func (r *Result) Passed() bool {
	return r != nil && r.Verdict == VerdictPass
}
