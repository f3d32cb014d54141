package pipeline

import (
	"time"

	"github.com/JaimeStill/arbiter/internal/documents"
	"github.com/JaimeStill/arbiter/internal/llm"
	"github.com/JaimeStill/arbiter/internal/stages"
)

// Status is the orchestrator's position in the run state machine.
type Status string

const (
	StatusClassifying  Status = "CLASSIFYING"
	StatusStage1       Status = "STAGE1"
	StatusStage2       Status = "STAGE2"
	StatusStage3       Status = "STAGE3"
	StatusFinalized    Status = "FINALIZED"
	StatusBlocked      Status = "BLOCKED"
	StatusDeadLettered Status = "DEAD_LETTERED"
)

// Terminal reports whether the status admits no further transitions.
// Blocked runs are not terminal; they resume.
func (s Status) Terminal() bool {
	return s == StatusFinalized || s == StatusDeadLettered
}

// ExitCode maps a run status to the process exit contract: 0 finalized,
// 2 dead-lettered, 1 anything else.
func (s Status) ExitCode() int {
	switch s {
	case StatusFinalized:
		return 0
	case StatusDeadLettered:
		return 2
	default:
		return 1
	}
}

// statusFor returns the state machine position while a stage executes.
func statusFor(stage stages.Stage) Status {
	switch stage {
	case stages.StageExtract:
		return StatusStage1
	case stages.StageAnalyze:
		return StatusStage2
	case stages.StageSynthesize:
		return StatusStage3
	}
	return StatusClassifying
}

// Alert is a non-fatal observation recorded on the run for later review.
type Alert struct {
	Stage   string    `json:"stage,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// State is the full snapshot of one run: the classified documents, every
// stage attempt, and the accumulated counters. It is owned exclusively by
// the orchestrator and persisted through the checkpoint store after every
// transition; the stored bytes reload into an identical value.
type State struct {
	RunID           string               `json:"run_id"`
	Status          Status               `json:"status"`
	Profile         string               `json:"profile"`
	PromptSignature string               `json:"prompt_signature"`
	Documents       []documents.Document `json:"documents"`
	Results         []stages.Result      `json:"results"`
	Cursor          int                  `json:"cursor"`
	Confidence      float64              `json:"confidence,omitempty"`
	Usage           llm.Usage            `json:"usage"`
	Cost            float64              `json:"cost"`
	Retries         int                  `json:"retries"`
	CacheHits       int                  `json:"cache_hits"`
	Alerts          []Alert              `json:"alerts,omitempty"`
	BlockedGate     string               `json:"blocked_gate,omitempty"`
	BlockedReasons  []string             `json:"blocked_reasons,omitempty"`
	StartedAt       time.Time            `json:"started_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// newState seeds a run at the classification step.
func newState(runID, profile, signature string) *State {
	now := time.Now().UTC()
	return &State{
		RunID:           runID,
		Status:          StatusClassifying,
		Profile:         profile,
		PromptSignature: signature,
		StartedAt:       now,
		UpdatedAt:       now,
	}
}

// Record appends one stage attempt and rolls its counters into the run
// totals. Attempts supersede rather than replace: earlier attempts stay on
// the state for audit, and the cursor increments once per recorded
// transition.
func (s *State) Record(result stages.Result) {
	s.Results = append(s.Results, result)
	s.Cursor++
	s.Usage.Add(result.Usage)
	s.Cost += result.Cost
	s.Retries += result.Retries
	if result.FromCache {
		s.CacheHits++
	}
	s.UpdatedAt = time.Now().UTC()
}

// Alert records a non-fatal observation.
func (s *State) Alert(stage stages.Stage, message string) {
	s.Alerts = append(s.Alerts, Alert{
		Stage:   string(stage),
		Message: message,
		At:      time.Now().UTC(),
	})
}

// Latest returns the newest attempt for a stage, or nil before the first.
func (s *State) Latest(stage stages.Stage) *stages.Result {
	for i := len(s.Results) - 1; i >= 0; i-- {
		if s.Results[i].Stage == stage {
			return &s.Results[i]
		}
	}
	return nil
}

// Attempts counts the recorded attempts for a stage.
func (s *State) Attempts(stage stages.Stage) int {
	n := 0
	for i := range s.Results {
		if s.Results[i].Stage == stage {
			n++
		}
	}
	return n
}

// UpstreamPassed reports whether every upstream stage holds a passing
// latest attempt. A stage may only start when this holds.
func (s *State) UpstreamPassed(stage stages.Stage) bool {
	for _, up := range stage.Upstream() {
		if !s.Latest(up).Passed() {
			return false
		}
	}
	return true
}

// FirstPending returns the first analysis stage whose latest attempt is
// absent or did not pass. Resume re-enters here.
func (s *State) FirstPending() (stages.Stage, bool) {
	if !s.Latest(stages.StageClassify).Passed() {
		return stages.StageClassify, true
	}
	for _, stage := range stages.Sequence() {
		if !s.Latest(stage).Passed() {
			return stage, true
		}
	}
	return "", false
}

// Confidences collects the latest passing confidence per analysis stage for
// the run-level blend.
func (s *State) Confidences() map[stages.Stage]float64 {
	out := make(map[stages.Stage]float64)
	for _, stage := range stages.Sequence() {
		if result := s.Latest(stage); result.Passed() {
			out[stage] = result.Confidence
		}
	}
	return out
}

// Coverage returns the lowest chunk coverage across passing stage attempts;
// 1 when nothing was chunked.
func (s *State) Coverage() float64 {
	coverage := 1.0
	for i := range s.Results {
		r := &s.Results[i]
		if r.Passed() && r.Coverage > 0 && r.Coverage < coverage {
			coverage = r.Coverage
		}
	}
	return coverage
}

// block marks the run fail-closed with the gate and reasons that stopped it.
func (s *State) block(gate string, reasons []string) {
	s.Status = StatusBlocked
	s.BlockedGate = gate
	s.BlockedReasons = reasons
	s.UpdatedAt = time.Now().UTC()
}

// unblock clears a prior block so a resumed run can re-enter its stages.
func (s *State) unblock() {
	s.BlockedGate = ""
	s.BlockedReasons = nil
}

// DeadLetterRecord is the diagnostic snapshot written on a fatal failure:
// the full run state, the error classification, and the failing stage's
// retry history. Written once, read only by operators.
type DeadLetterRecord struct {
	RunID    string        `json:"run_id"`
	Class    ErrorClass    `json:"class"`
	Stage    string        `json:"stage,omitempty"`
	Reason   string        `json:"reason"`
	State    State         `json:"state"`
	Attempts []llm.Attempt `json:"attempts,omitempty"`
	FailedAt time.Time     `json:"failed_at"`
}

// Outcome is the user-facing result of a run. Blocked outcomes name the
// failing gate and its reasons; dead-lettered outcomes carry the error
// class and run id, never raw provider text.
type Outcome struct {
	RunID      string          `json:"run_id"`
	Status     Status          `json:"status"`
	Decision   stages.Decision `json:"decision,omitempty"`
	Confidence float64         `json:"confidence"`
	Gate       string          `json:"gate,omitempty"`
	Reasons    []string        `json:"reasons,omitempty"`
	Class      ErrorClass      `json:"class,omitempty"`
	Alerts     []Alert         `json:"alerts,omitempty"`
	Usage      llm.Usage       `json:"usage"`
	Cost       float64         `json:"cost"`
	CacheHits  int             `json:"cache_hits"`
}

// ExitCode returns the process exit code for this outcome.
func (o *Outcome) ExitCode() int {
	return o.Status.ExitCode()
}
