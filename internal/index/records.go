package index

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JaimeStill/arbiter/pkg/query"
	"github.com/JaimeStill/arbiter/pkg/repository"
)

// Run is one pipeline execution as recorded in the index.
type Run struct {
	RunID           string     `json:"run_id"`
	Status          string     `json:"status"`
	Profile         string     `json:"profile,omitempty"`
	PromptSignature string     `json:"prompt_signature,omitempty"`
	Decision        string     `json:"decision,omitempty"`
	Confidence      float64    `json:"confidence"`
	Coverage        float64    `json:"coverage"`
	Documents       int        `json:"documents"`
	InputTokens     int        `json:"input_tokens"`
	OutputTokens    int        `json:"output_tokens"`
	Cost            float64    `json:"cost"`
	Retries         int        `json:"retries"`
	CacheHits       int        `json:"cache_hits"`
	Error           string     `json:"error,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// StageEvent is one stage attempt's outcome.
type StageEvent struct {
	ID           int64     `json:"id"`
	RunID        string    `json:"run_id"`
	Stage        string    `json:"stage"`
	Attempt      int       `json:"attempt"`
	Verdict      string    `json:"verdict"`
	Confidence   float64   `json:"confidence"`
	Coverage     float64   `json:"coverage"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	FromCache    bool      `json:"from_cache"`
	DurationMS   int64     `json:"duration_ms"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// GateEvent is one gate evaluation's outcome.
type GateEvent struct {
	ID          int64     `json:"id"`
	RunID       string    `json:"run_id"`
	Stage       string    `json:"stage"`
	Gate        string    `json:"gate"`
	Verdict     string    `json:"verdict"`
	Reasons     []string  `json:"reasons,omitempty"`
	Escalations []string  `json:"escalations,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// BaselineResult is one baseline case evaluation.
type BaselineResult struct {
	ID         int64     `json:"id"`
	Suite      string    `json:"suite"`
	CaseID     string    `json:"case_id"`
	RunID      string    `json:"run_id,omitempty"`
	Expected   string    `json:"expected"`
	Actual     string    `json:"actual"`
	Passed     bool      `json:"passed"`
	Confidence float64   `json:"confidence"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Summary aggregates the run history for the dashboard.
type Summary struct {
	Runs          int            `json:"runs"`
	ByStatus      map[string]int `json:"by_status"`
	TotalCost     float64        `json:"total_cost"`
	TotalTokens   int            `json:"total_tokens"`
	TotalRetries  int            `json:"total_retries"`
	CacheHits     int            `json:"cache_hits"`
	AvgConfidence float64        `json:"avg_confidence"`
}

// CostPoint is one run's cost with the delta against the previous run.
type CostPoint struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	Cost      float64   `json:"cost"`
	Delta     float64   `json:"delta"`
}

var runProjection = query.
	NewProjectionMap("runs", "r").
	Project("run_id", "RunID").
	Project("status", "Status").
	Project("profile", "Profile").
	Project("prompt_signature", "PromptSignature").
	Project("decision", "Decision").
	Project("confidence", "Confidence").
	Project("coverage", "Coverage").
	Project("documents", "Documents").
	Project("input_tokens", "InputTokens").
	Project("output_tokens", "OutputTokens").
	Project("cost", "Cost").
	Project("retries", "Retries").
	Project("cache_hits", "CacheHits").
	Project("error", "Error").
	Project("started_at", "StartedAt").
	Project("finished_at", "FinishedAt")

var runDefaultSort = query.SortField{
	Field:      "StartedAt",
	Descending: true,
}

// Filters contains optional filtering criteria for run queries.
// Nil fields are ignored. All fields use exact matching.
type Filters struct {
	Status   *string `json:"status,omitempty"`
	Decision *string `json:"decision,omitempty"`
	Profile  *string `json:"profile,omitempty"`
}

// Apply adds filter conditions to a query builder.
func (f Filters) Apply(b *query.Builder) *query.Builder {
	return b.
		WhereEquals("Status", f.Status).
		WhereEquals("Decision", f.Decision).
		WhereEquals("Profile", f.Profile)
}

func scanRun(s repository.Scanner) (Run, error) {
	var r Run
	var started string
	var finished sql.NullString

	err := s.Scan(
		&r.RunID,
		&r.Status,
		&r.Profile,
		&r.PromptSignature,
		&r.Decision,
		&r.Confidence,
		&r.Coverage,
		&r.Documents,
		&r.InputTokens,
		&r.OutputTokens,
		&r.Cost,
		&r.Retries,
		&r.CacheHits,
		&r.Error,
		&started,
		&finished,
	)
	if err != nil {
		return r, err
	}

	if r.StartedAt, err = parseTime(started); err != nil {
		return r, fmt.Errorf("parse started_at: %w", err)
	}

	if finished.Valid {
		t, err := parseTime(finished.String)
		if err != nil {
			return r, fmt.Errorf("parse finished_at: %w", err)
		}
		r.FinishedAt = &t
	}

	return r, nil
}

func scanStageEvent(s repository.Scanner) (StageEvent, error) {
	var e StageEvent
	var fromCache int
	var recorded string

	err := s.Scan(
		&e.ID,
		&e.RunID,
		&e.Stage,
		&e.Attempt,
		&e.Verdict,
		&e.Confidence,
		&e.Coverage,
		&e.InputTokens,
		&e.OutputTokens,
		&e.Cost,
		&fromCache,
		&e.DurationMS,
		&recorded,
	)
	if err != nil {
		return e, err
	}

	e.FromCache = fromCache != 0

	if e.RecordedAt, err = parseTime(recorded); err != nil {
		return e, fmt.Errorf("parse recorded_at: %w", err)
	}

	return e, nil
}

func scanGateEvent(s repository.Scanner) (GateEvent, error) {
	var e GateEvent
	var reasons, escalations []byte
	var recorded string

	err := s.Scan(
		&e.ID,
		&e.RunID,
		&e.Stage,
		&e.Gate,
		&e.Verdict,
		&reasons,
		&escalations,
		&recorded,
	)
	if err != nil {
		return e, err
	}

	if len(reasons) > 0 {
		if err := json.Unmarshal(reasons, &e.Reasons); err != nil {
			return e, fmt.Errorf("unmarshal reasons: %w", err)
		}
	}

	if len(escalations) > 0 {
		if err := json.Unmarshal(escalations, &e.Escalations); err != nil {
			return e, fmt.Errorf("unmarshal escalations: %w", err)
		}
	}

	if e.RecordedAt, err = parseTime(recorded); err != nil {
		return e, fmt.Errorf("parse recorded_at: %w", err)
	}

	return e, nil
}

func scanBaselineResult(s repository.Scanner) (BaselineResult, error) {
	var r BaselineResult
	var passed int
	var recorded string

	err := s.Scan(
		&r.ID,
		&r.Suite,
		&r.CaseID,
		&r.RunID,
		&r.Expected,
		&r.Actual,
		&passed,
		&r.Confidence,
		&recorded,
	)
	if err != nil {
		return r, err
	}

	r.Passed = passed != 0

	if r.RecordedAt, err = parseTime(recorded); err != nil {
		return r, fmt.Errorf("parse recorded_at: %w", err)
	}

	return r, nil
}

// Timestamps are stored as RFC 3339 UTC text so ordering by column matches
// ordering by time.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalList(values []string) (string, error) {
	if len(values) == 0 {
		return "[]", nil
	}

	raw, err := json.Marshal(values)
	if err != nil {
		return "", err
	}

	return string(raw), nil
}
