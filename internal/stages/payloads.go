package stages

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/JaimeStill/arbiter/pkg/formatting"
)

// Field is one extracted value with its supporting evidence span.
type Field struct {
	Value        string  `json:"value"`
	Evidence     string  `json:"evidence,omitempty"`
	Confidence   float64 `json:"confidence"`
	Inconclusive bool    `json:"inconclusive,omitempty"`
}

// Usable reports whether the field carries a substantive value.
func (f Field) Usable() bool {
	return !f.Inconclusive && strings.TrimSpace(f.Value) != ""
}

// Finding is one analytical observation inside a theme.
type Finding struct {
	Text       string  `json:"text"`
	Evidence   string  `json:"evidence,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Transcript is a literal quotation the synthesis relies on.
type Transcript struct {
	Text   string `json:"text"`
	Source string `json:"source,omitempty"`
}

// Decision is the synthesis outcome label.
type Decision string

const (
	DecisionAccepted     Decision = "ACCEPTED"
	DecisionRejected     Decision = "REJECTED"
	DecisionInconclusive Decision = "INCONCLUSIVE"
)

// ClassifyPayload is the model fallback's document-type verdict.
type ClassifyPayload struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
}

// ExtractPayload carries stage-1 field extraction keyed by field name.
type ExtractPayload struct {
	Fields map[string]Field `json:"fields"`
}

// ErrRatio is the fraction of fields that failed to produce a usable value.
func (p *ExtractPayload) ErrRatio() float64 {
	if len(p.Fields) == 0 {
		return 1
	}
	bad := 0
	for _, f := range p.Fields {
		if !f.Usable() {
			bad++
		}
	}
	return float64(bad) / float64(len(p.Fields))
}

// Inconclusive reports whether no field produced a usable value.
func (p *ExtractPayload) Inconclusive() bool {
	return p.ErrRatio() == 1
}

// ThemeAnalysis is one stage-2 worker's analysis of a single theme. The
// merged payload across themes is assembled by the orchestrator from
// individually validated responses.
type ThemeAnalysis struct {
	Findings   []Finding `json:"findings"`
	Citations  []string  `json:"citations,omitempty"`
	Confidence float64   `json:"confidence"`
	Escalated  bool      `json:"escalated,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// Empty reports whether the analysis produced no findings.
func (t ThemeAnalysis) Empty() bool {
	return len(t.Findings) == 0
}

// AnalyzePayload is the merged stage-2 result keyed by theme.
type AnalyzePayload struct {
	Themes map[string]ThemeAnalysis `json:"themes"`
}

// Citations returns the sorted union of citations across all themes.
func (p *AnalyzePayload) Citations() []string {
	seen := make(map[string]struct{})
	for _, theme := range p.Themes {
		for _, c := range theme.Citations {
			if c = strings.TrimSpace(c); c != "" {
				seen[c] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// ErrRatio is the fraction of themes that escalated or came back empty.
func (p *AnalyzePayload) ErrRatio() float64 {
	if len(p.Themes) == 0 {
		return 1
	}
	bad := 0
	for _, t := range p.Themes {
		if t.Escalated || t.Empty() {
			bad++
		}
	}
	return float64(bad) / float64(len(p.Themes))
}

// Inconclusive reports whether every theme escalated or came back empty.
func (p *AnalyzePayload) Inconclusive() bool {
	return p.ErrRatio() == 1
}

// SynthesizePayload is the stage-3 decision with its supporting material.
type SynthesizePayload struct {
	Decision    Decision     `json:"decision"`
	Rationale   string       `json:"rationale"`
	Citations   []string     `json:"citations,omitempty"`
	Transcripts []Transcript `json:"transcripts,omitempty"`
	Confidence  float64      `json:"confidence"`
}

// ErrRatio is zero for a reasoned decision, one for a bare one.
func (p *SynthesizePayload) ErrRatio() float64 {
	if strings.TrimSpace(p.Rationale) == "" {
		return 1
	}
	return 0
}

// Inconclusive reports whether the synthesis declined to decide.
func (p *SynthesizePayload) Inconclusive() bool {
	return p.Decision == DecisionInconclusive
}

// Decode extracts the JSON object embedded in model output, validates it
// against the stage's schema, and unmarshals it into P. The raw object is
// returned alongside so callers can store it verbatim.
func Decode[P any](stage Stage, content string) (P, json.RawMessage, error) {
	var payload P

	raw, err := formatting.Parse[json.RawMessage](content)
	if err != nil {
		return payload, nil, fmt.Errorf("decode %s payload: %w", stage, err)
	}

	if err := ValidatePayload(stage, raw); err != nil {
		return payload, raw, err
	}

	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, raw, fmt.Errorf("decode %s payload: %w: %v", stage, ErrPayloadInvalid, err)
	}

	return payload, raw, nil
}
