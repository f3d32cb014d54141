// Package gates evaluates stage results against the fail-closed quality
// invariants. Every evaluator is a pure function over its inputs: same
// payload, same source, same thresholds, same verdict. Escalation and
// blocking are independent axes; escalations are advisory flags unless the
// escalation policy's halt knob turns them into blocks.
package gates

import (
	"fmt"

	"github.com/JaimeStill/arbiter/internal/stages"
)

// Gate names the invariant an evaluation checked.
type Gate string

const (
	GateExtraction     Gate = "extraction"
	GateClassification Gate = "classification"
	GateCoverage       Gate = "coverage"
	GateFieldEvidence  Gate = "field_evidence"
	GateCoherence      Gate = "coherence"
)

// transcriptMinLen is the shortest quotation the coherence gate verifies
// against source text; shorter fragments match too freely to prove anything.
const transcriptMinLen = 30

// KnownSet answers whether a citation belongs to the recognized reference
// taxonomy.
type KnownSet interface {
	IsRecognized(citation string) bool
}

// Escalation holds the advisory confidence thresholds and the halt knob
// that promotes escalations to blocks.
type Escalation struct {
	Global float64 `toml:"global"`
	Field  float64 `toml:"field"`
	Theme  float64 `toml:"theme"`
	Halt   bool    `toml:"halt"`
}

// Thresholds carries every gate's configured limits.
type Thresholds struct {
	QualityMin    float64    `toml:"quality_min"`
	NoiseMax      float64    `toml:"noise_max"`
	MinSupporting int        `toml:"min_supporting"`
	CoverageMin   float64    `toml:"coverage_min"`
	Escalation    Escalation `toml:"escalation"`
}

// CriticalField declares gate requirements for one extraction field.
type CriticalField struct {
	Name string `toml:"name"`
	// KnownSet requires the field value to be a recognized citation.
	KnownSet bool `toml:"known_set"`
}

// Evaluation is one gate's verdict with the reasons behind it. Escalations
// list the fields or themes whose confidence fell below the advisory
// threshold; they never affect the verdict unless halt is set.
type Evaluation struct {
	Gate        Gate           `json:"gate"`
	Verdict     stages.Verdict `json:"verdict"`
	Reasons     []string       `json:"reasons,omitempty"`
	Escalations []string       `json:"escalations,omitempty"`
}

// Extraction checks document quality signals before any model call is made.
func Extraction(quality, noise float64, t Thresholds) Evaluation {
	eval := Evaluation{Gate: GateExtraction, Verdict: stages.VerdictPass}

	if quality < t.QualityMin {
		eval.Verdict = stages.VerdictBlock
		eval.Reasons = append(eval.Reasons,
			fmt.Sprintf("document quality %.2f below minimum %.2f", quality, t.QualityMin))
	}
	if noise > t.NoiseMax {
		eval.Verdict = stages.VerdictBlock
		eval.Reasons = append(eval.Reasons,
			fmt.Sprintf("noise ratio %.2f above maximum %.2f", noise, t.NoiseMax))
	}

	return eval
}

// Classification enforces the batch shape invariant: exactly one primary
// document, at least the configured minimum of supporting documents, and no
// document left unresolved. Never guesses; any violation blocks before
// stage 1 starts.
func Classification(primary, supporting, unknown int, t Thresholds) Evaluation {
	eval := Evaluation{Gate: GateClassification, Verdict: stages.VerdictPass}

	if primary != 1 {
		eval.Verdict = stages.VerdictBlock
		eval.Reasons = append(eval.Reasons,
			fmt.Sprintf("expected exactly 1 primary document, classified %d", primary))
	}
	if supporting < t.MinSupporting {
		eval.Verdict = stages.VerdictBlock
		eval.Reasons = append(eval.Reasons,
			fmt.Sprintf("%d supporting documents below minimum %d", supporting, t.MinSupporting))
	}
	if unknown > 0 {
		eval.Verdict = stages.VerdictBlock
		eval.Reasons = append(eval.Reasons,
			fmt.Sprintf("%d documents could not be classified", unknown))
	}

	return eval
}

// Coverage blocks when a chunk plan provably dropped source content past
// the configured floor.
func Coverage(ratio float64, t Thresholds) Evaluation {
	eval := Evaluation{Gate: GateCoverage, Verdict: stages.VerdictPass}

	if ratio < t.CoverageMin {
		eval.Verdict = stages.VerdictBlock
		eval.Reasons = append(eval.Reasons,
			fmt.Sprintf("chunk coverage %.3f below minimum %.3f", ratio, t.CoverageMin))
	}

	return eval
}

// ExtractEvidence verifies stage-1 critical fields: present, usable,
// evidence anchored in the source text, and known-set values recognized by
// the taxonomy. Failures are retryable; a refined request can re-anchor
// evidence where a quality block could not.
func ExtractEvidence(payload *stages.ExtractPayload, source string, critical []CriticalField, known KnownSet, t Thresholds) Evaluation {
	eval := Evaluation{Gate: GateFieldEvidence, Verdict: stages.VerdictPass}

	for _, cf := range critical {
		field, ok := payload.Fields[cf.Name]
		if !ok || !field.Usable() {
			eval.Verdict = stages.VerdictRetry
			eval.Reasons = append(eval.Reasons,
				fmt.Sprintf("critical field %q missing or unusable", cf.Name))
			continue
		}

		if !stages.EvidenceMatches(field.Evidence, source) {
			eval.Verdict = stages.VerdictRetry
			eval.Reasons = append(eval.Reasons,
				fmt.Sprintf("field %q evidence not found in source text", cf.Name))
		}
		if cf.KnownSet && known != nil && !known.IsRecognized(field.Value) {
			eval.Verdict = stages.VerdictRetry
			eval.Reasons = append(eval.Reasons,
				fmt.Sprintf("field %q value %q not in the recognized set", cf.Name, field.Value))
		}
		if field.Confidence < t.Escalation.Field {
			eval.Escalations = append(eval.Escalations,
				fmt.Sprintf("field %q confidence %.3f below %.2f", cf.Name, field.Confidence, t.Escalation.Field))
		}
	}

	return applyHalt(eval, t)
}

// AnalyzeEvidence verifies the merged stage-2 payload: findings anchored in
// the source, citations recognized, theme confidence above the advisory
// threshold.
func AnalyzeEvidence(payload *stages.AnalyzePayload, source string, known KnownSet, t Thresholds) Evaluation {
	eval := Evaluation{Gate: GateFieldEvidence, Verdict: stages.VerdictPass}

	for name, theme := range payload.Themes {
		if theme.Escalated {
			eval.Escalations = append(eval.Escalations,
				fmt.Sprintf("theme %q escalated: %s", name, theme.Reason))
			continue
		}

		for _, finding := range theme.Findings {
			if finding.Evidence == "" {
				continue
			}
			if !stages.EvidenceMatches(finding.Evidence, source) {
				eval.Verdict = stages.VerdictRetry
				eval.Reasons = append(eval.Reasons,
					fmt.Sprintf("theme %q finding evidence not found in source text", name))
			}
		}

		if known != nil {
			for _, citation := range theme.Citations {
				if !known.IsRecognized(citation) {
					eval.Verdict = stages.VerdictRetry
					eval.Reasons = append(eval.Reasons,
						fmt.Sprintf("theme %q citation %q not in the recognized set", name, citation))
				}
			}
		}

		if theme.Confidence < t.Escalation.Theme {
			eval.Escalations = append(eval.Escalations,
				fmt.Sprintf("theme %q confidence %.3f below %.2f", name, theme.Confidence, t.Escalation.Theme))
		}
	}

	return applyHalt(eval, t)
}

// Coherence enforces stage-3 grounding: every cited reference must appear
// in the stage-2 payload and every substantive transcript must quote the
// source text. Violations block; a synthesis that invents references is
// never allowed through on retry odds.
func Coherence(payload *stages.SynthesizePayload, analysis *stages.AnalyzePayload, source string, t Thresholds) Evaluation {
	eval := Evaluation{Gate: GateCoherence, Verdict: stages.VerdictPass}

	upstream := make(map[string]struct{})
	if analysis != nil {
		for _, c := range analysis.Citations() {
			upstream[stages.Normalize(c)] = struct{}{}
		}
	}

	for _, citation := range payload.Citations {
		if _, ok := upstream[stages.Normalize(citation)]; !ok {
			eval.Verdict = stages.VerdictBlock
			eval.Reasons = append(eval.Reasons,
				fmt.Sprintf("citation %q not present in the analysis payload", citation))
		}
	}

	for _, transcript := range payload.Transcripts {
		if len(transcript.Text) < transcriptMinLen {
			continue
		}
		if !stages.EvidenceMatches(transcript.Text, source) {
			eval.Verdict = stages.VerdictBlock
			eval.Reasons = append(eval.Reasons,
				fmt.Sprintf("transcript %q not found in source text", clip(transcript.Text, 60)))
		}
	}

	if payload.Confidence < t.Escalation.Field {
		eval.Escalations = append(eval.Escalations,
			fmt.Sprintf("decision confidence %.3f below %.2f", payload.Confidence, t.Escalation.Field))
	}

	return applyHalt(eval, t)
}

// Combine folds multiple evaluations into one verdict: the most severe
// wins, reasons and escalations accumulate.
func Combine(evals ...Evaluation) Evaluation {
	combined := Evaluation{Verdict: stages.VerdictPass}

	for _, eval := range evals {
		if combined.Gate == "" || severity(eval.Verdict) > severity(combined.Verdict) {
			combined.Gate = eval.Gate
		}
		if severity(eval.Verdict) > severity(combined.Verdict) {
			combined.Verdict = eval.Verdict
		}
		combined.Reasons = append(combined.Reasons, eval.Reasons...)
		combined.Escalations = append(combined.Escalations, eval.Escalations...)
	}

	return combined
}

// applyHalt promotes an otherwise passing evaluation with escalations to a
// block when the escalation policy demands halting.
func applyHalt(eval Evaluation, t Thresholds) Evaluation {
	if t.Escalation.Halt && eval.Verdict == stages.VerdictPass && len(eval.Escalations) > 0 {
		eval.Verdict = stages.VerdictBlock
		eval.Reasons = append(eval.Reasons, "escalation policy halts on low confidence")
	}
	return eval
}

func severity(v stages.Verdict) int {
	switch v {
	case stages.VerdictBlock:
		return 3
	case stages.VerdictRetry:
		return 2
	case stages.VerdictEscalate:
		return 1
	}
	return 0
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
