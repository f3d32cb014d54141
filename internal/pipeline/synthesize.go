package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/JaimeStill/arbiter/internal/documents"
	"github.com/JaimeStill/arbiter/internal/gates"
	"github.com/JaimeStill/arbiter/internal/llm"
	"github.com/JaimeStill/arbiter/internal/reference"
	"github.com/JaimeStill/arbiter/internal/stages"
	"github.com/JaimeStill/arbiter/internal/tokens"
)

// synthesisRequest is the structured half of the stage-3 payload. Map keys
// marshal sorted, so identical upstream results produce an identical
// payload and with it a stable cache fingerprint.
type synthesisRequest struct {
	Fields     map[string]stages.Field         `json:"fields,omitempty"`
	Themes     map[string]stages.ThemeAnalysis `json:"themes,omitempty"`
	References []reference.Match               `json:"references,omitempty"`
}

// runSynthesize performs stage 3: one decision call over the upstream
// payloads plus reference exemplars, held to the coherence gate. The gate
// blocks on any citation absent from the analysis payload or any
// transcript not quoting the supporting source text, which is where the
// decision under review lives.
func (p *Pipeline) runSynthesize(ctx context.Context, st *State, attempt int, refine []string) (stages.Result, []llm.Attempt, error) {
	source := documents.SupportingText(st.Documents)
	if source == "" {
		return stages.Result{}, nil, errors.New("no confirmed supporting documents")
	}

	var extract stages.ExtractPayload
	if result := st.Latest(stages.StageExtract); result.Passed() {
		if err := json.Unmarshal(result.Payload, &extract); err != nil {
			return stages.Result{}, nil, fmt.Errorf("decode extraction payload: %w", err)
		}
	}

	var analysis stages.AnalyzePayload
	if result := st.Latest(stages.StageAnalyze); result.Passed() {
		if err := json.Unmarshal(result.Payload, &analysis); err != nil {
			return stages.Result{}, nil, fmt.Errorf("decode analysis payload: %w", err)
		}
	}

	payload, err := p.synthesisPayload(ctx, st, source, &extract, &analysis, refine)
	if err != nil {
		return stages.Result{}, nil, err
	}

	decoded, inv, err := invokeStage[stages.SynthesizePayload](ctx, p, st.Profile, stages.StageSynthesize, payload, false)
	if err != nil {
		var history []llm.Attempt
		if inv != nil {
			history = inv.attempts
		}
		if inv != nil && Classify(err) == ClassValidation {
			return validationBlocked(stages.StageSynthesize, attempt, inv, err), history, nil
		}
		return stages.Result{}, history, err
	}

	eval := gates.Coherence(&decoded, &analysis, source, p.opts.Thresholds)
	p.recordGate(ctx, st.RunID, stages.StageSynthesize, eval)
	for _, esc := range eval.Escalations {
		st.Alert(stages.StageSynthesize, esc)
	}

	return stages.Result{
		Stage:       stages.StageSynthesize,
		Attempt:     attempt,
		Payload:     inv.raw,
		Verdict:     eval.Verdict,
		Gate:        string(eval.Gate),
		Reasons:     eval.Reasons,
		Confidence:  stages.Score(decoded.ErrRatio(), decoded.Inconclusive()),
		Usage:       inv.usage,
		Cost:        inv.cost,
		Retries:     inv.retries,
		FromCache:   inv.fromCache,
		CompletedAt: time.Now().UTC(),
	}, inv.attempts, nil
}

// synthesisPayload assembles the stage-3 request: upstream fields and
// themes, reference exemplars from prior finalized runs, refinement
// corrections, and as much of the supporting source text as the token
// budget leaves room for.
func (p *Pipeline) synthesisPayload(ctx context.Context, st *State, source string, extract *stages.ExtractPayload, analysis *stages.AnalyzePayload, refine []string) (string, error) {
	req := synthesisRequest{
		Fields: extract.Fields,
		Themes: analysis.Themes,
	}

	if p.rt.References != nil {
		themeNames := make([]string, 0, len(analysis.Themes))
		for name := range analysis.Themes {
			themeNames = append(themeNames, name)
		}
		sort.Strings(themeNames)

		matches, err := p.rt.References.Select(ctx, analysis.Citations(), themeNames)
		if err != nil {
			p.logger.WarnContext(ctx, "reference selection failed", "run_id", st.RunID, "error", err)
		} else {
			req.References = matches
		}
	}

	block, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode synthesis request: %w", err)
	}

	var b strings.Builder
	b.Write(block)

	if len(refine) > 0 {
		b.WriteString("\n\nCorrect the following problems from the previous attempt:\n")
		for _, r := range refine {
			b.WriteString("- ")
			b.WriteString(r)
			b.WriteString("\n")
		}
	}

	ref := p.rt.Router.Route(string(stages.StageSynthesize), stages.StageSynthesize.Criticality())
	ceiling := tokens.Budget{Window: ref.ContextWindow, Ratio: p.opts.Ratio}.Ceiling()
	if room := ceiling - tokens.Estimate(b.String()); room > 0 {
		if excerpt := clipTokens(source, room); excerpt != "" {
			b.WriteString("\n\nSource excerpt:\n")
			b.WriteString(excerpt)
		}
	}

	return b.String(), nil
}

// clipTokens truncates text to approximately the given token budget, using
// the same four-runes-per-token estimate the chunker relies on.
func clipTokens(text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	if tokens.Estimate(text) <= budget {
		return text
	}

	limit := budget * 4
	count := 0
	for i := range text {
		if count == limit {
			return text[:i]
		}
		count++
	}
	return text
}
