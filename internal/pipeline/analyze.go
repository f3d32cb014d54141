package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JaimeStill/arbiter/internal/documents"
	"github.com/JaimeStill/arbiter/internal/gates"
	"github.com/JaimeStill/arbiter/internal/llm"
	"github.com/JaimeStill/arbiter/internal/stages"
	"github.com/JaimeStill/arbiter/internal/tokens"
)

// themeOutcome is one worker's slot in the stage-2 result set. Every
// worker writes its own slot and nothing else; Wait is the only barrier.
type themeOutcome struct {
	name     string
	analysis stages.ThemeAnalysis
	inv      *invocation
	err      error
	done     bool
}

// runAnalyze performs stage 2: per-theme analyses of the supporting source
// text fan out across a bounded worker pool and merge into a single
// payload. Themes that fail or time out are kept as escalated entries;
// only a fatal error aborts the pool.
func (p *Pipeline) runAnalyze(ctx context.Context, st *State, attempt int, refine []string) (stages.Result, []llm.Attempt, error) {
	primary := documents.Primary(st.Documents)
	if primary == nil {
		return stages.Result{}, nil, errors.New("no confirmed primary document")
	}
	source := documents.SupportingText(st.Documents)
	if source == "" {
		return stages.Result{}, nil, errors.New("no confirmed supporting documents")
	}

	themes := p.themeList(st)
	if len(themes) == 0 {
		return stages.Result{
			Stage:       stages.StageAnalyze,
			Attempt:     attempt,
			Verdict:     stages.VerdictBlock,
			Gate:        gateThemes,
			Reasons:     []string{"no analysis themes resolved from configuration or the extracted themes field"},
			CompletedAt: time.Now().UTC(),
		}, nil, nil
	}

	ref := p.rt.Router.Route(string(stages.StageAnalyze), stages.StageAnalyze.Criticality())
	plan := tokens.Split(source, tokens.Budget{
		Window:      ref.ContextWindow,
		Ratio:       p.opts.Ratio,
		Overlap:     p.opts.Overlap,
		MaxSegments: p.opts.MaxSegments,
	})

	coverageEval := gates.Coverage(plan.Coverage, p.opts.Thresholds)
	p.recordGate(ctx, st.RunID, stages.StageAnalyze, coverageEval)
	if coverageEval.Verdict != stages.VerdictPass {
		return stages.Result{
			Stage:       stages.StageAnalyze,
			Attempt:     attempt,
			Verdict:     coverageEval.Verdict,
			Gate:        string(coverageEval.Gate),
			Reasons:     coverageEval.Reasons,
			Coverage:    plan.Coverage,
			CompletedAt: time.Now().UTC(),
		}, nil, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)

	results := make([]themeOutcome, len(themes))
	for i, theme := range themes {
		g.Go(func() error {
			results[i] = themeOutcome{name: theme}
			if err := gctx.Err(); err != nil {
				results[i].err = err
				return nil
			}

			analysis, inv, err := p.analyzeTheme(gctx, st, theme, plan, source, refine)
			results[i] = themeOutcome{name: theme, analysis: analysis, inv: inv, err: err, done: err == nil}

			if err != nil && Classify(err) == ClassFatal {
				return err
			}
			return nil
		})
	}

	total := &invocation{}
	if err := g.Wait(); err != nil {
		collectInvocations(total, results)
		return stages.Result{}, total.attempts, err
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		collectInvocations(total, results)
		return stages.Result{}, total.attempts, ctx.Err()
	}

	merged := stages.AnalyzePayload{Themes: make(map[string]stages.ThemeAnalysis, len(themes))}
	for _, r := range results {
		if r.done {
			merged.Themes[r.name] = r.analysis
			continue
		}
		merged.Themes[r.name] = stages.ThemeAnalysis{
			Escalated: true,
			Reason:    themeFailure(r.err),
		}
		st.Alert(stages.StageAnalyze, fmt.Sprintf("theme %q escalated: %s", r.name, themeFailure(r.err)))
		p.logger.WarnContext(ctx, "theme analysis incomplete",
			"run_id", st.RunID,
			"theme", r.name,
			"reason", themeFailure(r.err),
		)
	}
	collectInvocations(total, results)

	var eval gates.Evaluation
	if merged.Inconclusive() {
		eval = gates.Evaluation{
			Gate:    gates.GateFieldEvidence,
			Verdict: stages.VerdictRetry,
			Reasons: []string{"every theme escalated or returned empty"},
		}
	} else {
		// findings may quote either side of the case file
		evidence := primary.Text + "\n\n" + source
		eval = gates.AnalyzeEvidence(&merged, evidence, p.rt.Taxonomy, p.opts.Thresholds)
	}
	p.recordGate(ctx, st.RunID, stages.StageAnalyze, eval)
	for _, esc := range eval.Escalations {
		st.Alert(stages.StageAnalyze, esc)
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return stages.Result{}, total.attempts, fmt.Errorf("encode analysis payload: %w", err)
	}

	return stages.Result{
		Stage:       stages.StageAnalyze,
		Attempt:     attempt,
		Payload:     raw,
		Verdict:     eval.Verdict,
		Gate:        string(eval.Gate),
		Reasons:     eval.Reasons,
		Confidence:  stages.Score(merged.ErrRatio(), merged.Inconclusive()),
		Coverage:    plan.Coverage,
		Usage:       total.usage,
		Cost:        total.cost,
		Retries:     total.retries,
		FromCache:   total.fromCache,
		CompletedAt: time.Now().UTC(),
	}, total.attempts, nil
}

// analyzeTheme runs one theme across the plan's segments and merges the
// per-segment analyses: findings de-duplicated, citations unioned,
// confidence taken at the weakest segment.
func (p *Pipeline) analyzeTheme(ctx context.Context, st *State, theme string, plan tokens.Plan, source string, refine []string) (stages.ThemeAnalysis, *invocation, error) {
	merged := stages.ThemeAnalysis{Confidence: 1}
	total := &invocation{}
	cached := 0

	for _, seg := range plan.Segments {
		payload := "Theme: " + theme + "\n\n" + segmentPayload(seg, plan, source, refine)
		part, inv, err := invokeStage[stages.ThemeAnalysis](ctx, p, st.Profile, stages.StageAnalyze, payload, false)
		if inv != nil {
			total.usage.Add(inv.usage)
			total.cost += inv.cost
			total.retries += inv.retries
			total.attempts = append(total.attempts, inv.attempts...)
			if inv.fromCache {
				cached++
			}
		}
		if err != nil {
			return merged, total, err
		}
		mergeTheme(&merged, part)
	}

	total.fromCache = len(plan.Segments) > 0 && cached == len(plan.Segments)
	return merged, total, nil
}

// themeList resolves the themes to analyze: the configured list, overridden
// by a usable themes field from the extraction payload.
func (p *Pipeline) themeList(st *State) []string {
	themes := append([]string(nil), p.opts.Themes...)

	result := st.Latest(stages.StageExtract)
	if !result.Passed() {
		return themes
	}

	var payload stages.ExtractPayload
	if err := json.Unmarshal(result.Payload, &payload); err != nil {
		return themes
	}

	if field, ok := payload.Fields[p.opts.ThemeField]; ok && field.Usable() {
		if parsed := splitThemes(field.Value); len(parsed) > 0 {
			return parsed
		}
	}
	return themes
}

// splitThemes parses a themes field value, semicolon or newline separated.
func splitThemes(value string) []string {
	parts := strings.FieldsFunc(value, func(r rune) bool {
		return r == ';' || r == '\n'
	})

	var out []string
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// themeFailure names why a theme did not complete, without leaking
// provider error text into the payload.
func themeFailure(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "analysis timed out"
	case Classify(err) == ClassValidation:
		return "response failed validation after stricter retries"
	default:
		return fmt.Sprintf("analysis failed with a %s error", Classify(err))
	}
}

// collectInvocations folds every worker's spend into total. The merged
// result counts as cached only when every theme was fully served from
// cache.
func collectInvocations(total *invocation, results []themeOutcome) {
	any := false
	cachedAll := true

	for _, r := range results {
		if r.inv == nil {
			continue
		}
		any = true
		total.usage.Add(r.inv.usage)
		total.cost += r.inv.cost
		total.retries += r.inv.retries
		total.attempts = append(total.attempts, r.inv.attempts...)
		if !r.inv.fromCache {
			cachedAll = false
		}
	}

	total.fromCache = any && cachedAll
}

// mergeTheme folds one segment's analysis into the theme's merged view.
func mergeTheme(into *stages.ThemeAnalysis, part stages.ThemeAnalysis) {
	for _, finding := range part.Findings {
		if i := findSimilar(into.Findings, finding.Text); i >= 0 {
			if finding.Confidence > into.Findings[i].Confidence {
				into.Findings[i] = finding
			}
			continue
		}
		into.Findings = append(into.Findings, finding)
	}

	for _, citation := range part.Citations {
		if !containsCitation(into.Citations, citation) {
			into.Citations = append(into.Citations, citation)
		}
	}

	if part.Confidence < into.Confidence {
		into.Confidence = part.Confidence
	}
	if part.Escalated {
		into.Escalated = true
		if into.Reason == "" {
			into.Reason = part.Reason
		}
	}
}

func findSimilar(findings []stages.Finding, text string) int {
	for i, f := range findings {
		if similarFindings(f.Text, text) {
			return i
		}
	}
	return -1
}

// similarFindings reports near-duplicate finding text: the distinct-word
// overlap of the normalized forms covers at least 80% of the shorter one.
// Overlapping segments restate the same observation with minor drift; exact
// matching would keep both copies.
func similarFindings(a, b string) bool {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return false
	}

	shared := 0
	for w := range setB {
		if _, ok := setA[w]; ok {
			shared++
		}
	}

	shorter := len(setA)
	if len(setB) < shorter {
		shorter = len(setB)
	}
	return float64(shared)/float64(shorter) >= 0.8
}

func wordSet(text string) map[string]struct{} {
	words := strings.Fields(stages.Normalize(text))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func containsCitation(citations []string, citation string) bool {
	for _, c := range citations {
		if stages.Normalize(c) == stages.Normalize(citation) {
			return true
		}
	}
	return false
}
