package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JaimeStill/arbiter/internal/documents"
	"github.com/JaimeStill/arbiter/internal/gates"
	"github.com/JaimeStill/arbiter/internal/llm"
	"github.com/JaimeStill/arbiter/internal/stages"
	"github.com/JaimeStill/arbiter/internal/tokens"
)

// runExtract performs stage 1: field extraction over the primary document,
// chunked under the routed model's budget. Weak critical fields optionally
// get a second independent pass, reconciled by the consensus policy.
func (p *Pipeline) runExtract(ctx context.Context, st *State, attempt int, refine []string) (stages.Result, []llm.Attempt, error) {
	primary := documents.Primary(st.Documents)
	if primary == nil {
		return stages.Result{}, nil, errors.New("no confirmed primary document")
	}

	ref := p.rt.Router.Route(string(stages.StageExtract), stages.StageExtract.Criticality())
	plan := tokens.Split(primary.Text, tokens.Budget{
		Window:      ref.ContextWindow,
		Ratio:       p.opts.Ratio,
		Overlap:     p.opts.Overlap,
		MaxSegments: p.opts.MaxSegments,
	})

	coverageEval := gates.Coverage(plan.Coverage, p.opts.Thresholds)
	p.recordGate(ctx, st.RunID, stages.StageExtract, coverageEval)
	if coverageEval.Verdict != stages.VerdictPass {
		return stages.Result{
			Stage:       stages.StageExtract,
			Attempt:     attempt,
			Verdict:     coverageEval.Verdict,
			Gate:        string(coverageEval.Gate),
			Reasons:     coverageEval.Reasons,
			Coverage:    plan.Coverage,
			CompletedAt: time.Now().UTC(),
		}, nil, nil
	}

	payload, inv, err := p.extractSweep(ctx, st, primary, plan, refine, false)
	if err != nil {
		if Classify(err) == ClassValidation {
			return validationBlocked(stages.StageExtract, attempt, inv, err), inv.attempts, nil
		}
		return stages.Result{}, inv.attempts, err
	}

	if p.opts.Consensus.Enabled {
		if err := p.verifyConsensus(ctx, st, primary, plan, refine, &payload, inv); err != nil {
			if Classify(err) == ClassValidation {
				return validationBlocked(stages.StageExtract, attempt, inv, err), inv.attempts, nil
			}
			return stages.Result{}, inv.attempts, err
		}
	}

	eval := gates.ExtractEvidence(&payload, primary.Text, p.opts.Critical, p.rt.Taxonomy, p.opts.Thresholds)
	p.recordGate(ctx, st.RunID, stages.StageExtract, eval)
	for _, esc := range eval.Escalations {
		st.Alert(stages.StageExtract, esc)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return stages.Result{}, inv.attempts, fmt.Errorf("encode extraction payload: %w", err)
	}

	return stages.Result{
		Stage:       stages.StageExtract,
		Attempt:     attempt,
		Payload:     raw,
		Verdict:     eval.Verdict,
		Gate:        string(eval.Gate),
		Reasons:     eval.Reasons,
		Confidence:  stages.Score(payload.ErrRatio(), payload.Inconclusive()),
		Coverage:    plan.Coverage,
		Usage:       inv.usage,
		Cost:        inv.cost,
		Retries:     inv.retries,
		FromCache:   inv.fromCache,
		CompletedAt: time.Now().UTC(),
	}, inv.attempts, nil
}

// extractSweep runs one full extraction pass over the plan's segments and
// merges the per-segment fields. The sweep counts as cached only when every
// segment was served from cache.
func (p *Pipeline) extractSweep(ctx context.Context, st *State, primary *documents.Document, plan tokens.Plan, refine []string, bypass bool) (stages.ExtractPayload, *invocation, error) {
	merged := stages.ExtractPayload{Fields: make(map[string]stages.Field)}
	total := &invocation{}
	cached := 0

	for _, seg := range plan.Segments {
		part, inv, err := invokeStage[stages.ExtractPayload](
			ctx, p, st.Profile, stages.StageExtract,
			segmentPayload(seg, plan, primary.Text, refine), bypass)
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
		mergeFields(merged.Fields, part.Fields)
	}

	total.fromCache = len(plan.Segments) > 0 && cached == len(plan.Segments)
	return merged, total, nil
}

// verifyConsensus re-extracts when any critical field came back weak: a
// second sweep bypasses the cache so the passes are independent, then the
// tie-break policy reconciles each weak field. Divergence under the
// escalate policy marks the field inconclusive rather than guessing.
func (p *Pipeline) verifyConsensus(ctx context.Context, st *State, primary *documents.Document, plan tokens.Plan, refine []string, payload *stages.ExtractPayload, total *invocation) error {
	weak := p.weakCritical(payload)
	if len(weak) == 0 {
		return nil
	}

	p.logger.InfoContext(ctx, "consensus pass for weak critical fields",
		"run_id", st.RunID,
		"fields", weak,
	)

	second, inv, err := p.extractSweep(ctx, st, primary, plan, refine, true)
	total.usage.Add(inv.usage)
	total.cost += inv.cost
	total.retries += inv.retries
	total.attempts = append(total.attempts, inv.attempts...)
	total.fromCache = false
	if err != nil {
		return err
	}

	for _, name := range weak {
		first, ok := payload.Fields[name]
		if !ok {
			continue
		}
		resolved, err := stages.Resolve(first, second.Fields[name], p.opts.Consensus.TieBreak)
		if err != nil {
			payload.Fields[name] = stages.Field{Inconclusive: true}
			st.Alert(stages.StageExtract, fmt.Sprintf("consensus diverged on field %q", name))
			continue
		}
		payload.Fields[name] = resolved
	}
	return nil
}

// weakCritical lists critical fields whose first pass was missing,
// unusable, or under the consensus confidence threshold.
func (p *Pipeline) weakCritical(payload *stages.ExtractPayload) []string {
	var weak []string
	for _, cf := range p.opts.Critical {
		field, ok := payload.Fields[cf.Name]
		if !ok || !field.Usable() || field.Confidence < p.opts.Consensus.Threshold {
			weak = append(weak, cf.Name)
		}
	}
	return weak
}

// mergeFields folds one segment's fields into the merged map: a usable
// value beats an unusable one, and between equally usable values the higher
// confidence wins.
func mergeFields(into, part map[string]stages.Field) {
	for name, field := range part {
		current, ok := into[name]
		if !ok {
			into[name] = field
			continue
		}
		switch {
		case field.Usable() && !current.Usable():
			into[name] = field
		case field.Usable() == current.Usable() && field.Confidence > current.Confidence:
			into[name] = field
		}
	}
}

// segmentPayload frames one segment for the model: position and section
// context when chunked, refinement corrections when retrying, then the
// text. Corrections change the payload and with it the cache fingerprint,
// so refined retries never replay a stale answer.
func segmentPayload(seg tokens.Segment, plan tokens.Plan, source string, refine []string) string {
	var b strings.Builder

	if plan.Chunked() {
		fmt.Fprintf(&b, "Document segment %d of %d.\n", seg.Index+1, len(plan.Segments))
		if seg.Heading != "" {
			fmt.Fprintf(&b, "Section: %s\n", seg.Heading)
		}
		b.WriteString("\n")
	}

	if len(refine) > 0 {
		b.WriteString("Correct the following problems from the previous attempt:\n")
		for _, r := range refine {
			b.WriteString("- ")
			b.WriteString(r)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString(seg.Text(source))
	return b.String()
}
