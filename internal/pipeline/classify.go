package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JaimeStill/arbiter/internal/documents"
	"github.com/JaimeStill/arbiter/internal/extraction"
	"github.com/JaimeStill/arbiter/internal/gates"
	"github.com/JaimeStill/arbiter/internal/llm"
	"github.com/JaimeStill/arbiter/internal/stages"
)

// classify resolves every document's role before stage 1 may start: ingest
// text, check extraction quality, run the strategy chain, and enforce the
// batch shape invariant. The model is consulted only for documents the
// heuristic could not place.
func (p *Pipeline) classify(ctx context.Context, st *State) (*Outcome, error) {
	st.Status = StatusClassifying
	p.markIndex(ctx, st)
	if err := p.checkpoint(st); err != nil {
		return p.deadLetter(ctx, st, stages.StageClassify, nil, err)
	}

	stageCtx, cancel := context.WithTimeout(ctx, p.opts.StageTimeout)
	defer cancel()

	started := time.Now()
	result, history, err := p.runClassify(stageCtx, st)
	if err != nil {
		return p.stageFailure(ctx, st, stages.StageClassify, history, err)
	}

	st.Record(result)
	p.recordStageEvent(ctx, st.RunID, &result, time.Since(started))
	if err := p.checkpoint(st); err != nil {
		return p.deadLetter(ctx, st, stages.StageClassify, history, err)
	}

	if result.Verdict != stages.VerdictPass {
		return p.block(ctx, st, result.Gate, result.Reasons)
	}

	primary, supporting, _ := documents.Tally(st.Documents)
	p.logger.InfoContext(ctx, "batch classified",
		"run_id", st.RunID,
		"primary", primary,
		"supporting", supporting,
	)
	return nil, nil
}

func (p *Pipeline) runClassify(ctx context.Context, st *State) (stages.Result, []llm.Attempt, error) {
	attempt := st.Attempts(stages.StageClassify) + 1

	extractionEval, err := p.ingest(ctx, st)
	if err != nil {
		return stages.Result{}, nil, err
	}
	p.recordGate(ctx, st.RunID, stages.StageClassify, extractionEval)
	if extractionEval.Verdict != stages.VerdictPass {
		return stages.Result{
			Stage:       stages.StageClassify,
			Attempt:     attempt,
			Verdict:     extractionEval.Verdict,
			Gate:        string(extractionEval.Gate),
			Reasons:     extractionEval.Reasons,
			CompletedAt: time.Now().UTC(),
		}, nil, nil
	}

	acc := &invocation{}
	calls, cached := 0, 0
	invoke := func(ctx context.Context, payload string) (string, error) {
		_, inv, err := invokeStage[stages.ClassifyPayload](ctx, p, st.Profile, stages.StageClassify, payload, false)
		if inv != nil {
			calls++
			acc.usage.Add(inv.usage)
			acc.cost += inv.cost
			acc.retries += inv.retries
			acc.attempts = append(acc.attempts, inv.attempts...)
			if inv.fromCache {
				cached++
			}
			if err == nil {
				return string(inv.raw), nil
			}
		}
		return "", err
	}

	classifier := documents.NewClassifier([]documents.Strategy{
		documents.NewHeuristic(p.opts.Markers, p.opts.ClassifyFloor),
		documents.NewModelFallback(invoke, 0),
	}, p.opts.ClassifyFloor, p.logger)

	for i := range st.Documents {
		doc := &st.Documents[i]
		if doc.Type != documents.TypeUnknown {
			continue
		}
		if _, err := classifier.Classify(ctx, doc); err != nil {
			if Classify(err) == ClassValidation {
				return validationBlocked(stages.StageClassify, attempt, acc, err), acc.attempts, nil
			}
			return stages.Result{}, acc.attempts, err
		}
	}

	primary, supporting, unknown := documents.Tally(st.Documents)
	eval := gates.Classification(primary, supporting, unknown, p.opts.Thresholds)
	p.recordGate(ctx, st.RunID, stages.StageClassify, eval)

	payload, err := json.Marshal(batchVerdicts(st.Documents))
	if err != nil {
		return stages.Result{}, acc.attempts, fmt.Errorf("encode classification payload: %w", err)
	}

	return stages.Result{
		Stage:       stages.StageClassify,
		Attempt:     attempt,
		Payload:     payload,
		Verdict:     eval.Verdict,
		Gate:        string(eval.Gate),
		Reasons:     eval.Reasons,
		Confidence:  meanConfidence(st.Documents),
		Usage:       acc.usage,
		Cost:        acc.cost,
		Retries:     acc.retries,
		FromCache:   calls > 0 && cached == calls,
		CompletedAt: time.Now().UTC(),
	}, acc.attempts, nil
}

// ingest attaches extracted text and quality signals to documents that do
// not yet carry them, then applies the extraction gate per document. A
// batch that fails here blocks with zero model calls.
func (p *Pipeline) ingest(ctx context.Context, st *State) (gates.Evaluation, error) {
	evals := make([]gates.Evaluation, 0, len(st.Documents))

	for i := range st.Documents {
		doc := &st.Documents[i]
		if doc.Text == "" {
			res, err := p.rt.Reader.Extract(ctx, doc.Path)
			switch {
			case errors.Is(err, extraction.ErrNoText) || errors.Is(err, extraction.ErrTooLarge):
				evals = append(evals, gates.Evaluation{
					Gate:    gates.GateExtraction,
					Verdict: stages.VerdictBlock,
					Reasons: []string{fmt.Sprintf("%s: %v", doc.Path, err)},
				})
				continue
			case err != nil:
				return gates.Evaluation{}, fmt.Errorf("extract %s: %w", doc.Path, err)
			}

			doc.SetText(res.Text)
			doc.PageCount = res.Pages
			doc.PageQuality = res.PageQuality
			doc.Quality = res.Quality
			doc.Noise = res.Noise
		}

		eval := gates.Extraction(doc.Quality, doc.Noise, p.opts.Thresholds)
		for j := range eval.Reasons {
			eval.Reasons[j] = doc.Path + ": " + eval.Reasons[j]
		}
		evals = append(evals, eval)
	}

	return gates.Combine(evals...), nil
}

// validationBlocked is the fail-closed verdict after a model response kept
// failing schema validation through the stricter retry budget.
func validationBlocked(stage stages.Stage, attempt int, inv *invocation, err error) stages.Result {
	return stages.Result{
		Stage:       stage,
		Attempt:     attempt,
		Verdict:     stages.VerdictBlock,
		Gate:        gateValidation,
		Reasons:     []string{fmt.Sprintf("model payload failed validation after stricter retries: %v", err)},
		Usage:       inv.usage,
		Cost:        inv.cost,
		Retries:     inv.retries,
		CompletedAt: time.Now().UTC(),
	}
}

type docVerdict struct {
	Path       string         `json:"path"`
	Type       documents.Type `json:"type"`
	Confidence float64        `json:"confidence"`
	Method     string         `json:"method,omitempty"`
}

func batchVerdicts(docs []documents.Document) []docVerdict {
	out := make([]docVerdict, 0, len(docs))
	for _, d := range docs {
		out = append(out, docVerdict{
			Path:       d.Path,
			Type:       d.Type,
			Confidence: d.Confidence,
			Method:     d.Method,
		})
	}
	return out
}

func meanConfidence(docs []documents.Document) float64 {
	if len(docs) == 0 {
		return 0
	}
	total := 0.0
	for _, d := range docs {
		total += d.Confidence
	}
	return total / float64(len(docs))
}
