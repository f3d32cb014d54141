// Package pipeline orchestrates the three-stage analysis workflow as a
// fail-closed state machine: classify the batch, extract fields, analyze
// themes, synthesize a decision. Every transition is checkpointed before
// the run advances, gate verdicts decide progression, and fatal failures
// move the full state to the dead-letter queue. The orchestrator degrades
// every record to fingerprints, token counts, stage names, payload blobs,
// and confidence scores; it never interprets the content itself.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/JaimeStill/arbiter/internal/archive"
	"github.com/JaimeStill/arbiter/internal/cache"
	"github.com/JaimeStill/arbiter/internal/checkpoint"
	"github.com/JaimeStill/arbiter/internal/deadletter"
	"github.com/JaimeStill/arbiter/internal/documents"
	"github.com/JaimeStill/arbiter/internal/extraction"
	"github.com/JaimeStill/arbiter/internal/gates"
	"github.com/JaimeStill/arbiter/internal/index"
	"github.com/JaimeStill/arbiter/internal/instructions"
	"github.com/JaimeStill/arbiter/internal/llm"
	"github.com/JaimeStill/arbiter/internal/reference"
	"github.com/JaimeStill/arbiter/internal/stages"
)

// Gate labels for verdicts the orchestrator itself produces, alongside the
// evaluator's gate names.
const (
	gateValidation = "validation"
	gateSequence   = "sequence"
	gateTimeout    = "timeout"
	gateThemes     = "themes"
)

// Interruption reasons recorded on a blocked state.
const (
	reasonUserAbort  = "USER_ABORT"
	reasonRunTimeout = "run timeout exceeded"
)

// Runtime bundles the collaborators the orchestrator consults. Cache,
// Taxonomy, Index, References, and Archiver are optional; a nil value
// disables that concern without changing run semantics.
type Runtime struct {
	Reader       *extraction.Reader
	Instructions instructions.Source
	Invoker      llm.Invoker
	Router       *llm.Router
	Cache        *cache.Store
	Checkpoints  *checkpoint.Store[State]
	DeadLetters  *deadletter.Queue[DeadLetterRecord]
	Taxonomy     gates.KnownSet
	Index        *index.Store
	References   *reference.Selector
	Archiver     *archive.Archiver
	Reports      string
	Logger       *slog.Logger
}

// Consensus configures double-call verification of critical fields: when a
// critical field's first-pass confidence falls below the threshold, a
// second independent extraction runs and the tie-break policy reconciles
// the two.
type Consensus struct {
	Enabled   bool            `toml:"enabled"`
	Threshold float64         `toml:"threshold"`
	TieBreak  stages.TieBreak `toml:"tie_break"`
}

// Options shapes run behavior. Zero values fall back to the defaults
// applied by New.
type Options struct {
	Profile           string
	Temperature       float64
	Ratio             float64
	Overlap           int
	MaxSegments       int
	MaxTokens         map[stages.Stage]int
	StageAttempts     int
	ValidationRetries int
	Workers           int
	StageTimeout      time.Duration
	RunTimeout        time.Duration
	Thresholds        gates.Thresholds
	Critical          []gates.CriticalField
	Markers           documents.Markers
	ClassifyFloor     float64
	Themes            []string
	ThemeField        string
	Consensus         Consensus
	StrictResume      bool
}

func (o *Options) setDefaults() {
	if o.Profile == "" {
		o.Profile = instructions.DefaultProfile
	}
	if o.Ratio <= 0 || o.Ratio > 1 {
		o.Ratio = 0.7
	}
	if o.Overlap <= 0 {
		o.Overlap = 500
	}
	if o.StageAttempts <= 0 {
		o.StageAttempts = 3
	}
	if o.ValidationRetries <= 0 {
		o.ValidationRetries = 2
	}
	if o.Workers <= 0 {
		o.Workers = 3
	}
	if o.StageTimeout <= 0 {
		o.StageTimeout = 10 * time.Minute
	}
	if o.RunTimeout <= 0 {
		o.RunTimeout = time.Hour
	}
	if o.ThemeField == "" {
		o.ThemeField = "themes"
	}
	if o.Consensus.TieBreak == "" {
		o.Consensus.TieBreak = stages.TieBreakPreferConfident
	}
	if o.MaxTokens == nil {
		o.MaxTokens = map[stages.Stage]int{}
	}
	defaults := map[stages.Stage]int{
		stages.StageClassify:   700,
		stages.StageExtract:    1400,
		stages.StageAnalyze:    2200,
		stages.StageSynthesize: 3200,
	}
	for stage, budget := range defaults {
		if o.MaxTokens[stage] <= 0 {
			o.MaxTokens[stage] = budget
		}
	}
}

// Pipeline drives runs through the state machine. It exposes exactly three
// operations: Run, Resume, and InspectDeadLetter.
type Pipeline struct {
	rt     Runtime
	opts   Options
	logger *slog.Logger
}

// New creates a pipeline over the given collaborators.
func New(rt Runtime, opts Options) *Pipeline {
	opts.setDefaults()
	return &Pipeline{
		rt:     rt,
		opts:   opts,
		logger: rt.Logger.With("system", "pipeline"),
	}
}

// Run executes a fresh pipeline over the given input documents and returns
// the terminal outcome. Cancellation of ctx blocks the run resumably with
// reason USER_ABORT after writing a checkpoint.
func (p *Pipeline) Run(ctx context.Context, inputs []string) (*Outcome, error) {
	if len(inputs) == 0 {
		return nil, ErrNoInputs
	}

	signature, err := p.rt.Instructions.Signature(ctx, p.opts.Profile)
	if err != nil {
		return nil, fmt.Errorf("instruction signature: %w", err)
	}

	st := newState(uuid.NewString(), p.opts.Profile, signature)
	for _, input := range inputs {
		st.Documents = append(st.Documents, documents.New(input))
	}

	p.startIndexRun(ctx, st)
	p.logger.InfoContext(ctx, "run started",
		"run_id", st.RunID,
		"profile", st.Profile,
		"documents", len(st.Documents),
	)

	return p.execute(ctx, st)
}

// Resume reloads a checkpointed run and re-enters it at the first stage
// whose result is absent or did not pass. Stages that already passed are
// never re-invoked.
func (p *Pipeline) Resume(ctx context.Context, runID string) (*Outcome, error) {
	st, err := p.rt.Checkpoints.Load(runID)
	if err != nil {
		return nil, err
	}

	if st.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotResumable, runID, st.Status)
	}

	signature, err := p.rt.Instructions.Signature(ctx, st.Profile)
	if err != nil {
		return nil, fmt.Errorf("instruction signature: %w", err)
	}
	if signature != st.PromptSignature {
		if p.opts.StrictResume {
			return nil, fmt.Errorf("%w: checkpoint %s, current %s",
				ErrSignatureDrift, st.PromptSignature, signature)
		}
		st.Alert("", fmt.Sprintf("instruction signature drift: checkpoint %s, current %s",
			st.PromptSignature, signature))
		p.logger.WarnContext(ctx, "resuming across instruction drift",
			"run_id", runID,
			"checkpoint_signature", st.PromptSignature,
			"current_signature", signature,
		)
	}

	st.unblock()
	p.logger.InfoContext(ctx, "run resumed", "run_id", runID, "status", st.Status)

	return p.execute(ctx, st)
}

// InspectDeadLetter returns the newest dead-letter record for a run and
// the path it was read from. Reads never feed back into the pipeline.
func (p *Pipeline) InspectDeadLetter(runID string) (*DeadLetterRecord, string, error) {
	return p.rt.DeadLetters.Latest(runID)
}

// execute drives the run under the run-level timeout and converts
// interruption into a resumable block.
func (p *Pipeline) execute(ctx context.Context, st *State) (*Outcome, error) {
	runCtx := ctx
	if p.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.opts.RunTimeout)
		defer cancel()
	}

	outcome, err := p.advance(runCtx, st)
	if err == nil {
		return outcome, nil
	}

	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return p.block(ctx, st, "", []string{reasonUserAbort})
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return p.block(ctx, st, gateTimeout, []string{reasonRunTimeout})
	}

	return p.deadLetter(ctx, st, "", nil, err)
}

// advance walks the state machine: classification, then each analysis
// stage in order, then finalize. Stages holding a passing result are
// skipped, which is what makes resume idempotent.
func (p *Pipeline) advance(ctx context.Context, st *State) (*Outcome, error) {
	if !st.Latest(stages.StageClassify).Passed() {
		if outcome, err := p.classify(ctx, st); outcome != nil || err != nil {
			return outcome, err
		}
	}

	for _, stage := range stages.Sequence() {
		if st.Latest(stage).Passed() {
			continue
		}
		if outcome, err := p.runStage(ctx, st, stage); outcome != nil || err != nil {
			return outcome, err
		}
	}

	return p.finalize(ctx, st)
}

// runStage executes one analysis stage under the stage timeout, retrying
// on RETRY verdicts with the failing reasons folded into the next request,
// until the verdict resolves or the attempt budget runs out.
func (p *Pipeline) runStage(ctx context.Context, st *State, stage stages.Stage) (*Outcome, error) {
	if !st.UpstreamPassed(stage) {
		return p.block(ctx, st, gateSequence,
			[]string{fmt.Sprintf("stage %s requires upstream stages to pass", stage)})
	}

	st.Status = statusFor(stage)
	p.markIndex(ctx, st)
	if err := p.checkpoint(st); err != nil {
		return p.deadLetter(ctx, st, stage, nil, err)
	}

	// the stage timeout spans every attempt, bounding total retries
	stageCtx, cancel := context.WithTimeout(ctx, p.opts.StageTimeout)
	defer cancel()

	var refine []string
	for attempt := st.Attempts(stage) + 1; attempt <= p.opts.StageAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		started := time.Now()
		result, history, err := p.executeStage(stageCtx, st, stage, attempt, refine)
		if err != nil {
			return p.stageFailure(ctx, st, stage, history, err)
		}

		st.Record(result)
		p.recordStageEvent(ctx, st.RunID, &result, time.Since(started))
		if err := p.checkpoint(st); err != nil {
			return p.deadLetter(ctx, st, stage, history, err)
		}

		switch result.Verdict {
		case stages.VerdictPass:
			p.logger.InfoContext(ctx, "stage passed",
				"run_id", st.RunID,
				"stage", stage,
				"attempt", attempt,
				"confidence", result.Confidence,
				"from_cache", result.FromCache,
			)
			return nil, nil

		case stages.VerdictRetry:
			refine = result.Reasons
			p.logger.WarnContext(ctx, "stage retrying",
				"run_id", st.RunID,
				"stage", stage,
				"attempt", attempt,
				"reasons", result.Reasons,
			)

		default:
			return p.block(ctx, st, result.Gate, result.Reasons)
		}
	}

	reasons := []string{fmt.Sprintf("stage %s exhausted %d attempts", stage, p.opts.StageAttempts)}
	gate := ""
	if latest := st.Latest(stage); latest != nil {
		gate = latest.Gate
		reasons = append(reasons, latest.Reasons...)
	}
	return p.block(ctx, st, gate, reasons)
}

// executeStage dispatches to the stage executor.
func (p *Pipeline) executeStage(ctx context.Context, st *State, stage stages.Stage, attempt int, refine []string) (stages.Result, []llm.Attempt, error) {
	switch stage {
	case stages.StageExtract:
		return p.runExtract(ctx, st, attempt, refine)
	case stages.StageAnalyze:
		return p.runAnalyze(ctx, st, attempt, refine)
	case stages.StageSynthesize:
		return p.runSynthesize(ctx, st, attempt, refine)
	}
	return stages.Result{}, nil, fmt.Errorf("%w: %s", stages.ErrUnknownStage, stage)
}

// stageFailure routes an executor error: interruption bubbles up for the
// resumable block, an exhausted retry budget becomes a gate failure when
// prior attempts exist and a dead-letter when none do, and everything
// fatal dead-letters with the retry history attached.
func (p *Pipeline) stageFailure(ctx context.Context, st *State, stage stages.Stage, history []llm.Attempt, err error) (*Outcome, error) {
	if ctx.Err() != nil {
		return nil, err
	}

	if errors.Is(err, llm.ErrRetryBudget) {
		if st.Attempts(stage) > 0 {
			return p.block(ctx, st, string(gates.GateFieldEvidence),
				[]string{fmt.Sprintf("stage %s retry budget exhausted; last attempt retained for audit", stage)})
		}
		return p.deadLetter(ctx, st, stage, history, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return p.block(ctx, st, gateTimeout,
			[]string{fmt.Sprintf("stage %s timed out after %s", stage, p.opts.StageTimeout)})
	}

	return p.deadLetter(ctx, st, stage, history, err)
}

// finalize seals a run whose stages all passed: blend the run confidence,
// persist the report, save the reference draft, archive the bundle, and
// destroy the checkpoint.
func (p *Pipeline) finalize(ctx context.Context, st *State) (*Outcome, error) {
	var synth stages.SynthesizePayload
	if result := st.Latest(stages.StageSynthesize); result != nil {
		if err := json.Unmarshal(result.Payload, &synth); err != nil {
			return p.deadLetter(ctx, st, stages.StageSynthesize, nil,
				fmt.Errorf("decode synthesis payload: %w", err))
		}
	}

	st.Status = StatusFinalized
	st.Confidence = stages.RunScore(st.Confidences(), synth.Inconclusive())
	st.UpdatedAt = time.Now().UTC()

	report, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return p.deadLetter(ctx, st, "", nil, fmt.Errorf("encode report: %w", err))
	}

	if p.rt.Reports != "" {
		if err := p.writeReport(st.RunID, report); err != nil {
			p.logger.WarnContext(ctx, "report write failed", "run_id", st.RunID, "error", err)
			st.Alert("", "report write failed: "+err.Error())
		}
	}

	p.saveDraft(ctx, st, &synth)
	p.archiveRun(ctx, st, report)
	p.finishIndexRun(ctx, st, string(synth.Decision), "")

	if err := p.rt.Checkpoints.Delete(st.RunID); err != nil {
		p.logger.WarnContext(ctx, "checkpoint cleanup failed", "run_id", st.RunID, "error", err)
	}

	p.logger.InfoContext(ctx, "run finalized",
		"run_id", st.RunID,
		"decision", synth.Decision,
		"confidence", st.Confidence,
		"tokens", st.Usage.Total(),
		"cost", st.Cost,
		"cache_hits", st.CacheHits,
	)

	return p.outcome(st), nil
}

// block stops the run fail-closed with the gate and reasons that halted
// it, checkpoints the blocked state, and reports the specifics. Blocked
// runs resume.
func (p *Pipeline) block(ctx context.Context, st *State, gate string, reasons []string) (*Outcome, error) {
	st.block(gate, reasons)
	if err := p.checkpoint(st); err != nil {
		return nil, fmt.Errorf("checkpoint blocked state: %w", err)
	}

	bg := context.WithoutCancel(ctx)
	p.markIndex(bg, st)
	p.logger.WarnContext(bg, "run blocked",
		"run_id", st.RunID,
		"gate", gate,
		"reasons", reasons,
	)

	return p.outcome(st), nil
}

// deadLetter moves the run to the absorbing terminal state: one record
// with the full state snapshot, the error class, and the failing stage's
// retry history. The user-facing outcome carries only the class and run
// id, never provider error text.
func (p *Pipeline) deadLetter(ctx context.Context, st *State, stage stages.Stage, history []llm.Attempt, cause error) (*Outcome, error) {
	class := Classify(cause)
	if class == "" || class.Retryable() {
		class = ClassFatal
	}

	st.Status = StatusDeadLettered
	st.UpdatedAt = time.Now().UTC()

	record := DeadLetterRecord{
		RunID:    st.RunID,
		Class:    class,
		Stage:    string(stage),
		Reason:   cause.Error(),
		State:    *st,
		Attempts: history,
		FailedAt: time.Now().UTC(),
	}

	path, err := p.rt.DeadLetters.Append(st.RunID, &record)
	if err != nil {
		return nil, fmt.Errorf("dead-letter %s: %w", st.RunID, err)
	}

	bg := context.WithoutCancel(ctx)
	if err := p.rt.Checkpoints.Delete(st.RunID); err != nil {
		p.logger.WarnContext(bg, "checkpoint cleanup failed", "run_id", st.RunID, "error", err)
	}

	errText := fmt.Sprintf("%s failure", class)
	if stage != "" {
		errText = fmt.Sprintf("%s failure in %s", class, stage)
	}
	p.finishIndexRun(bg, st, "", errText)

	p.logger.ErrorContext(bg, "run dead-lettered",
		"run_id", st.RunID,
		"class", class,
		"stage", stage,
		"record", path,
	)

	outcome := p.outcome(st)
	outcome.Class = class
	outcome.Reasons = []string{fmt.Sprintf(
		"fatal %s failure; inspect the dead-letter record for run %s", class, st.RunID)}
	return outcome, nil
}

// outcome projects the state into its user-facing result.
func (p *Pipeline) outcome(st *State) *Outcome {
	out := &Outcome{
		RunID:      st.RunID,
		Status:     st.Status,
		Confidence: st.Confidence,
		Gate:       st.BlockedGate,
		Reasons:    st.BlockedReasons,
		Alerts:     st.Alerts,
		Usage:      st.Usage,
		Cost:       st.Cost,
		CacheHits:  st.CacheHits,
	}

	if result := st.Latest(stages.StageSynthesize); result.Passed() {
		var synth stages.SynthesizePayload
		if err := json.Unmarshal(result.Payload, &synth); err == nil {
			out.Decision = synth.Decision
		}
	}

	return out
}

// checkpoint writes the state snapshot synchronously; the transition does
// not proceed until the snapshot is durable.
func (p *Pipeline) checkpoint(st *State) error {
	return p.rt.Checkpoints.Save(st.RunID, st)
}

func (p *Pipeline) writeReport(runID string, report []byte) error {
	if err := os.MkdirAll(p.rt.Reports, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(p.rt.Reports, fmt.Sprintf("report_%s.json", runID)), report, 0o644)
}

// saveDraft records the finalized decision as a reference draft for
// future runs. Failures degrade to a warning; drafts are advisory.
func (p *Pipeline) saveDraft(ctx context.Context, st *State, synth *stages.SynthesizePayload) {
	if p.rt.References == nil || synth.Decision == "" {
		return
	}

	var themes []string
	if result := st.Latest(stages.StageAnalyze); result.Passed() {
		var analysis stages.AnalyzePayload
		if err := json.Unmarshal(result.Payload, &analysis); err == nil {
			for theme := range analysis.Themes {
				themes = append(themes, theme)
			}
		}
	}

	draft := reference.Draft{
		RunID:      st.RunID,
		Decision:   string(synth.Decision),
		Rationale:  synth.Rationale,
		Citations:  synth.Citations,
		Themes:     themes,
		Confidence: st.Confidence,
		CreatedAt:  time.Now().UTC(),
	}
	if err := p.rt.References.Save(draft); err != nil {
		p.logger.WarnContext(ctx, "reference draft save failed", "run_id", st.RunID, "error", err)
	}
}

// archiveRun uploads the report and source files. Archive failures never
// fail a finalized run; they surface as alerts.
func (p *Pipeline) archiveRun(ctx context.Context, st *State, report []byte) {
	if p.rt.Archiver == nil {
		return
	}

	files := make([]string, 0, len(st.Documents))
	for _, doc := range st.Documents {
		files = append(files, doc.Path)
	}

	bundle := archive.Bundle{RunID: st.RunID, Report: report, Files: files}
	if _, err := p.rt.Archiver.Archive(ctx, bundle); err != nil {
		p.logger.WarnContext(ctx, "archive failed", "run_id", st.RunID, "error", err)
		st.Alert("", "archive failed: "+err.Error())
	}
}

// maxTokens returns the output budget for a stage.
func (p *Pipeline) maxTokens(stage stages.Stage) int {
	return p.opts.MaxTokens[stage]
}

// Index recording is best-effort throughout: the index is an observer of
// the run, never a participant, so its failures log and move on.

func (p *Pipeline) startIndexRun(ctx context.Context, st *State) {
	if p.rt.Index == nil {
		return
	}
	err := p.rt.Index.StartRun(ctx, index.Run{
		RunID:           st.RunID,
		Status:          string(st.Status),
		Profile:         st.Profile,
		PromptSignature: st.PromptSignature,
		StartedAt:       st.StartedAt,
	})
	if err != nil {
		p.logger.WarnContext(ctx, "index start failed", "run_id", st.RunID, "error", err)
	}
}

func (p *Pipeline) markIndex(ctx context.Context, st *State) {
	if p.rt.Index == nil {
		return
	}
	if err := p.rt.Index.MarkStatus(ctx, st.RunID, string(st.Status)); err != nil {
		p.logger.WarnContext(ctx, "index status update failed", "run_id", st.RunID, "error", err)
	}
}

func (p *Pipeline) finishIndexRun(ctx context.Context, st *State, decision, errText string) {
	if p.rt.Index == nil {
		return
	}
	err := p.rt.Index.FinishRun(ctx, index.Run{
		RunID:        st.RunID,
		Status:       string(st.Status),
		Decision:     decision,
		Confidence:   st.Confidence,
		Coverage:     st.Coverage(),
		Documents:    len(st.Documents),
		InputTokens:  st.Usage.InputTokens,
		OutputTokens: st.Usage.OutputTokens,
		Cost:         st.Cost,
		Retries:      st.Retries,
		CacheHits:    st.CacheHits,
		Error:        errText,
	})
	if err != nil {
		p.logger.WarnContext(ctx, "index finish failed", "run_id", st.RunID, "error", err)
	}
}

func (p *Pipeline) recordStageEvent(ctx context.Context, runID string, result *stages.Result, duration time.Duration) {
	if p.rt.Index == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	err := p.rt.Index.RecordStage(ctx, index.StageEvent{
		RunID:        runID,
		Stage:        string(result.Stage),
		Attempt:      result.Attempt,
		Verdict:      string(result.Verdict),
		Confidence:   result.Confidence,
		Coverage:     result.Coverage,
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
		Cost:         result.Cost,
		FromCache:    result.FromCache,
		DurationMS:   duration.Milliseconds(),
	})
	if err != nil {
		p.logger.WarnContext(ctx, "index stage event failed", "run_id", runID, "error", err)
	}
}

func (p *Pipeline) recordGate(ctx context.Context, runID string, stage stages.Stage, eval gates.Evaluation) {
	if p.rt.Index == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	err := p.rt.Index.RecordGate(ctx, index.GateEvent{
		RunID:       runID,
		Stage:       string(stage),
		Gate:        string(eval.Gate),
		Verdict:     string(eval.Verdict),
		Reasons:     eval.Reasons,
		Escalations: eval.Escalations,
	})
	if err != nil {
		p.logger.WarnContext(ctx, "index gate event failed", "run_id", runID, "error", err)
	}
}
