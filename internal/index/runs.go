package index

import (
	"context"
	"fmt"
	"time"

	"github.com/JaimeStill/arbiter/pkg/pagination"
	"github.com/JaimeStill/arbiter/pkg/query"
	"github.com/JaimeStill/arbiter/pkg/repository"
)

// StartRun records a new run. The run id must not already exist.
func (s *Store) StartRun(ctx context.Context, run Run) error {
	insertQ := `
		INSERT INTO runs (run_id, status, profile, prompt_signature, started_at)
		VALUES (?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, insertQ,
		run.RunID,
		run.Status,
		run.Profile,
		run.PromptSignature,
		formatTime(run.StartedAt),
	)
	if err != nil {
		return repository.MapError(fmt.Errorf("insert run: %w", err), ErrRunNotFound, ErrDuplicateRun)
	}

	s.logger.Info("run recorded",
		"run_id", run.RunID,
		"status", run.Status,
		"profile", run.Profile,
	)
	return nil
}

// MarkStatus updates a run's status without touching its totals.
func (s *Store) MarkStatus(ctx context.Context, runID, status string) error {
	err := repository.ExecExpectOne(ctx, s.db,
		"UPDATE runs SET status = ? WHERE run_id = ?",
		status, runID,
	)
	if err != nil {
		return repository.MapError(err, ErrRunNotFound, ErrDuplicateRun)
	}

	return nil
}

// FinishRun stamps a run's terminal status and totals.
func (s *Store) FinishRun(ctx context.Context, run Run) error {
	updateQ := `
		UPDATE runs
		SET status = ?, decision = ?, confidence = ?, coverage = ?,
			documents = ?, input_tokens = ?, output_tokens = ?, cost = ?,
			retries = ?, cache_hits = ?, error = ?, finished_at = ?
		WHERE run_id = ?`

	finished := time.Now()
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}

	err := repository.ExecExpectOne(ctx, s.db, updateQ,
		run.Status,
		run.Decision,
		run.Confidence,
		run.Coverage,
		run.Documents,
		run.InputTokens,
		run.OutputTokens,
		run.Cost,
		run.Retries,
		run.CacheHits,
		run.Error,
		formatTime(finished),
		run.RunID,
	)
	if err != nil {
		return repository.MapError(fmt.Errorf("finish run: %w", err), ErrRunNotFound, ErrDuplicateRun)
	}

	s.logger.Info("run finished",
		"run_id", run.RunID,
		"status", run.Status,
		"decision", run.Decision,
		"confidence", run.Confidence,
		"cost", run.Cost,
	)
	return nil
}

// Run returns one run by id.
func (s *Store) Run(ctx context.Context, runID string) (Run, error) {
	q, args := query.NewBuilder(runProjection).BuildSingle("RunID", runID)

	run, err := repository.QueryOne(ctx, s.db, q, args, scanRun)
	if err != nil {
		return Run{}, repository.MapError(err, ErrRunNotFound, ErrDuplicateRun)
	}

	return run, nil
}

// Runs returns a page of runs matching the filters, newest first unless
// the request sorts otherwise.
func (s *Store) Runs(
	ctx context.Context,
	page pagination.PageRequest,
	filters Filters,
) (pagination.PageResult[Run], error) {
	qb := query.
		NewBuilder(runProjection, runDefaultSort).
		WhereSearch(page.Search, "RunID", "Decision", "Status")

	filters.Apply(qb)

	if len(page.Sort) > 0 {
		qb.OrderByFields(page.Sort)
	}

	countSQL, countArgs := qb.BuildCount()
	total, err := repository.QueryValue[int](ctx, s.db, countSQL, countArgs...)
	if err != nil {
		return pagination.PageResult[Run]{}, fmt.Errorf("count runs: %w", err)
	}

	pageSQL, pageArgs := qb.BuildPage(page.Page, page.PageSize)
	items, err := repository.QueryMany(ctx, s.db, pageSQL, pageArgs, scanRun)
	if err != nil {
		return pagination.PageResult[Run]{}, fmt.Errorf("query runs: %w", err)
	}

	return pagination.NewPageResult(items, total, page.Page, page.PageSize), nil
}

// RecordStage appends one stage attempt's outcome.
func (s *Store) RecordStage(ctx context.Context, event StageEvent) error {
	insertQ := `
		INSERT INTO stage_events (
			run_id, stage, attempt, verdict, confidence, coverage,
			input_tokens, output_tokens, cost, from_cache, duration_ms, recorded_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	recorded := event.RecordedAt
	if recorded.IsZero() {
		recorded = time.Now()
	}

	_, err := s.db.ExecContext(ctx, insertQ,
		event.RunID,
		event.Stage,
		event.Attempt,
		event.Verdict,
		event.Confidence,
		event.Coverage,
		event.InputTokens,
		event.OutputTokens,
		event.Cost,
		boolToInt(event.FromCache),
		event.DurationMS,
		formatTime(recorded),
	)
	if err != nil {
		return fmt.Errorf("insert stage event: %w", err)
	}

	return nil
}

// RecordGate appends one gate evaluation's outcome.
func (s *Store) RecordGate(ctx context.Context, event GateEvent) error {
	reasons, err := marshalList(event.Reasons)
	if err != nil {
		return fmt.Errorf("marshal reasons: %w", err)
	}

	escalations, err := marshalList(event.Escalations)
	if err != nil {
		return fmt.Errorf("marshal escalations: %w", err)
	}

	recorded := event.RecordedAt
	if recorded.IsZero() {
		recorded = time.Now()
	}

	insertQ := `
		INSERT INTO gate_events (run_id, stage, gate, verdict, reasons, escalations, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, insertQ,
		event.RunID,
		event.Stage,
		event.Gate,
		event.Verdict,
		reasons,
		escalations,
		formatTime(recorded),
	)
	if err != nil {
		return fmt.Errorf("insert gate event: %w", err)
	}

	return nil
}

// StageEvents returns a run's stage attempts in recorded order.
func (s *Store) StageEvents(ctx context.Context, runID string) ([]StageEvent, error) {
	selectQ := `
		SELECT id, run_id, stage, attempt, verdict, confidence, coverage,
			input_tokens, output_tokens, cost, from_cache, duration_ms, recorded_at
		FROM stage_events
		WHERE run_id = ?
		ORDER BY id`

	events, err := repository.QueryMany(ctx, s.db, selectQ, []any{runID}, scanStageEvent)
	if err != nil {
		return nil, fmt.Errorf("query stage events: %w", err)
	}

	return events, nil
}

// GateEvents returns a run's gate evaluations in recorded order.
func (s *Store) GateEvents(ctx context.Context, runID string) ([]GateEvent, error) {
	selectQ := `
		SELECT id, run_id, stage, gate, verdict, reasons, escalations, recorded_at
		FROM gate_events
		WHERE run_id = ?
		ORDER BY id`

	events, err := repository.QueryMany(ctx, s.db, selectQ, []any{runID}, scanGateEvent)
	if err != nil {
		return nil, fmt.Errorf("query gate events: %w", err)
	}

	return events, nil
}
