package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/JaimeStill/arbiter/pkg/repository"
)

// Summary aggregates the full run history.
func (s *Store) Summary(ctx context.Context) (Summary, error) {
	summary := Summary{ByStatus: make(map[string]int)}

	statusQ := "SELECT status, COUNT(*) FROM runs GROUP BY status"

	rows, err := s.db.QueryContext(ctx, statusQ)
	if err != nil {
		return summary, fmt.Errorf("count runs by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return summary, fmt.Errorf("scan status count: %w", err)
		}
		summary.ByStatus[status] = count
		summary.Runs += count
	}
	if err := rows.Err(); err != nil {
		return summary, fmt.Errorf("iterate status counts: %w", err)
	}

	totalsQ := `
		SELECT
			COALESCE(SUM(cost), 0),
			COALESCE(SUM(input_tokens + output_tokens), 0),
			COALESCE(SUM(retries), 0),
			COALESCE(SUM(cache_hits), 0),
			COALESCE(AVG(CASE WHEN finished_at IS NOT NULL THEN confidence END), 0)
		FROM runs`

	err = s.db.QueryRowContext(ctx, totalsQ).Scan(
		&summary.TotalCost,
		&summary.TotalTokens,
		&summary.TotalRetries,
		&summary.CacheHits,
		&summary.AvgConfidence,
	)
	if err != nil {
		return summary, fmt.Errorf("aggregate run totals: %w", err)
	}

	return summary, nil
}

// CostDeltas returns the cost of the most recent finished runs in
// chronological order, each with its delta against the run before it.
func (s *Store) CostDeltas(ctx context.Context, limit int) ([]CostPoint, error) {
	if limit < 1 {
		limit = 20
	}

	selectQ := `
		SELECT run_id, started_at, cost
		FROM runs
		WHERE finished_at IS NOT NULL
		ORDER BY started_at DESC
		LIMIT ?`

	points, err := repository.QueryMany(ctx, s.db, selectQ, []any{limit},
		func(sc repository.Scanner) (CostPoint, error) {
			var p CostPoint
			var started string
			if err := sc.Scan(&p.RunID, &started, &p.Cost); err != nil {
				return p, err
			}

			var err error
			if p.StartedAt, err = parseTime(started); err != nil {
				return p, fmt.Errorf("parse started_at: %w", err)
			}
			return p, nil
		})
	if err != nil {
		return nil, fmt.Errorf("query run costs: %w", err)
	}

	// reverse into chronological order before computing deltas
	for i, j := 0, len(points)-1; i < j; i, j = i+1, j-1 {
		points[i], points[j] = points[j], points[i]
	}

	for i := range points {
		if i > 0 {
			points[i].Delta = points[i].Cost - points[i-1].Cost
		}
	}

	return points, nil
}

// Streak counts the most recent consecutive finished runs that reached the
// given status with at least the given confidence.
func (s *Store) Streak(ctx context.Context, status string, minConfidence float64) (int, error) {
	selectQ := `
		SELECT status, confidence
		FROM runs
		WHERE finished_at IS NOT NULL
		ORDER BY started_at DESC`

	rows, err := s.db.QueryContext(ctx, selectQ)
	if err != nil {
		return 0, fmt.Errorf("query run streak: %w", err)
	}
	defer rows.Close()

	streak := 0
	for rows.Next() {
		var runStatus string
		var confidence float64
		if err := rows.Scan(&runStatus, &confidence); err != nil {
			return 0, fmt.Errorf("scan run streak: %w", err)
		}

		if runStatus != status || confidence < minConfidence {
			break
		}
		streak++
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate run streak: %w", err)
	}

	return streak, nil
}

// RecordBaseline appends one baseline case evaluation and reports whether
// the case regressed: its previous evaluation passed and this one did not.
// The previous-result read and the insert run in one transaction so a
// concurrent evaluation of the same case cannot split the comparison.
func (s *Store) RecordBaseline(ctx context.Context, result BaselineResult) (bool, error) {
	regressed, err := repository.WithTx(ctx, s.db, func(tx *sql.Tx) (bool, error) {
		previous, err := lastBaseline(ctx, tx, result.Suite, result.CaseID)
		hadPrevious := err == nil
		if err != nil && !errors.Is(err, ErrNoBaseline) {
			return false, err
		}

		if err := insertBaseline(ctx, tx, result); err != nil {
			return false, err
		}

		return hadPrevious && previous.Passed && !result.Passed, nil
	})
	if err != nil {
		return false, err
	}

	s.logger.Debug("baseline result recorded",
		"suite", result.Suite,
		"case", result.CaseID,
		"passed", result.Passed,
		"regressed", regressed,
	)
	return regressed, nil
}

func insertBaseline(ctx context.Context, x repository.Executor, result BaselineResult) error {
	insertQ := `
		INSERT INTO baseline_results (suite, case_id, run_id, expected, actual, passed, confidence, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	recorded := result.RecordedAt
	if recorded.IsZero() {
		recorded = time.Now()
	}

	_, err := x.ExecContext(ctx, insertQ,
		result.Suite,
		result.CaseID,
		result.RunID,
		result.Expected,
		result.Actual,
		boolToInt(result.Passed),
		result.Confidence,
		formatTime(recorded),
	)
	if err != nil {
		return fmt.Errorf("insert baseline result: %w", err)
	}

	return nil
}

// LastBaseline returns the most recent evaluation of one baseline case.
func (s *Store) LastBaseline(ctx context.Context, suite, caseID string) (BaselineResult, error) {
	return lastBaseline(ctx, s.db, suite, caseID)
}

func lastBaseline(ctx context.Context, q repository.Querier, suite, caseID string) (BaselineResult, error) {
	selectQ := `
		SELECT id, suite, case_id, run_id, expected, actual, passed, confidence, recorded_at
		FROM baseline_results
		WHERE suite = ? AND case_id = ?
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1`

	result, err := repository.QueryOne(ctx, q, selectQ, []any{suite, caseID}, scanBaselineResult)
	if errors.Is(err, sql.ErrNoRows) {
		return BaselineResult{}, ErrNoBaseline
	}
	if err != nil {
		return BaselineResult{}, fmt.Errorf("query baseline result: %w", err)
	}

	return result, nil
}

// BaselineHistory returns a suite's evaluations, newest first.
func (s *Store) BaselineHistory(ctx context.Context, suite string, limit int) ([]BaselineResult, error) {
	if limit < 1 {
		limit = 50
	}

	selectQ := `
		SELECT id, suite, case_id, run_id, expected, actual, passed, confidence, recorded_at
		FROM baseline_results
		WHERE suite = ?
		ORDER BY recorded_at DESC, id DESC
		LIMIT ?`

	results, err := repository.QueryMany(ctx, s.db, selectQ, []any{suite, limit}, scanBaselineResult)
	if err != nil {
		return nil, fmt.Errorf("query baseline history: %w", err)
	}

	return results, nil
}
