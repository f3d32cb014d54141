// Package deadletter is the append-only terminal store for fatal pipeline
// failures. Records are written once with the full state snapshot and retry
// history, read only by operators, and never feed back into the pipeline.
package deadletter

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ErrNoRecords indicates no dead-letter records exist for the run.
var ErrNoRecords = errors.New("no dead-letter records")

// Queue appends records of T under one directory, one file per failure.
type Queue[T any] struct {
	dir string

	// now is replaced in tests for stable file names.
	now func() time.Time
}

// New creates a queue writing under dir.
func New[T any](dir string) *Queue[T] {
	return &Queue[T]{dir: dir, now: time.Now}
}

// Append writes one record and returns its path. Files are named
// dlq_<runID>_<timestamp>.json; the nanosecond timestamp keeps repeated
// failures of the same run distinct and sortable.
func (q *Queue[T]) Append(runID string, record *T) (string, error) {
	if err := os.MkdirAll(q.dir, 0o755); err != nil {
		return "", fmt.Errorf("dead-letter dir: %w", err)
	}

	raw, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode dead-letter record: %w", err)
	}

	path := filepath.Join(q.dir, fmt.Sprintf("dlq_%s_%d.json", runID, q.now().UnixNano()))
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create dead-letter record: %w", err)
	}

	if _, err := file.Write(raw); err != nil {
		file.Close()
		return "", fmt.Errorf("write dead-letter record: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close dead-letter record: %w", err)
	}
	return path, nil
}

// List returns the record paths for a run, oldest first.
func (q *Queue[T]) List(runID string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(q.dir, fmt.Sprintf("dlq_%s_*.json", runID)))
	if err != nil {
		return nil, fmt.Errorf("list dead-letter records: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}

// Read loads one record by path.
func (q *Queue[T]) Read(path string) (*T, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoRecords, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read dead-letter record: %w", err)
	}

	record := new(T)
	if err := json.Unmarshal(raw, record); err != nil {
		return nil, fmt.Errorf("decode dead-letter record %s: %w", filepath.Base(path), err)
	}
	return record, nil
}

// Latest loads the newest record for a run.
func (q *Queue[T]) Latest(runID string) (*T, string, error) {
	paths, err := q.List(runID)
	if err != nil {
		return nil, "", err
	}
	if len(paths) == 0 {
		return nil, "", fmt.Errorf("%w: %s", ErrNoRecords, runID)
	}

	newest := paths[len(paths)-1]
	record, err := q.Read(newest)
	if err != nil {
		return nil, "", err
	}
	return record, newest, nil
}
