// Package retention deletes aged run artifacts: checkpoints, dead
// letters, cache entries, and reference drafts. Each class has its own
// retention window; a zero window keeps that class forever.
package retention

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JaimeStill/arbiter/pkg/formatting"
)

// Policy sets how long each artifact class is kept.
type Policy struct {
	Checkpoints time.Duration
	DeadLetters time.Duration
	Cache       time.Duration
	Drafts      time.Duration
}

// Report tallies one sweep.
type Report struct {
	CheckpointsRemoved int   `json:"checkpoints_removed"`
	DeadLettersRemoved int   `json:"dead_letters_removed"`
	CacheRemoved       int   `json:"cache_removed"`
	DraftsRemoved      int   `json:"drafts_removed"`
	BytesReclaimed     int64 `json:"bytes_reclaimed"`
}

// Total returns the number of files removed across all classes.
func (r Report) Total() int {
	return r.CheckpointsRemoved + r.DeadLettersRemoved + r.CacheRemoved + r.DraftsRemoved
}

func (r Report) String() string {
	return fmt.Sprintf("removed %d files (%s reclaimed): %d checkpoints, %d dead letters, %d cache entries, %d drafts",
		r.Total(),
		formatting.FormatBytes(r.BytesReclaimed, 1),
		r.CheckpointsRemoved,
		r.DeadLettersRemoved,
		r.CacheRemoved,
		r.DraftsRemoved,
	)
}

// Sweeper walks the workspace artifact directories.
type Sweeper struct {
	checkpoints string
	deadLetters string
	cache       string
	drafts      string
	logger      *slog.Logger
}

// NewSweeper creates a sweeper over the four artifact directories. Empty
// paths are skipped.
func NewSweeper(checkpoints, deadLetters, cache, drafts string, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		checkpoints: checkpoints,
		deadLetters: deadLetters,
		cache:       cache,
		drafts:      drafts,
		logger:      logger.With("system", "retention"),
	}
}

// Sweep removes artifacts older than the policy windows and reports what
// was reclaimed. Unremovable files are logged and skipped: a sweep is
// maintenance, not an integrity operation.
func (s *Sweeper) Sweep(ctx context.Context, policy Policy) (Report, error) {
	var report Report

	classes := []struct {
		dir    string
		window time.Duration
		match  func(name string) bool
		count  *int
	}{
		{s.checkpoints, policy.Checkpoints, isCheckpoint, &report.CheckpointsRemoved},
		{s.deadLetters, policy.DeadLetters, isDeadLetter, &report.DeadLettersRemoved},
		{s.cache, policy.Cache, isCacheEntry, &report.CacheRemoved},
		{s.drafts, policy.Drafts, isDraft, &report.DraftsRemoved},
	}

	for _, class := range classes {
		if class.dir == "" || class.window <= 0 {
			continue
		}

		removed, bytes, err := s.sweepDir(ctx, class.dir, class.window, class.match)
		if err != nil {
			return report, err
		}

		*class.count += removed
		report.BytesReclaimed += bytes
	}

	s.logger.InfoContext(ctx, "sweep complete",
		"removed", report.Total(),
		"reclaimed", formatting.FormatBytes(report.BytesReclaimed, 1),
	)

	return report, nil
}

func (s *Sweeper) sweepDir(ctx context.Context, dir string, window time.Duration, match func(string) bool) (int, int64, error) {
	cutoff := time.Now().Add(-window)

	var removed int
	var bytes int64

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if d.IsDir() || !match(d.Name()) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			s.logger.Warn("skipping unreadable file", "path", path, "error", err)
			return nil
		}

		if !info.ModTime().Before(cutoff) {
			return nil
		}

		if err := os.Remove(path); err != nil {
			s.logger.Warn("failed to remove file", "path", path, "error", err)
			return nil
		}

		removed++
		bytes += info.Size()
		return nil
	})
	if err != nil {
		return removed, bytes, fmt.Errorf("sweep %s: %w", dir, err)
	}

	return removed, bytes, nil
}

func isCheckpoint(name string) bool {
	return strings.HasPrefix(name, "state_") && strings.HasSuffix(name, ".json")
}

func isDeadLetter(name string) bool {
	return strings.HasPrefix(name, "dlq_") && strings.HasSuffix(name, ".json")
}

func isCacheEntry(name string) bool {
	return strings.HasSuffix(name, ".json")
}

func isDraft(name string) bool {
	return strings.HasPrefix(name, "draft_") && strings.HasSuffix(name, ".json")
}
