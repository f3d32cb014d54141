// Package reference selects previously finalized drafts as exemplars for
// the synthesis stage. Drafts are scored against the current run by shared
// citations and theme overlap; the top matches ride along in the stage
// request. Selection is advisory: a missing or corrupt draft store never
// fails a run.
package reference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/JaimeStill/arbiter/internal/stages"
)

// DefaultTopK bounds how many exemplars ride in a synthesis request.
const DefaultTopK = 2

// Draft is one finalized synthesis kept for reuse.
type Draft struct {
	RunID      string    `json:"run_id"`
	Decision   string    `json:"decision"`
	Rationale  string    `json:"rationale"`
	Citations  []string  `json:"citations,omitempty"`
	Themes     []string  `json:"themes,omitempty"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// Match is a selected draft with its similarity score.
type Match struct {
	Draft Draft   `json:"draft"`
	Score float64 `json:"score"`
}

// Selector stores and ranks finalized drafts.
type Selector struct {
	dir    string
	topK   int
	logger *slog.Logger
}

// NewSelector creates a selector over dir. topK below 1 selects the
// default.
func NewSelector(dir string, topK int, logger *slog.Logger) *Selector {
	if topK < 1 {
		topK = DefaultTopK
	}

	return &Selector{
		dir:    dir,
		topK:   topK,
		logger: logger.With("system", "reference"),
	}
}

// Save persists a finalized draft for future selection.
func (s *Selector) Save(draft Draft) error {
	if draft.RunID == "" {
		return errors.New("draft run id required")
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create draft directory: %w", err)
	}

	raw, err := json.MarshalIndent(draft, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal draft: %w", err)
	}

	path := filepath.Join(s.dir, fmt.Sprintf("draft_%s.json", draft.RunID))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write draft: %w", err)
	}

	s.logger.Debug("draft saved", "run_id", draft.RunID, "path", path)
	return nil
}

// Select returns the top-scoring drafts for the given citations and
// themes, best first. Drafts with no overlap are not returned.
func (s *Selector) Select(ctx context.Context, citations, themes []string) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	paths, err := filepath.Glob(filepath.Join(s.dir, "draft_*.json"))
	if err != nil {
		return nil, fmt.Errorf("scan drafts: %w", err)
	}

	wantCitations := normalizeSet(citations)
	wantThemes := normalizeSet(themes)

	var matches []Match
	for _, path := range paths {
		draft, err := s.load(path)
		if err != nil {
			s.logger.Warn("skipping unreadable draft", "path", path, "error", err)
			continue
		}

		score := similarity(draft, wantCitations, wantThemes)
		if score <= 0 {
			continue
		}

		matches = append(matches, Match{Draft: draft, Score: score})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Draft.CreatedAt.After(matches[j].Draft.CreatedAt)
	})

	if len(matches) > s.topK {
		matches = matches[:s.topK]
	}

	return matches, nil
}

func (s *Selector) load(path string) (Draft, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Draft{}, err
	}

	var draft Draft
	if err := json.Unmarshal(raw, &draft); err != nil {
		return Draft{}, err
	}

	return draft, nil
}

// similarity weighs citation agreement over theme agreement: a shared
// authority is a stronger signal of a comparable case than a shared theme
// label.
func similarity(draft Draft, citations, themes map[string]struct{}) float64 {
	return 0.6*jaccard(normalizeSet(draft.Citations), citations) +
		0.4*jaccard(normalizeSet(draft.Themes), themes)
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	shared := 0
	for v := range a {
		if _, ok := b[v]; ok {
			shared++
		}
	}

	union := len(a) + len(b) - shared
	if union == 0 {
		return 0
	}

	return float64(shared) / float64(union)
}

func normalizeSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if n := stages.Normalize(v); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}
