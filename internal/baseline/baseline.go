// Package baseline evaluates runs against a golden manifest of labelled
// cases. Each evaluation is persisted to the run index; a case that
// previously passed and now fails raises a regression alert.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/JaimeStill/arbiter/internal/index"
)

var (
	ErrUnknownCase   = errors.New("case not in manifest")
	ErrEmptyManifest = errors.New("manifest has no cases")
)

// Case is one labelled fixture: the documents to run and the outcome the
// pipeline must reproduce.
type Case struct {
	ID               string   `yaml:"id"`
	Docs             []string `yaml:"docs"`
	Profile          string   `yaml:"profile,omitempty"`
	ExpectedDecision string   `yaml:"expected_decision"`
	MinConfidence    float64  `yaml:"min_confidence"`
}

// Manifest is a named suite of baseline cases.
type Manifest struct {
	Suite string `yaml:"suite"`
	Cases []Case `yaml:"cases"`
}

// LoadManifest reads and validates a YAML manifest.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	if manifest.Suite == "" {
		manifest.Suite = "default"
	}

	if len(manifest.Cases) == 0 {
		return nil, ErrEmptyManifest
	}

	seen := make(map[string]struct{}, len(manifest.Cases))
	for i, c := range manifest.Cases {
		if c.ID == "" {
			return nil, fmt.Errorf("case %d: id required", i)
		}
		if _, ok := seen[c.ID]; ok {
			return nil, fmt.Errorf("case %s: duplicate id", c.ID)
		}
		seen[c.ID] = struct{}{}

		if c.ExpectedDecision == "" {
			return nil, fmt.Errorf("case %s: expected_decision required", c.ID)
		}
		if c.MinConfidence < 0 || c.MinConfidence > 1 {
			return nil, fmt.Errorf("case %s: min_confidence must be within [0, 1]", c.ID)
		}
	}

	return &manifest, nil
}

// Case returns the manifest case with the given id.
func (m *Manifest) Case(id string) (Case, error) {
	for _, c := range m.Cases {
		if c.ID == id {
			return c, nil
		}
	}
	return Case{}, fmt.Errorf("%w: %s", ErrUnknownCase, id)
}

// Outcome is what one pipeline run produced for a case.
type Outcome struct {
	CaseID     string
	RunID      string
	Decision   string
	Confidence float64
}

// Evaluation is the verdict for one case, with regression detection
// against the case's previous evaluation.
type Evaluation struct {
	Result    index.BaselineResult `json:"result"`
	Regressed bool                 `json:"regressed"`
}

// Evaluator compares outcomes to the manifest and persists results.
type Evaluator struct {
	store  *index.Store
	logger *slog.Logger
}

// NewEvaluator creates an evaluator backed by the run index.
func NewEvaluator(store *index.Store, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		store:  store,
		logger: logger.With("system", "baseline"),
	}
}

// Evaluate scores one outcome against its manifest case, records the
// result, and reports whether the case regressed from its previous
// evaluation.
func (e *Evaluator) Evaluate(ctx context.Context, manifest *Manifest, outcome Outcome) (Evaluation, error) {
	c, err := manifest.Case(outcome.CaseID)
	if err != nil {
		return Evaluation{}, err
	}

	passed := outcome.Decision == c.ExpectedDecision && outcome.Confidence >= c.MinConfidence

	result := index.BaselineResult{
		Suite:      manifest.Suite,
		CaseID:     c.ID,
		RunID:      outcome.RunID,
		Expected:   c.ExpectedDecision,
		Actual:     outcome.Decision,
		Passed:     passed,
		Confidence: outcome.Confidence,
	}

	regressed, err := e.store.RecordBaseline(ctx, result)
	if err != nil {
		return Evaluation{}, fmt.Errorf("record result: %w", err)
	}

	evaluation := Evaluation{
		Result:    result,
		Regressed: regressed,
	}

	if evaluation.Regressed {
		e.logger.WarnContext(ctx, "baseline regression",
			"suite", manifest.Suite,
			"case", c.ID,
			"expected", c.ExpectedDecision,
			"actual", outcome.Decision,
			"confidence", outcome.Confidence,
			"min_confidence", c.MinConfidence,
		)
	}

	return evaluation, nil
}
