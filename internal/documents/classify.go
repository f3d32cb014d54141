package documents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/JaimeStill/arbiter/internal/stages"
)

const (
	// defaultConfidenceFloor is the score a strategy must reach for its
	// verdict to win the chain.
	defaultConfidenceFloor = 0.7
	// conflictCap bounds confidence whenever independent signals disagree.
	conflictCap = 0.49
	// defaultExcerptRunes bounds how much document text the model fallback
	// sees; role signals live in headers and opening sections.
	defaultExcerptRunes = 4000
)

// Verdict is one strategy's classification opinion.
type Verdict struct {
	Type       Type
	Confidence float64
	Method     string
	Rationale  string
}

// Strategy is one tier of the classification chain.
type Strategy interface {
	Name() string
	Classify(ctx context.Context, doc *Document) (Verdict, error)
}

// Classifier runs strategies in order and applies the first confident
// verdict. When no tier reaches the confidence floor the verdict is
// UNKNOWN: the batch gate blocks rather than the classifier guessing.
type Classifier struct {
	strategies []Strategy
	floor      float64
	logger     *slog.Logger
}

// NewClassifier chains the given strategies. A floor outside (0,1] falls
// back to the default.
func NewClassifier(strategies []Strategy, floor float64, logger *slog.Logger) *Classifier {
	if floor <= 0 || floor > 1 {
		floor = defaultConfidenceFloor
	}
	return &Classifier{
		strategies: strategies,
		floor:      floor,
		logger:     logger.With("system", "documents"),
	}
}

// Classify resolves the document's role and stamps it onto the document.
func (c *Classifier) Classify(ctx context.Context, doc *Document) (Verdict, error) {
	best := Verdict{Type: TypeUnknown, Method: "unresolved"}

	for _, strategy := range c.strategies {
		verdict, err := strategy.Classify(ctx, doc)
		if err != nil {
			return Verdict{}, fmt.Errorf("classify %s via %s: %w", doc.Path, strategy.Name(), err)
		}

		c.logger.DebugContext(ctx, "classification verdict",
			"document", doc.Path,
			"strategy", strategy.Name(),
			"type", verdict.Type,
			"confidence", verdict.Confidence,
		)

		if verdict.Type != TypeUnknown && verdict.Confidence >= c.floor {
			doc.Type = verdict.Type
			doc.Confidence = verdict.Confidence
			doc.Method = verdict.Method
			return verdict, nil
		}

		if verdict.Confidence > best.Confidence {
			best = verdict
			best.Type = TypeUnknown
		}
	}

	doc.Type = TypeUnknown
	doc.Confidence = best.Confidence
	doc.Method = best.Method
	return best, nil
}

// Markers declares the textual signals for each document role. Matching is
// case-insensitive; configure markers in the documents' language.
type Markers struct {
	Primary    []string `toml:"primary"`
	Supporting []string `toml:"supporting"`
}

// Heuristic scores marker density per role: score = hits / max(0.3 ×
// markers, 1), capped at 1. The two families cross-verify each other;
// when both score past the floor the signals conflict and the verdict
// degrades to UNKNOWN capped at 0.49.
type Heuristic struct {
	markers Markers
	floor   float64
}

// NewHeuristic creates the marker-scoring tier.
func NewHeuristic(markers Markers, floor float64) *Heuristic {
	if floor <= 0 || floor > 1 {
		floor = defaultConfidenceFloor
	}
	return &Heuristic{markers: markers, floor: floor}
}

func (h *Heuristic) Name() string { return "heuristic" }

func (h *Heuristic) Classify(_ context.Context, doc *Document) (Verdict, error) {
	text := strings.ToLower(doc.Text)

	primary := markerScore(text, h.markers.Primary)
	supporting := markerScore(text, h.markers.Supporting)

	if primary >= h.floor && supporting >= h.floor {
		conf := primary
		if supporting < conf {
			conf = supporting
		}
		if conf > conflictCap {
			conf = conflictCap
		}
		return Verdict{
			Type:       TypeUnknown,
			Confidence: conf,
			Method:     h.Name(),
			Rationale:  "primary and supporting markers both matched",
		}, nil
	}

	verdict := Verdict{Type: TypePrimary, Confidence: primary, Method: h.Name()}
	if supporting > primary {
		verdict = Verdict{Type: TypeSupporting, Confidence: supporting, Method: h.Name()}
	}
	if verdict.Confidence == 0 {
		verdict.Type = TypeUnknown
	}
	return verdict, nil
}

func markerScore(text string, markers []string) float64 {
	if len(markers) == 0 {
		return 0
	}

	hits := 0
	for _, m := range markers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" && strings.Contains(text, m) {
			hits++
		}
	}

	denom := 0.3 * float64(len(markers))
	if denom < 1 {
		denom = 1
	}

	score := float64(hits) / denom
	if score > 1 {
		score = 1
	}
	return score
}

// InvokeFunc issues one classification model call and returns the raw
// content. The orchestrator supplies routing, caching, and instruction
// loading behind it.
type InvokeFunc func(ctx context.Context, payload string) (string, error)

// ModelFallback is the last classification tier: it asks the routed model
// for a typed verdict when heuristics were not confident.
type ModelFallback struct {
	invoke  InvokeFunc
	excerpt int
}

// NewModelFallback creates the model tier. excerptRunes <= 0 uses the
// default excerpt size.
func NewModelFallback(invoke InvokeFunc, excerptRunes int) *ModelFallback {
	if excerptRunes <= 0 {
		excerptRunes = defaultExcerptRunes
	}
	return &ModelFallback{invoke: invoke, excerpt: excerptRunes}
}

func (m *ModelFallback) Name() string { return "model" }

func (m *ModelFallback) Classify(ctx context.Context, doc *Document) (Verdict, error) {
	content, err := m.invoke(ctx, excerpt(doc.Text, m.excerpt))
	if err != nil {
		return Verdict{}, err
	}

	payload, _, err := stages.Decode[stages.ClassifyPayload](stages.StageClassify, content)
	if err != nil {
		return Verdict{}, err
	}

	return Verdict{
		Type:       Type(payload.Type),
		Confidence: payload.Confidence,
		Method:     m.Name(),
		Rationale:  payload.Rationale,
	}, nil
}

func excerpt(text string, runes int) string {
	if runes <= 0 {
		return text
	}
	count := 0
	for i := range text {
		if count == runes {
			return text[:i]
		}
		count++
	}
	return text
}
