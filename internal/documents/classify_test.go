package documents_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/JaimeStill/arbiter/internal/documents"
)

var testMarkers = documents.Markers{
	Primary:    []string{"recurso", "recorrente", "razões recursais"},
	Supporting: []string{"acórdão", "procuração", "certidão"},
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHeuristicClassify(t *testing.T) {
	heuristic := documents.NewHeuristic(testMarkers, 0.7)

	tests := []struct {
		name     string
		text     string
		wantType documents.Type
	}{
		{"primary markers", "RECURSO ESPECIAL\n\nRazões recursais do recorrente seguem.", documents.TypePrimary},
		{"supporting markers", "Segue em anexo a procuração e a certidão.", documents.TypeSupporting},
		{"no markers", "texto sem qualquer sinal aproveitável", documents.TypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := documents.New(tt.name + ".pdf")
			doc.SetText(tt.text)

			verdict, err := heuristic.Classify(context.Background(), &doc)
			if err != nil {
				t.Fatalf("Classify returned error: %v", err)
			}
			if verdict.Type != tt.wantType {
				t.Errorf("type = %s, want %s (confidence %v)", verdict.Type, tt.wantType, verdict.Confidence)
			}
		})
	}
}

func TestHeuristicConflictDegrades(t *testing.T) {
	heuristic := documents.NewHeuristic(testMarkers, 0.7)

	doc := documents.New("mixed.pdf")
	doc.SetText("Recurso do recorrente anexado à procuração e certidão do processo.")

	verdict, err := heuristic.Classify(context.Background(), &doc)
	if err != nil {
		t.Fatalf("Classify returned error: %v", err)
	}
	if verdict.Type != documents.TypeUnknown {
		t.Errorf("conflicting signals classified as %s, want UNKNOWN", verdict.Type)
	}
	if verdict.Confidence > 0.49 {
		t.Errorf("conflict confidence = %v, want capped at 0.49", verdict.Confidence)
	}
}

type fakeStrategy struct {
	name    string
	verdict documents.Verdict
	err     error
	calls   int
}

func (f *fakeStrategy) Name() string { return f.name }

func (f *fakeStrategy) Classify(_ context.Context, _ *documents.Document) (documents.Verdict, error) {
	f.calls++
	return f.verdict, f.err
}

func TestClassifierFirstConfidentWins(t *testing.T) {
	first := &fakeStrategy{name: "heuristic", verdict: documents.Verdict{
		Type: documents.TypePrimary, Confidence: 0.9, Method: "heuristic",
	}}
	second := &fakeStrategy{name: "model"}

	classifier := documents.NewClassifier([]documents.Strategy{first, second}, 0.7, discardLogger())

	doc := documents.New("main.pdf")
	verdict, err := classifier.Classify(context.Background(), &doc)
	if err != nil {
		t.Fatalf("Classify returned error: %v", err)
	}

	if verdict.Type != documents.TypePrimary {
		t.Errorf("type = %s, want PRIMARY", verdict.Type)
	}
	if second.calls != 0 {
		t.Errorf("later tier called %d times after a confident verdict, want 0", second.calls)
	}
	if doc.Type != documents.TypePrimary || doc.Method != "heuristic" {
		t.Errorf("document stamped %s/%s, want PRIMARY/heuristic", doc.Type, doc.Method)
	}
}

func TestClassifierFallsThrough(t *testing.T) {
	weak := &fakeStrategy{name: "heuristic", verdict: documents.Verdict{
		Type: documents.TypePrimary, Confidence: 0.4, Method: "heuristic",
	}}
	model := &fakeStrategy{name: "model", verdict: documents.Verdict{
		Type: documents.TypeSupporting, Confidence: 0.85, Method: "model",
	}}

	classifier := documents.NewClassifier([]documents.Strategy{weak, model}, 0.7, discardLogger())

	doc := documents.New("annex.pdf")
	verdict, err := classifier.Classify(context.Background(), &doc)
	if err != nil {
		t.Fatalf("Classify returned error: %v", err)
	}

	if verdict.Type != documents.TypeSupporting || verdict.Method != "model" {
		t.Errorf("verdict = %s/%s, want SUPPORTING/model", verdict.Type, verdict.Method)
	}
}

func TestClassifierUnresolvedStaysUnknown(t *testing.T) {
	weak := &fakeStrategy{name: "heuristic", verdict: documents.Verdict{
		Type: documents.TypePrimary, Confidence: 0.6, Method: "heuristic",
	}}
	alsoWeak := &fakeStrategy{name: "model", verdict: documents.Verdict{
		Type: documents.TypePrimary, Confidence: 0.65, Method: "model",
	}}

	classifier := documents.NewClassifier([]documents.Strategy{weak, alsoWeak}, 0.7, discardLogger())

	doc := documents.New("vague.pdf")
	verdict, err := classifier.Classify(context.Background(), &doc)
	if err != nil {
		t.Fatalf("Classify returned error: %v", err)
	}

	if verdict.Type != documents.TypeUnknown {
		t.Errorf("sub-floor verdicts resolved to %s, want UNKNOWN", verdict.Type)
	}
	if doc.Type != documents.TypeUnknown {
		t.Errorf("document stamped %s, want UNKNOWN", doc.Type)
	}
}

func TestClassifierPropagatesErrors(t *testing.T) {
	wantErr := errors.New("model unavailable")
	weak := &fakeStrategy{name: "heuristic", verdict: documents.Verdict{Type: documents.TypeUnknown}}
	failing := &fakeStrategy{name: "model", err: wantErr}

	classifier := documents.NewClassifier([]documents.Strategy{weak, failing}, 0.7, discardLogger())

	doc := documents.New("broken.pdf")
	if _, err := classifier.Classify(context.Background(), &doc); !errors.Is(err, wantErr) {
		t.Fatalf("error = %v, want wrapped model failure", err)
	}
}

func TestModelFallback(t *testing.T) {
	var captured string
	invoke := func(_ context.Context, payload string) (string, error) {
		captured = payload
		return "```json\n" + `{"type": "PRIMARY", "confidence": 0.88, "rationale": "appeal header"}` + "\n```", nil
	}

	fallback := documents.NewModelFallback(invoke, 100)

	doc := documents.New("long.pdf")
	doc.SetText(strings.Repeat("é", 500))

	verdict, err := fallback.Classify(context.Background(), &doc)
	if err != nil {
		t.Fatalf("Classify returned error: %v", err)
	}

	if verdict.Type != documents.TypePrimary || verdict.Confidence != 0.88 {
		t.Errorf("verdict = %s at %v, want PRIMARY at 0.88", verdict.Type, verdict.Confidence)
	}
	if got := utf8.RuneCountInString(captured); got != 100 {
		t.Errorf("excerpt = %d runes, want 100", got)
	}
}
