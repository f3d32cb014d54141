package tokens_test

import (
	"reflect"
	"strings"
	"testing"

	"github.com/JaimeStill/arbiter/internal/tokens"
)

func TestEstimate(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"short text floors at one", "ab", 1},
		{"four runes per token", strings.Repeat("a", 400), 100},
		{"multibyte runes count once", strings.Repeat("é", 40), 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tokens.Estimate(tt.text); got != tt.want {
				t.Errorf("Estimate() = %d, want %d", got, tt.want)
			}
		})
	}
}

// paragraphs builds n blank-line separated paragraphs of exactly 200 runes
// (50 estimated tokens) each.
func paragraphs(n int) string {
	para := strings.Repeat("abcd", 50)
	parts := make([]string, n)
	for i := range parts {
		parts[i] = para
	}
	return strings.Join(parts, "\n\n")
}

func TestSplitUnderCeiling(t *testing.T) {
	text := paragraphs(2)
	budget := tokens.Budget{Window: 1000, Ratio: 0.5, Overlap: 50}

	plan := tokens.Split(text, budget)

	if len(plan.Segments) != 1 {
		t.Fatalf("len(Segments) = %d, want 1", len(plan.Segments))
	}
	if plan.Coverage != 1.0 {
		t.Errorf("Coverage = %v, want 1.0", plan.Coverage)
	}
	seg := plan.Segments[0]
	if seg.Start != 0 || seg.End != len(text) {
		t.Errorf("segment spans [%d,%d), want [0,%d)", seg.Start, seg.End, len(text))
	}
	if seg.Overlap != 0 {
		t.Errorf("Overlap = %d, want 0", seg.Overlap)
	}
}

func TestSplitOversized(t *testing.T) {
	// 12 paragraphs of 50 tokens against a 200-token ceiling
	text := paragraphs(12)
	budget := tokens.Budget{Window: 400, Ratio: 0.5, Overlap: 50}

	plan := tokens.Split(text, budget)

	if !plan.Chunked() {
		t.Fatal("Chunked() = false, want true")
	}
	if plan.Coverage != 1.0 {
		t.Errorf("Coverage = %v, want 1.0", plan.Coverage)
	}

	first := plan.Segments[0]
	last := plan.Segments[len(plan.Segments)-1]
	if first.Start != 0 {
		t.Errorf("first segment starts at %d, want 0", first.Start)
	}
	if last.End != len(text) {
		t.Errorf("last segment ends at %d, want %d", last.End, len(text))
	}

	ceiling := budget.Ceiling()
	for _, seg := range plan.Segments {
		if seg.Tokens > ceiling {
			t.Errorf("segment %d holds %d tokens, want <= %d", seg.Index, seg.Tokens, ceiling)
		}
	}

	// consecutive segments share tail content under the overlap budget
	for i := 1; i < len(plan.Segments); i++ {
		prev, cur := plan.Segments[i-1], plan.Segments[i]
		if cur.Start >= prev.End {
			t.Errorf("segment %d starts at %d, after previous end %d", i, cur.Start, prev.End)
		}
		if cur.Overlap > budget.Overlap {
			t.Errorf("segment %d overlap = %d, want <= %d", i, cur.Overlap, budget.Overlap)
		}
	}
}

func TestSplitDeterministic(t *testing.T) {
	text := paragraphs(9)
	budget := tokens.Budget{Window: 400, Ratio: 0.5, Overlap: 40}

	a := tokens.Split(text, budget)
	b := tokens.Split(text, budget)

	if !reflect.DeepEqual(a, b) {
		t.Error("identical inputs produced different plans")
	}
}

func TestSplitMaxSegmentsReducesCoverage(t *testing.T) {
	text := paragraphs(12)
	budget := tokens.Budget{Window: 400, Ratio: 0.5, Overlap: 50, MaxSegments: 2}

	plan := tokens.Split(text, budget)

	if len(plan.Segments) != 2 {
		t.Fatalf("len(Segments) = %d, want 2", len(plan.Segments))
	}
	if plan.Coverage >= 1.0 {
		t.Errorf("Coverage = %v, want < 1.0 for a truncated plan", plan.Coverage)
	}
	if plan.Coverage <= 0 {
		t.Errorf("Coverage = %v, want > 0", plan.Coverage)
	}
}

func TestSplitHardSplitsSingleUnit(t *testing.T) {
	// one giant paragraph with no blank lines forces sentence-level splitting
	text := strings.TrimSpace(strings.Repeat("The quick brown fox jumps over the lazy dog. ", 100))
	budget := tokens.Budget{Window: 400, Ratio: 0.5, Overlap: 20}

	plan := tokens.Split(text, budget)

	if len(plan.Segments) < 2 {
		t.Fatalf("len(Segments) = %d, want >= 2", len(plan.Segments))
	}

	ceiling := budget.Ceiling()
	for _, seg := range plan.Segments {
		if seg.Tokens > ceiling {
			t.Errorf("segment %d holds %d tokens, want <= %d", seg.Index, seg.Tokens, ceiling)
		}
	}
	if plan.Coverage < 0.99 {
		t.Errorf("Coverage = %v, want >= 0.99", plan.Coverage)
	}
}

func TestSplitCarriesHeadings(t *testing.T) {
	text := "# Findings\n\n" + paragraphs(6) + "\n\n# Disposition\n\n" + paragraphs(6)
	budget := tokens.Budget{Window: 400, Ratio: 0.5, Overlap: 0}

	plan := tokens.Split(text, budget)

	if len(plan.Segments) < 2 {
		t.Fatalf("len(Segments) = %d, want >= 2", len(plan.Segments))
	}
	if got := plan.Segments[0].Heading; got != "# Findings" {
		t.Errorf("first segment heading = %q, want %q", got, "# Findings")
	}
	last := plan.Segments[len(plan.Segments)-1]
	if last.Heading != "# Disposition" {
		t.Errorf("last segment heading = %q, want %q", last.Heading, "# Disposition")
	}
}
