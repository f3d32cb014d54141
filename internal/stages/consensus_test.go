package stages_test

import (
	"errors"
	"testing"

	"github.com/JaimeStill/arbiter/internal/stages"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"whitespace collapse", "  Multiple \t spaces\nand lines ", "multiple spaces and lines"},
		{"diacritics folded", "Acórdão nº 123", "acordao no 123"},
		{"already normal", "tema 1033", "tema 1033"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stages.Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestEvidenceMatches(t *testing.T) {
	source := "Nos termos do Acórdão nº 123, nego provimento ao recurso."

	tests := []struct {
		name     string
		evidence string
		want     bool
	}{
		{"verbatim", "nego provimento ao recurso", true},
		{"normalized casing and accents", "ACORDAO  no 123", true},
		{"absent", "dou provimento", false},
		{"empty", "   ", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stages.EvidenceMatches(tt.evidence, source); got != tt.want {
				t.Errorf("EvidenceMatches(%q) = %v, want %v", tt.evidence, got, tt.want)
			}
		})
	}
}

func TestResolveAgreement(t *testing.T) {
	first := stages.Field{Value: "Acórdão 123", Confidence: 0.7, Evidence: "span a"}
	second := stages.Field{Value: "acórdão  123", Confidence: 0.9, Evidence: "span b"}

	got, err := stages.Resolve(first, second, stages.TieBreakEscalate)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if got.Confidence != 0.9 {
		t.Errorf("agreement kept confidence %v, want the higher 0.9", got.Confidence)
	}
}

func TestResolveDisagreement(t *testing.T) {
	shortLow := stages.Field{Value: "Tema 339", Confidence: 0.6}
	longHigh := stages.Field{Value: "Tema 339 do STF", Confidence: 0.8}
	longLow := stages.Field{Value: "Tema 339 do STF", Confidence: 0.4}

	tests := []struct {
		name      string
		first     stages.Field
		second    stages.Field
		policy    stages.TieBreak
		wantValue string
	}{
		{"prefer longer", shortLow, longLow, stages.TieBreakPreferLonger, "Tema 339 do STF"},
		{"prefer longer keeps first on equal length", stages.Field{Value: "Sumula 279", Confidence: 0.5}, stages.Field{Value: "Tema 10331", Confidence: 0.9}, stages.TieBreakPreferLonger, "Sumula 279"},
		{"prefer confident", shortLow, longHigh, stages.TieBreakPreferConfident, "Tema 339 do STF"},
		{"prefer confident keeps first when higher", longHigh, stages.Field{Value: "Tema 1033", Confidence: 0.5}, stages.TieBreakPreferConfident, "Tema 339 do STF"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := stages.Resolve(tt.first, tt.second, tt.policy)
			if err != nil {
				t.Fatalf("Resolve returned error: %v", err)
			}
			if got.Value != tt.wantValue {
				t.Errorf("Resolve kept %q, want %q", got.Value, tt.wantValue)
			}
		})
	}
}

func TestResolveEscalates(t *testing.T) {
	first := stages.Field{Value: "Tema 339", Confidence: 0.6}
	second := stages.Field{Value: "Tema 1033", Confidence: 0.8}

	_, err := stages.Resolve(first, second, stages.TieBreakEscalate)
	if !errors.Is(err, stages.ErrConsensusDiverged) {
		t.Fatalf("error = %v, want ErrConsensusDiverged", err)
	}
}
