package documents_test

import (
	"testing"

	"github.com/JaimeStill/arbiter/internal/documents"
)

func TestSetTextFingerprint(t *testing.T) {
	a := documents.New("a.pdf")
	b := documents.New("b.pdf")

	a.SetText("identical content")
	b.SetText("identical content")
	if a.Fingerprint != b.Fingerprint {
		t.Errorf("identical text produced fingerprints %q and %q", a.Fingerprint, b.Fingerprint)
	}
	if len(a.Fingerprint) != 64 {
		t.Errorf("fingerprint length = %d, want 64 hex chars", len(a.Fingerprint))
	}

	b.SetText("different content")
	if a.Fingerprint == b.Fingerprint {
		t.Error("different text produced identical fingerprints")
	}
}

func TestTally(t *testing.T) {
	docs := []documents.Document{
		{Type: documents.TypePrimary},
		{Type: documents.TypeSupporting},
		{Type: documents.TypeSupporting},
		{Type: documents.TypeUnknown},
	}

	primary, supporting, unknown := documents.Tally(docs)
	if primary != 1 || supporting != 2 || unknown != 1 {
		t.Errorf("Tally = %d/%d/%d, want 1/2/1", primary, supporting, unknown)
	}
}

func TestPrimary(t *testing.T) {
	single := []documents.Document{
		{Path: "main.pdf", Type: documents.TypePrimary},
		{Path: "annex.pdf", Type: documents.TypeSupporting},
	}
	if got := documents.Primary(single); got == nil || got.Path != "main.pdf" {
		t.Errorf("Primary = %v, want main.pdf", got)
	}

	none := []documents.Document{{Type: documents.TypeSupporting}}
	if got := documents.Primary(none); got != nil {
		t.Errorf("Primary with no primary = %v, want nil", got)
	}

	double := []documents.Document{
		{Type: documents.TypePrimary},
		{Type: documents.TypePrimary},
	}
	if got := documents.Primary(double); got != nil {
		t.Errorf("Primary with two primaries = %v, want nil", got)
	}
}

func TestSupportingText(t *testing.T) {
	docs := []documents.Document{
		{Type: documents.TypePrimary, Text: "primary body"},
		{Type: documents.TypeSupporting, Text: "first annex"},
		{Type: documents.TypeSupporting, Text: "second annex"},
	}

	got := documents.SupportingText(docs)
	want := "first annex\n\nsecond annex"
	if got != want {
		t.Errorf("SupportingText = %q, want %q", got, want)
	}
}
