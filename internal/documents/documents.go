// Package documents models the inputs to a pipeline run and classifies
// their roles. Classification runs an ordered chain of strategies; the
// first confident verdict wins and anything less resolves to UNKNOWN so
// the batch gate can fail closed instead of guessing.
package documents

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// Type tags a document's role in the analysis batch.
type Type string

const (
	TypePrimary    Type = "PRIMARY"
	TypeSupporting Type = "SUPPORTING"
	TypeUnknown    Type = "UNKNOWN"
)

// Document is one input to a pipeline run. Type, Confidence, and Method are
// set exactly once when classification confirms the document's role; the
// remaining fields are immutable after extraction.
type Document struct {
	ID          uuid.UUID `json:"id"`
	Path        string    `json:"path"`
	Type        Type      `json:"type"`
	Confidence  float64   `json:"confidence,omitempty"`
	Method      string    `json:"method,omitempty"`
	Text        string    `json:"text,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	PageCount   int       `json:"page_count,omitempty"`
	PageQuality []float64 `json:"page_quality,omitempty"`
	Quality     float64   `json:"quality,omitempty"`
	Noise       float64   `json:"noise,omitempty"`
}

// New creates an unclassified document for the given source path.
func New(path string) Document {
	return Document{
		ID:   uuid.New(),
		Path: path,
		Type: TypeUnknown,
	}
}

// SetText records extracted text and derives the content fingerprint that
// keys cache entries for this document.
func (d *Document) SetText(text string) {
	d.Text = text
	sum := sha256.Sum256([]byte(text))
	d.Fingerprint = hex.EncodeToString(sum[:])
}

// Tally counts classified documents by type.
func Tally(docs []Document) (primary, supporting, unknown int) {
	for _, d := range docs {
		switch d.Type {
		case TypePrimary:
			primary++
		case TypeSupporting:
			supporting++
		default:
			unknown++
		}
	}
	return primary, supporting, unknown
}

// Primary returns the single primary document, or nil when classification
// has not confirmed one.
func Primary(docs []Document) *Document {
	var found *Document
	for i := range docs {
		if docs[i].Type == TypePrimary {
			if found != nil {
				return nil
			}
			found = &docs[i]
		}
	}
	return found
}

// SupportingText concatenates the text of every supporting document in
// batch order.
func SupportingText(docs []Document) string {
	var out []byte
	for _, d := range docs {
		if d.Type != TypeSupporting {
			continue
		}
		if len(out) > 0 {
			out = append(out, "\n\n"...)
		}
		out = append(out, d.Text...)
	}
	return string(out)
}
