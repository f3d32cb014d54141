// Package extraction acquires document text and derives the quality
// signals the extraction gate inspects. Raw text recovery from scans is an
// external concern: each input document ships with a sidecar text file
// produced upstream, which this package locates, bounds, and scores.
// PDF page counts are read with pdfcpu for reporting.
package extraction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/JaimeStill/arbiter/pkg/formatting"
)

var (
	ErrNoText   = errors.New("no extracted text available")
	ErrTooLarge = errors.New("extracted text exceeds size limit")
)

// defaultMaxSize bounds sidecar reads when no limit is configured.
const defaultMaxSize int64 = 10 << 20

// pageChars approximates one page of text when no page breaks are present.
const pageChars = 3000

// Result is the acquired text with its derived signals. Quality is the
// mean per-page share of letters and digits among non-whitespace runes.
// Noise is the document-wide share of unprintable or malformed runes.
type Result struct {
	Text        string
	Origin      string
	Pages       int
	PageQuality []float64
	Quality     float64
	Noise       float64
}

// Reader locates and scores sidecar text for input documents.
type Reader struct {
	maxSize int64
	logger  *slog.Logger
}

// NewReader creates a reader. maxSize bounds the sidecar file size; zero
// or negative selects the default.
func NewReader(maxSize int64, logger *slog.Logger) *Reader {
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}

	return &Reader{
		maxSize: maxSize,
		logger:  logger.With("system", "extraction"),
	}
}

// Extract resolves the text for the document at path and derives its
// signals. Text inputs are read directly; for anything else the sidecar
// is tried at <path>.txt and then alongside the input with a .txt
// extension.
func (r *Reader) Extract(ctx context.Context, path string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	textPath, err := r.locate(path)
	if err != nil {
		return Result{}, err
	}

	info, err := os.Stat(textPath)
	if err != nil {
		return Result{}, fmt.Errorf("stat %s: %w", textPath, err)
	}
	if info.Size() > r.maxSize {
		return Result{}, fmt.Errorf("%w: %s is %s, limit %s", ErrTooLarge, textPath,
			formatting.FormatBytes(info.Size(), 1), formatting.FormatBytes(r.maxSize, 1))
	}

	raw, err := os.ReadFile(textPath)
	if err != nil {
		return Result{}, fmt.Errorf("read %s: %w", textPath, err)
	}

	text := string(raw)
	segments := paginate(text)

	result := Result{
		Text:        text,
		Origin:      textPath,
		Pages:       len(segments),
		PageQuality: make([]float64, 0, len(segments)),
		Noise:       noiseRatio(text),
	}

	var sum float64
	for _, segment := range segments {
		q := pageQuality(segment)
		result.PageQuality = append(result.PageQuality, q)
		sum += q
	}
	if len(segments) > 0 {
		result.Quality = sum / float64(len(segments))
	}

	if pages := r.pdfPages(path); pages > 0 {
		result.Pages = pages
	}

	r.logger.DebugContext(ctx, "text acquired",
		"path", path,
		"origin", textPath,
		"pages", result.Pages,
		"quality", result.Quality,
		"noise", result.Noise,
	)

	return result, nil
}

func (r *Reader) locate(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".txt" || ext == ".md" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%w: %s", ErrNoText, path)
		}
		return path, nil
	}

	candidates := []string{
		path + ".txt",
		strings.TrimSuffix(path, filepath.Ext(path)) + ".txt",
	}

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("stat %s: %w", candidate, err)
		}
	}

	return "", fmt.Errorf("%w: %s", ErrNoText, path)
}

// pdfPages reads the page count from a PDF input. Failures are logged and
// ignored so a damaged PDF never stops a run that has usable text.
func (r *Reader) pdfPages(path string) int {
	if !strings.EqualFold(filepath.Ext(path), ".pdf") {
		return 0
	}

	data, err := os.ReadFile(path)
	if err != nil {
		r.logger.Warn("failed to read PDF for page count", "path", path, "error", err)
		return 0
	}

	count, err := api.PageCount(bytes.NewReader(data), nil)
	if err != nil {
		r.logger.Warn("failed to extract PDF page count", "path", path, "error", err)
		return 0
	}

	return count
}

// paginate splits text on form feeds when present, otherwise into
// fixed-size chunks. Whitespace-only pages are dropped; a document with
// no content at all stays a single scoreable page.
func paginate(text string) []string {
	var segments []string

	if strings.Contains(text, "\f") {
		for _, segment := range strings.Split(text, "\f") {
			if strings.TrimSpace(segment) != "" {
				segments = append(segments, segment)
			}
		}
	} else {
		runes := []rune(text)
		for start := 0; start < len(runes); start += pageChars {
			end := start + pageChars
			if end > len(runes) {
				end = len(runes)
			}
			segments = append(segments, string(runes[start:end]))
		}
	}

	if len(segments) == 0 {
		segments = []string{text}
	}

	return segments
}

func pageQuality(segment string) float64 {
	var content, good int

	for _, r := range segment {
		if unicode.IsSpace(r) {
			continue
		}
		content++
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			good++
		}
	}

	if content == 0 {
		return 0
	}

	return float64(good) / float64(content)
}

func noiseRatio(text string) float64 {
	var content, bad int

	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		content++
		if r == utf8.RuneError || unicode.IsControl(r) || !unicode.IsPrint(r) {
			bad++
		}
	}

	if content == 0 {
		return 1
	}

	return float64(bad) / float64(content)
}
