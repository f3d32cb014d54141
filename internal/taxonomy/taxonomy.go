// Package taxonomy loads controlled vocabularies used to validate
// extracted field values, one file per field. Matching is normalized the
// same way evidence matching is, so accents, case, and spacing do not
// produce false rejections.
package taxonomy

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/JaimeStill/arbiter/internal/stages"
)

// Set is a named collection of recognized values.
type Set struct {
	name   string
	values map[string]string
}

// New builds a set from literal values. Duplicates after normalization
// keep the first spelling.
func New(name string, values []string) *Set {
	s := &Set{name: name, values: make(map[string]string, len(values))}

	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}

		key := stages.Normalize(value)
		if _, ok := s.values[key]; !ok {
			s.values[key] = value
		}
	}

	return s
}

// Load reads a set from a file with one value per line. Blank lines and
// lines starting with # are skipped.
func Load(name, path string) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open taxonomy %s: %w", name, err)
	}
	defer f.Close()

	var values []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		values = append(values, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read taxonomy %s: %w", name, err)
	}

	return New(name, values), nil
}

// LoadAll loads one set per entry of fields, mapping field name to file
// path.
func LoadAll(fields map[string]string) (map[string]*Set, error) {
	sets := make(map[string]*Set, len(fields))

	for name, path := range fields {
		set, err := Load(name, path)
		if err != nil {
			return nil, err
		}
		sets[name] = set
	}

	return sets, nil
}

// Union combines sets behind a single lookup: a value is recognized when
// any member set recognizes it.
type Union []*Set

// IsRecognized reports whether any member set recognizes value.
func (u Union) IsRecognized(value string) bool {
	for _, s := range u {
		if s.IsRecognized(value) {
			return true
		}
	}
	return false
}

// Name returns the field the set validates.
func (s *Set) Name() string {
	return s.name
}

// Len returns the number of distinct recognized values.
func (s *Set) Len() int {
	return len(s.values)
}

// IsRecognized reports whether value matches a recognized entry after
// normalization.
func (s *Set) IsRecognized(value string) bool {
	_, ok := s.values[stages.Normalize(value)]
	return ok
}

// Canonical returns the recognized spelling for value, when present.
func (s *Set) Canonical(value string) (string, bool) {
	canonical, ok := s.values[stages.Normalize(value)]
	return canonical, ok
}
