// Package checkpoint persists run state snapshots as single JSON files,
// one per run, written atomically so a crash mid-write never corrupts the
// last good state. The stored bytes reload into an identical value, which
// is what makes resume equivalent to never having stopped.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotFound indicates no checkpoint exists for the run.
var ErrNotFound = errors.New("checkpoint not found")

// Store reads and writes snapshots of T under one directory.
type Store[T any] struct {
	dir string
}

// New creates a store writing under dir.
func New[T any](dir string) *Store[T] {
	return &Store[T]{dir: dir}
}

// Path returns the checkpoint location for a run.
func (s *Store[T]) Path(runID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("state_%s.json", runID))
}

// Save writes the snapshot for runID, replacing any previous one. The
// write is temp-file-plus-rename so the previous snapshot survives a
// crash mid-write.
func (s *Store[T]) Save(runID string, state *T) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint dir: %w", err)
	}

	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".state-*")
	if err != nil {
		return fmt.Errorf("checkpoint temp file: %w", err)
	}

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close checkpoint: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.Path(runID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// Load reads the snapshot for runID.
func (s *Store[T]) Load(runID string) (*T, error) {
	raw, err := os.ReadFile(s.Path(runID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	state := new(T)
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", runID, err)
	}
	return state, nil
}

// Delete removes the snapshot for runID. Missing snapshots are not an
// error: finalize and archive both call this.
func (s *Store[T]) Delete(runID string) error {
	err := os.Remove(s.Path(runID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// List returns the run ids with stored snapshots, sorted.
func (s *Store[T]) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "state_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(name, "state_"), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}
