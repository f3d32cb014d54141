// Package cache stores model responses keyed by content fingerprint,
// instruction version, model id, and stage. Any change to the instruction
// set or the routed model changes the key, so stale entries are never
// served across versions and need no explicit eviction. Lookups never fail
// the pipeline: every problem reading an entry degrades to a miss.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JaimeStill/arbiter/pkg/formatting"
)

// DefaultTTL is the entry lifetime when none is configured.
const DefaultTTL = 24 * time.Hour

// Key identifies one cached response. Every component participates in the
// hash; provider, model, and stage also shape the directory layout so
// operators can inspect and clear entries per model.
type Key struct {
	Fingerprint        string `json:"fingerprint"`
	InstructionVersion string `json:"instruction_version"`
	Provider           string `json:"provider"`
	Model              string `json:"model"`
	Stage              string `json:"stage"`
}

type entry struct {
	Key       Key             `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Store is a file-backed response cache, safe for concurrent use by the
// stage-2 worker pool. Entries are immutable once written; writes go
// through a temp file and rename.
type Store struct {
	root   string
	ttl    time.Duration
	logger *slog.Logger

	// now is replaced in tests to drive expiry.
	now func() time.Time
}

// New creates a store rooted at dir. A non-positive ttl uses DefaultTTL.
func New(dir string, ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		root:   dir,
		ttl:    ttl,
		logger: logger.With("system", "cache"),
		now:    time.Now,
	}
}

// Get returns the cached payload for key. Expired entries are deleted and
// reported as misses; unreadable entries are misses.
func (s *Store) Get(key Key) (json.RawMessage, bool) {
	path, err := s.path(key)
	if err != nil {
		s.logger.Warn("cache key not hashable", "error", err)
		return nil, false
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false
	}
	if err != nil {
		s.logger.Warn("cache read failed", "path", path, "error", err)
		return nil, false
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		s.logger.Warn("cache entry corrupt, discarding", "path", path, "error", err)
		s.remove(path)
		return nil, false
	}

	if s.now().After(e.ExpiresAt) {
		s.remove(path)
		return nil, false
	}

	return e.Payload, true
}

// Put stores payload under key. An existing unexpired entry is left as is:
// entries are immutable and a changed answer must arrive under a new key.
func (s *Store) Put(key Key, payload json.RawMessage) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	if _, ok := s.Get(key); ok {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cache dir: %w", err)
	}

	now := s.now()
	raw, err := json.Marshal(entry{
		Key:       key,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".entry-*")
	if err != nil {
		return fmt.Errorf("cache temp file: %w", err)
	}

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close cache entry: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit cache entry: %w", err)
	}
	return nil
}

// path derives the entry location: <root>/<stage>/<provider>/<model>/<hash>.json
// with the hash taken over the canonical JSON encoding of the key.
func (s *Store) path(key Key) (string, error) {
	canonical, err := formatting.Canonical(key)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(canonical)
	return filepath.Join(
		s.root,
		sanitize(key.Stage),
		sanitize(key.Provider),
		sanitize(key.Model),
		hex.EncodeToString(sum[:])+".json",
	), nil
}

func (s *Store) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("cache entry removal failed", "path", path, "error", err)
	}
}

// sanitize keeps model ids like "anthropic/claude-sonnet" from escaping
// their directory level.
func sanitize(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '-'
		}
		return r
	}, s)
}
