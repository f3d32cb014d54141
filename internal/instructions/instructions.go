// Package instructions loads the versioned instruction text sent to models.
// The engine never interprets the content: it carries the text opaquely and
// tracks its version as a content hash, so any edit to an instruction file
// shifts every dependent cache key and shows up as prompt-signature drift
// on resume.
package instructions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JaimeStill/arbiter/internal/stages"
)

// DefaultProfile selects the embedded instruction set.
const DefaultProfile = "default"

// versionLen is the hex prefix of the content hash used as the version id.
const versionLen = 12

// Instructions is one stage's instruction text with its content version.
type Instructions struct {
	Text    string
	Version string
	Origin  string
}

// Source loads instruction text for a stage and profile and fingerprints
// the full set so runs can detect instruction drift.
type Source interface {
	Load(ctx context.Context, stage stages.Stage, profile string) (Instructions, error)
	Signature(ctx context.Context, profile string) (string, error)
}

// Loader resolves instructions from an override directory, falling back to
// the embedded defaults. Versions are content hashes, never file
// timestamps, so identical text is the same version on every machine.
type Loader struct {
	dir    string
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]string
}

// NewLoader creates a loader. dir may be empty to serve only the embedded
// defaults.
func NewLoader(dir string, logger *slog.Logger) *Loader {
	return &Loader{
		dir:    dir,
		logger: logger.With("system", "instructions"),
		seen:   make(map[string]string),
	}
}

// Load resolves the instruction text for one stage. Override files are
// checked in order: <stage>.<profile>.md, then <stage>.md, then the
// embedded default. A version change since the last load is logged; the
// caller decides whether drift matters.
func (l *Loader) Load(ctx context.Context, stage stages.Stage, profile string) (Instructions, error) {
	if !stage.Valid() {
		return Instructions{}, fmt.Errorf("%w: %s", stages.ErrUnknownStage, stage)
	}
	if profile == "" {
		profile = DefaultProfile
	}

	ins, err := l.resolve(stage, profile)
	if err != nil {
		return Instructions{}, err
	}

	l.mu.Lock()
	key := string(stage) + "/" + profile
	if prev, ok := l.seen[key]; ok && prev != ins.Version {
		l.logger.WarnContext(ctx, "instruction version changed",
			"stage", stage,
			"profile", profile,
			"previous", prev,
			"current", ins.Version,
		)
	}
	l.seen[key] = ins.Version
	l.mu.Unlock()

	return ins, nil
}

// Signature derives the run's prompt signature: a hash over the loaded
// version of every stage's instructions plus the profile name, recorded
// once at run start and recomputed on resume to detect drift.
func (l *Loader) Signature(ctx context.Context, profile string) (string, error) {
	if profile == "" {
		profile = DefaultProfile
	}

	h := sha256.New()
	for _, stage := range []stages.Stage{stages.StageClassify, stages.StageExtract, stages.StageAnalyze, stages.StageSynthesize} {
		ins, err := l.Load(ctx, stage, profile)
		if err != nil {
			return "", err
		}
		io.WriteString(h, string(stage))
		io.WriteString(h, ":")
		io.WriteString(h, ins.Version)
		io.WriteString(h, ";")
	}
	io.WriteString(h, "profile=")
	io.WriteString(h, profile)

	return hex.EncodeToString(h.Sum(nil))[:16], nil
}

func (l *Loader) resolve(stage stages.Stage, profile string) (Instructions, error) {
	if l.dir != "" {
		candidates := []string{
			filepath.Join(l.dir, fmt.Sprintf("%s.%s.md", stage, profile)),
			filepath.Join(l.dir, fmt.Sprintf("%s.md", stage)),
		}

		for _, path := range candidates {
			raw, err := os.ReadFile(path)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return Instructions{}, fmt.Errorf("read instructions %s: %w", path, err)
			}

			text := strings.TrimSpace(string(raw))
			if text == "" {
				continue
			}
			return Instructions{Text: text, Version: version(text), Origin: path}, nil
		}
	}

	text := defaults[stage]
	return Instructions{Text: text, Version: version(text), Origin: "embedded"}, nil
}

func version(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:versionLen]
}
