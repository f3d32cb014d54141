// Package archive bundles a finished run's artifacts into blob storage
// under runs/<run id>/. Uploads fan out concurrently; any failure aborts
// the bundle so a partial archive is never mistaken for a complete one.
// The report blob doubles as the bundle's completeness marker: Archive
// uploads it last and skips runs whose marker already exists.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/JaimeStill/arbiter/pkg/storage"
)

// uploadLimit caps concurrent blob uploads per bundle.
const uploadLimit = 4

var ErrEmptyBundle = errors.New("bundle has no artifacts")

// reportKey returns the blob key of a run's report, the bundle marker.
func reportKey(runID string) string {
	return path.Join("runs", runID, "report.json")
}

// Bundle describes one run's artifacts.
type Bundle struct {
	RunID  string
	Report []byte
	Files  []string
}

// Archiver uploads run bundles.
type Archiver struct {
	store  storage.System
	logger *slog.Logger
}

// New creates an archiver over a blob store.
func New(store storage.System, logger *slog.Logger) *Archiver {
	return &Archiver{
		store:  store,
		logger: logger.With("system", "archive"),
	}
}

// Archive uploads the bundle and returns how many blobs were written.
// Files land under runs/<id>/files/ by base name; the report lands last at
// runs/<id>/report.json. A run whose report blob already exists is skipped,
// so re-finalizing after a crash between archive and checkpoint cleanup
// does not duplicate work.
func (a *Archiver) Archive(ctx context.Context, bundle Bundle) (int, error) {
	if bundle.RunID == "" {
		return 0, errors.New("bundle run id required")
	}
	if len(bundle.Report) == 0 && len(bundle.Files) == 0 {
		return 0, ErrEmptyBundle
	}

	archived, err := a.store.Exists(ctx, reportKey(bundle.RunID))
	if err != nil {
		return 0, fmt.Errorf("check archive marker: %w", err)
	}
	if archived {
		a.logger.InfoContext(ctx, "run already archived", "run_id", bundle.RunID)
		return 0, nil
	}

	var uploaded atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadLimit)

	for _, file := range bundle.Files {
		g.Go(func() error {
			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("open artifact: %w", err)
			}
			defer f.Close()

			key := path.Join("runs", bundle.RunID, "files", filepath.Base(file))
			if err := a.store.Upload(gctx, key, f, contentType(file)); err != nil {
				return fmt.Errorf("upload artifact %s: %w", file, err)
			}

			uploaded.Add(1)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return int(uploaded.Load()), err
	}

	if len(bundle.Report) > 0 {
		key := reportKey(bundle.RunID)
		if err := a.store.Upload(ctx, key, bytes.NewReader(bundle.Report), "application/json"); err != nil {
			return int(uploaded.Load()), fmt.Errorf("upload report: %w", err)
		}
		uploaded.Add(1)
	}

	count := int(uploaded.Load())
	a.logger.InfoContext(ctx, "run archived",
		"run_id", bundle.RunID,
		"blobs", count,
	)

	return count, nil
}

// Fetch retrieves a run's archived report. Returns storage.ErrNotFound
// when the run was never archived.
func (a *Archiver) Fetch(ctx context.Context, runID string) ([]byte, error) {
	body, err := a.store.Download(ctx, reportKey(runID))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	report, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read archived report: %w", err)
	}
	return report, nil
}

// Discard removes a run's report blob. With the marker gone the next
// Archive call re-uploads the full bundle; file blobs are overwritten in
// place. Returns storage.ErrNotFound when no marker exists.
func (a *Archiver) Discard(ctx context.Context, runID string) error {
	if err := a.store.Delete(ctx, reportKey(runID)); err != nil {
		return err
	}

	a.logger.InfoContext(ctx, "archive marker removed", "run_id", runID)
	return nil
}

func contentType(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".json":
		return "application/json"
	case ".pdf":
		return "application/pdf"
	case ".md", ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
