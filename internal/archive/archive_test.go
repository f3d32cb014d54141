package archive_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/JaimeStill/arbiter/internal/archive"
	"github.com/JaimeStill/arbiter/pkg/lifecycle"
	"github.com/JaimeStill/arbiter/pkg/storage"
)

type fakeStore struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	types   map[string]string
	failKey string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		blobs: make(map[string][]byte),
		types: make(map[string]string),
	}
}

func (f *fakeStore) Start(lc *lifecycle.Coordinator) error { return nil }

func (f *fakeStore) Upload(ctx context.Context, key string, reader io.Reader, contentType string) error {
	if key == f.failKey {
		return errors.New("upload rejected")
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[key] = data
	f.types[key] = contentType
	return nil
}

func (f *fakeStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.blobs[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.blobs[key]; !ok {
		return storage.ErrNotFound
	}
	delete(f.blobs, key)
	return nil
}

func (f *fakeStore) Exists(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.blobs[key]
	return ok, nil
}

func testArchiver(store storage.System) *archive.Archiver {
	return archive.New(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func writeArtifact(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}

	return path
}

func TestArchiveUploadsBundle(t *testing.T) {
	dir := t.TempDir()
	checkpoint := writeArtifact(t, dir, "state_run-1.json", `{"state":"FINALIZED"}`)
	deadLetter := writeArtifact(t, dir, "dlq_run-1_1700000000000000000.json", `{"class":"TRANSIENT"}`)

	store := newFakeStore()

	count, err := testArchiver(store).Archive(context.Background(), archive.Bundle{
		RunID:  "run-1",
		Report: []byte(`{"decision":"ACCEPTED"}`),
		Files:  []string{checkpoint, deadLetter},
	})
	if err != nil {
		t.Fatalf("Archive returned error: %v", err)
	}

	if count != 3 {
		t.Errorf("uploaded %d blobs, want 3", count)
	}

	report, ok := store.blobs["runs/run-1/report.json"]
	if !ok {
		t.Fatal("report blob missing")
	}

	if string(report) != `{"decision":"ACCEPTED"}` {
		t.Errorf("report content = %s", report)
	}

	if _, ok := store.blobs["runs/run-1/files/state_run-1.json"]; !ok {
		t.Error("checkpoint blob missing")
	}

	if ct := store.types["runs/run-1/files/state_run-1.json"]; ct != "application/json" {
		t.Errorf("checkpoint content type = %q, want application/json", ct)
	}
}

func TestArchiveFailureAborts(t *testing.T) {
	dir := t.TempDir()
	artifact := writeArtifact(t, dir, "state_run-1.json", `{}`)

	store := newFakeStore()
	store.failKey = "runs/run-1/files/state_run-1.json"

	_, err := testArchiver(store).Archive(context.Background(), archive.Bundle{
		RunID: "run-1",
		Files: []string{artifact},
	})
	if err == nil {
		t.Fatal("Archive succeeded despite a failed upload")
	}
}

func TestArchiveMissingFile(t *testing.T) {
	store := newFakeStore()

	_, err := testArchiver(store).Archive(context.Background(), archive.Bundle{
		RunID: "run-1",
		Files: []string{filepath.Join(t.TempDir(), "absent.json")},
	})
	if err == nil {
		t.Fatal("Archive succeeded with a missing artifact")
	}
}

func TestArchiveEmptyBundle(t *testing.T) {
	store := newFakeStore()

	_, err := testArchiver(store).Archive(context.Background(), archive.Bundle{RunID: "run-1"})
	if !errors.Is(err, archive.ErrEmptyBundle) {
		t.Errorf("Archive error = %v, want ErrEmptyBundle", err)
	}
}

func TestArchiveRequiresRunID(t *testing.T) {
	store := newFakeStore()

	_, err := testArchiver(store).Archive(context.Background(), archive.Bundle{
		Report: []byte(`{}`),
	})
	if err == nil {
		t.Error("Archive accepted a bundle without a run id")
	}
}

func TestArchiveSkipsAlreadyArchived(t *testing.T) {
	store := newFakeStore()
	archiver := testArchiver(store)
	bundle := archive.Bundle{RunID: "run-1", Report: []byte(`{"decision":"ACCEPTED"}`)}

	if _, err := archiver.Archive(context.Background(), bundle); err != nil {
		t.Fatalf("first Archive returned error: %v", err)
	}

	count, err := archiver.Archive(context.Background(), bundle)
	if err != nil {
		t.Fatalf("second Archive returned error: %v", err)
	}
	if count != 0 {
		t.Errorf("second Archive uploaded %d blobs, want 0", count)
	}
}

func TestFetchReturnsArchivedReport(t *testing.T) {
	store := newFakeStore()
	archiver := testArchiver(store)
	report := []byte(`{"decision":"REJECTED"}`)

	if _, err := archiver.Archive(context.Background(), archive.Bundle{RunID: "run-1", Report: report}); err != nil {
		t.Fatalf("Archive returned error: %v", err)
	}

	got, err := archiver.Fetch(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if string(got) != string(report) {
		t.Errorf("Fetch = %s, want %s", got, report)
	}
}

func TestFetchUnarchivedRun(t *testing.T) {
	store := newFakeStore()

	_, err := testArchiver(store).Fetch(context.Background(), "run-1")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Fetch error = %v, want ErrNotFound", err)
	}
}

func TestDiscardAllowsRearchive(t *testing.T) {
	store := newFakeStore()
	archiver := testArchiver(store)
	bundle := archive.Bundle{RunID: "run-1", Report: []byte(`{}`)}

	if _, err := archiver.Archive(context.Background(), bundle); err != nil {
		t.Fatalf("Archive returned error: %v", err)
	}
	if err := archiver.Discard(context.Background(), "run-1"); err != nil {
		t.Fatalf("Discard returned error: %v", err)
	}

	count, err := archiver.Archive(context.Background(), bundle)
	if err != nil {
		t.Fatalf("re-archive returned error: %v", err)
	}
	if count != 1 {
		t.Errorf("re-archive uploaded %d blobs, want 1", count)
	}
}

func TestDiscardUnarchivedRun(t *testing.T) {
	store := newFakeStore()

	err := testArchiver(store).Discard(context.Background(), "run-1")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Discard error = %v, want ErrNotFound", err)
	}
}
