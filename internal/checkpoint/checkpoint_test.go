package checkpoint_test

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/JaimeStill/arbiter/internal/checkpoint"
)

type testState struct {
	RunID   string         `json:"run_id"`
	Cursor  int            `json:"cursor"`
	Results map[string]int `json:"results,omitempty"`
	Alerts  []string       `json:"alerts,omitempty"`
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := checkpoint.New[testState](t.TempDir())

	state := &testState{
		RunID:   "run-1",
		Cursor:  2,
		Results: map[string]int{"extract": 1, "analyze": 1},
		Alerts:  []string{"PROMPT_SIGNATURE_DRIFT"},
	}

	if err := store.Save("run-1", state); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	loaded, err := store.Load("run-1")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !reflect.DeepEqual(loaded, state) {
		t.Errorf("loaded = %+v, want %+v", loaded, state)
	}
}

func TestSaveReplacesPrevious(t *testing.T) {
	store := checkpoint.New[testState](t.TempDir())

	if err := store.Save("run-1", &testState{RunID: "run-1", Cursor: 1}); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if err := store.Save("run-1", &testState{RunID: "run-1", Cursor: 2}); err != nil {
		t.Fatalf("second Save returned error: %v", err)
	}

	loaded, err := store.Load("run-1")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if loaded.Cursor != 2 {
		t.Errorf("cursor = %d, want the later snapshot's 2", loaded.Cursor)
	}
}

func TestLoadMissing(t *testing.T) {
	store := checkpoint.New[testState](t.TempDir())

	if _, err := store.Load("absent"); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	store := checkpoint.New[testState](t.TempDir())

	if err := store.Save("run-1", &testState{RunID: "run-1"}); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if err := store.Delete("run-1"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if _, err := store.Load("run-1"); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Errorf("Load after Delete = %v, want ErrNotFound", err)
	}

	// deleting again is not an error
	if err := store.Delete("run-1"); err != nil {
		t.Errorf("repeated Delete returned error: %v", err)
	}
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	store := checkpoint.New[testState](dir)

	for _, id := range []string{"run-b", "run-a"} {
		if err := store.Save(id, &testState{RunID: id}); err != nil {
			t.Fatalf("Save(%s) returned error: %v", id, err)
		}
	}

	// unrelated files are ignored
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("writing decoy: %v", err)
	}

	ids, err := store.List()
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	want := []string{"run-a", "run-b"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("List = %v, want %v", ids, want)
	}
}

func TestListEmptyDir(t *testing.T) {
	store := checkpoint.New[testState](filepath.Join(t.TempDir(), "never-created"))

	ids, err := store.List()
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("List = %v, want empty", ids)
	}
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	dir := t.TempDir()
	store := checkpoint.New[testState](dir)

	if err := store.Save("run-1", &testState{RunID: "run-1"}); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir returned error: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "state_run-1.json" {
			t.Errorf("unexpected file %q left in checkpoint dir", e.Name())
		}
	}
}
