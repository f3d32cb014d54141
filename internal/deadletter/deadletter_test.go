package deadletter

import (
	"errors"
	"testing"
	"time"
)

type testRecord struct {
	RunID string `json:"run_id"`
	Class string `json:"class"`
	Error string `json:"error"`
}

func testQueue(t *testing.T) (*Queue[testRecord], *time.Time) {
	t.Helper()

	now := time.Unix(1700000000, 0)
	queue := New[testRecord](t.TempDir())
	queue.now = func() time.Time { return now }
	return queue, &now
}

func TestAppendAndLatest(t *testing.T) {
	queue, now := testQueue(t)

	first := &testRecord{RunID: "run-1", Class: "FATAL", Error: "auth rejected"}
	if _, err := queue.Append("run-1", first); err != nil {
		t.Fatalf("Append returned error: %v", err)
	}

	*now = now.Add(time.Second)
	second := &testRecord{RunID: "run-1", Class: "FATAL", Error: "auth rejected again"}
	path, err := queue.Append("run-1", second)
	if err != nil {
		t.Fatalf("second Append returned error: %v", err)
	}
	if path == "" {
		t.Error("Append returned empty path")
	}

	record, latestPath, err := queue.Latest("run-1")
	if err != nil {
		t.Fatalf("Latest returned error: %v", err)
	}
	if record.Error != "auth rejected again" {
		t.Errorf("latest record = %+v, want the second failure", record)
	}
	if latestPath != path {
		t.Errorf("latest path = %q, want %q", latestPath, path)
	}

	paths, err := queue.List("run-1")
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(paths) != 2 {
		t.Errorf("List returned %d records, want 2", len(paths))
	}
}

func TestAppendNeverOverwrites(t *testing.T) {
	queue, _ := testQueue(t)

	if _, err := queue.Append("run-1", &testRecord{RunID: "run-1"}); err != nil {
		t.Fatalf("Append returned error: %v", err)
	}

	// same frozen clock collides on the file name; the record must not be
	// silently replaced
	if _, err := queue.Append("run-1", &testRecord{RunID: "run-1"}); err == nil {
		t.Fatal("Append overwrote an existing record")
	}
}

func TestListScopedToRun(t *testing.T) {
	queue, now := testQueue(t)

	if _, err := queue.Append("run-1", &testRecord{RunID: "run-1"}); err != nil {
		t.Fatalf("Append returned error: %v", err)
	}
	*now = now.Add(time.Second)
	if _, err := queue.Append("run-2", &testRecord{RunID: "run-2"}); err != nil {
		t.Fatalf("Append returned error: %v", err)
	}

	paths, err := queue.List("run-1")
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(paths) != 1 {
		t.Errorf("List(run-1) returned %d records, want 1", len(paths))
	}
}

func TestLatestWithNoRecords(t *testing.T) {
	queue, _ := testQueue(t)

	if _, _, err := queue.Latest("absent"); !errors.Is(err, ErrNoRecords) {
		t.Fatalf("error = %v, want ErrNoRecords", err)
	}
}
