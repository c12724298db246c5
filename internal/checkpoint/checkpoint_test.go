package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cherryhq/cherry/internal/graph"
	"github.com/cherryhq/cherry/internal/metrics"
	"github.com/cherryhq/cherry/pkg/models"
)

func buildGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New()
	tasks := []*models.Task{
		{ID: "a", Seq: 1, Status: models.TaskStatusPending},
		{ID: "b", Seq: 2, Status: models.TaskStatusPending, PrerequisiteIDs: []string{"a"}},
		{ID: "c", Seq: 3, Status: models.TaskStatusPending, PrerequisiteIDs: []string{"a"}},
	}
	if err := g.AddAll(tasks); err != nil {
		t.Fatalf("build graph: %v", err)
	}
	return g
}

func TestSaveLoadRoundTrip(t *testing.T) {
	g := buildGraph(t)
	c := metrics.NewCollector()
	c.RecordAttempt("exec-1", []string{"research"}, true, 10*time.Millisecond)

	doc, err := Capture(g, c)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}

	store := NewStore(filepath.Join(t.TempDir(), "cherry.checkpoint.json"))
	if err := store.Save(doc); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Version != Version {
		t.Errorf("expected version %d, got %d", Version, loaded.Version)
	}
	if len(loaded.Tasks) != 3 {
		t.Errorf("expected 3 tasks, got %d", len(loaded.Tasks))
	}
	if len(loaded.Edges) != 2 {
		t.Errorf("expected 2 edges, got %d", len(loaded.Edges))
	}
	if loaded.Metrics.Executors["exec-1"].Attempts != 1 {
		t.Error("metrics snapshot missing exec-1 attempt")
	}
}

func TestLoadMissingFile(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "absent.json"))
	_, err := store.Load()
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewStore(path).Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "cp.json"))

	g := buildGraph(t)
	doc, err := Capture(g, metrics.NewCollector())
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if err := store.Save(doc); err != nil {
		t.Fatalf("save: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
	if len(entries) != 1 {
		t.Errorf("expected only the checkpoint file, got %d entries", len(entries))
	}
}

func TestRestoreRequeuesRunningTasks(t *testing.T) {
	g := buildGraph(t)
	if err := g.MarkRunning("a"); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	doc, err := Capture(g, metrics.NewCollector())
	if err != nil {
		t.Fatalf("capture: %v", err)
	}

	restored, _, err := Restore(doc)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}

	a, err := restored.Get("a")
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	if a.Status != models.TaskStatusEligible {
		t.Errorf("running task should restore as eligible, got %q", a.Status)
	}
	if a.Attempt != 1 {
		t.Errorf("attempt counter should survive restore, got %d", a.Attempt)
	}

	b, _ := restored.Get("b")
	if b.Status != models.TaskStatusPending {
		t.Errorf("pending dependent should stay pending, got %q", b.Status)
	}
}

func TestRestorePreservesCompletedState(t *testing.T) {
	g := buildGraph(t)
	if err := g.MarkRunning("a"); err != nil {
		t.Fatal(err)
	}
	if err := g.MarkCompleted("a", "out", "exec-1"); err != nil {
		t.Fatal(err)
	}

	doc, err := Capture(g, metrics.NewCollector())
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	restored, _, err := Restore(doc)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}

	a, _ := restored.Get("a")
	if a.Status != models.TaskStatusCompleted || a.Result != "out" {
		t.Errorf("completed task should restore intact, got %q result %q", a.Status, a.Result)
	}
	// Dependents of the completed task must be eligible after restore.
	b, _ := restored.Get("b")
	if b.Status != models.TaskStatusEligible {
		t.Errorf("dependent of completed prerequisite should be eligible, got %q", b.Status)
	}
}
