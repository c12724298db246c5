// Package checkpoint serializes the task graph and metrics state to a
// durable JSON file so a crashed process can resume pending work. Writes
// are atomic (write-temp-then-rename) to avoid partial reads after a
// crash.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cherryhq/cherry/internal/graph"
	"github.com/cherryhq/cherry/internal/metrics"
	"github.com/cherryhq/cherry/pkg/models"
)

// Version is the checkpoint document format version.
const Version = 1

// Document is the on-disk checkpoint format.
type Document struct {
	// Version is the document format version.
	Version int `json:"version"`
	// SavedAt is when the checkpoint was written.
	SavedAt time.Time `json:"saved_at"`
	// Tasks holds every task in topological order.
	Tasks []*models.Task `json:"tasks"`
	// Edges holds the prerequisite edges.
	Edges []models.Edge `json:"edges"`
	// Metrics holds the collector snapshot.
	Metrics metrics.Snapshot `json:"metrics"`
}

// Store reads and writes checkpoint documents at a fixed path.
type Store struct {
	path string
}

// NewStore creates a Store for the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the checkpoint file path.
func (s *Store) Path() string {
	return s.path
}

// Capture builds a Document from the live graph and collector.
func Capture(g *graph.Graph, c *metrics.Collector) (*Document, error) {
	tasks, edges, err := g.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("capture snapshot: %w", err)
	}
	return &Document{
		Version: Version,
		SavedAt: time.Now(),
		Tasks:   tasks,
		Edges:   edges,
		Metrics: c.Snapshot(),
	}, nil
}

// Save writes the document atomically. Transient filesystem errors are
// retried briefly before giving up.
func (s *Store) Save(doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	op := func() error {
		return s.writeAtomic(data)
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), 3)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// writeAtomic writes data to a temp file in the target directory, syncs,
// and renames it over the checkpoint path.
func (s *Store) writeAtomic(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

// Load reads and parses the checkpoint file. Returns os.ErrNotExist when
// no checkpoint has been written yet.
func (s *Store) Load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", s.path, err)
	}
	if doc.Version != Version {
		return nil, fmt.Errorf("unsupported checkpoint version %d", doc.Version)
	}
	return &doc, nil
}

// Restore rebuilds a graph and collector from a document. Tasks that were
// running at capture time return to eligible: their outcome is unknown, so
// they are re-attempted (at-least-once semantics). Attempt counters are
// preserved.
func Restore(doc *Document) (*graph.Graph, *metrics.Collector, error) {
	tasks := make([]*models.Task, 0, len(doc.Tasks))
	for _, t := range doc.Tasks {
		restored := t.Clone()
		if restored.Status == models.TaskStatusRunning {
			restored.Status = models.TaskStatusEligible
		}
		tasks = append(tasks, restored)
	}

	g := graph.New()
	if err := g.AddAll(tasks); err != nil {
		return nil, nil, fmt.Errorf("restore graph: %w", err)
	}

	c := metrics.NewCollector()
	c.Restore(doc.Metrics)
	return g, c, nil
}
