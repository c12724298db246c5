package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cherryhq/cherry/internal/checkpoint"
	"github.com/cherryhq/cherry/internal/executor"
	"github.com/cherryhq/cherry/internal/retry"
	"github.com/cherryhq/cherry/pkg/models"
)

// scriptedExecutor runs a per-call script, defaulting to instant success.
type scriptedExecutor struct {
	id   string
	caps []string
	fn   func(call int, ctx context.Context, task *models.Task) (string, error)

	mu    sync.Mutex
	calls int
	order []string
}

func (s *scriptedExecutor) ID() string             { return s.id }
func (s *scriptedExecutor) Capabilities() []string { return s.caps }

func (s *scriptedExecutor) Execute(ctx context.Context, task *models.Task) (string, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.order = append(s.order, task.ID)
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(call, ctx, task)
	}
	return "done", nil
}

func (s *scriptedExecutor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scriptedExecutor) callOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func testConfig() Config {
	return Config{
		MaxConcurrentTasks: 2,
		TaskTimeout:        time.Second,
		PollInterval:       5 * time.Millisecond,
		CheckpointInterval: 0,
		MaxAttempts:        5,
		EventBuffer:        128,
	}
}

// runToDrain runs the engine until the graph drains, failing the test if
// it does not finish in time.
func runToDrain(t *testing.T, e *Engine) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not drain in time")
	}
}

// drainEvents collects whatever events are buffered.
func drainEvents(e *Engine) []Event {
	var events []Event
	for {
		select {
		case ev := <-e.Events():
			events = append(events, ev)
		default:
			return events
		}
	}
}

func hasEvent(events []Event, typ EventType) bool {
	for _, ev := range events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func TestRun_CompletesDependencyGraphInPriorityOrder(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentTasks = 1
	e := New(cfg)

	exec := &scriptedExecutor{id: "worker", caps: []string{"general"}}
	e.RegisterExecutor("general", exec, false)

	t1, err := e.SubmitTask("first", 0, nil, []string{"general"}, nil)
	if err != nil {
		t.Fatalf("submit t1: %v", err)
	}
	t2, err := e.SubmitTask("second", 0, []string{t1}, []string{"general"}, nil)
	if err != nil {
		t.Fatalf("submit t2: %v", err)
	}
	t3, err := e.SubmitTask("urgent", 10, nil, []string{"general"}, nil)
	if err != nil {
		t.Fatalf("submit t3: %v", err)
	}

	runToDrain(t, e)

	order := exec.callOrder()
	want := []string{t3, t1, t2}
	if len(order) != 3 {
		t.Fatalf("executed %d tasks, want 3", len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", order, want)
		}
	}

	for _, id := range []string{t1, t2, t3} {
		task, err := e.GetTaskStatus(id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if task.Status != models.TaskStatusCompleted {
			t.Errorf("task %s status = %q, want completed", id, task.Status)
		}
		if task.Result != "done" || task.ExecutorID != "worker" {
			t.Errorf("task %s result = %q by %q", id, task.Result, task.ExecutorID)
		}
	}

	events := drainEvents(e)
	if !hasEvent(events, EventTaskSubmitted) || !hasEvent(events, EventTaskStarted) ||
		!hasEvent(events, EventTaskCompleted) || !hasEvent(events, EventDrained) {
		t.Errorf("missing lifecycle events, got %d events", len(events))
	}
}

func TestRun_BoundedConcurrency(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentTasks = 2
	e := New(cfg)

	var current, peak atomic.Int32
	exec := &scriptedExecutor{
		id:   "worker",
		caps: []string{"general"},
		fn: func(call int, ctx context.Context, task *models.Task) (string, error) {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			current.Add(-1)
			return "done", nil
		},
	}
	e.RegisterExecutor("general", exec, false)

	for i := 0; i < 6; i++ {
		if _, err := e.SubmitTask("bulk", 0, nil, []string{"general"}, nil); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	runToDrain(t, e)

	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
	if exec.callCount() != 6 {
		t.Errorf("executed %d tasks, want 6", exec.callCount())
	}
}

func TestRun_FallbackRunsBeforeRetryDelay(t *testing.T) {
	e := New(testConfig())
	// A wrongly applied retry delay would blow the drain deadline.
	e.SetRetryPolicy(retry.ConstantDelay(30 * time.Second))

	primary := &scriptedExecutor{
		id:   "primary",
		caps: []string{"general"},
		fn: func(call int, ctx context.Context, task *models.Task) (string, error) {
			return "", executor.Executionf("primary down")
		},
	}
	backup := &scriptedExecutor{id: "backup", caps: []string{"general"}}
	e.RegisterExecutor("general", primary, false)
	e.RegisterExecutor("general", backup, true)

	id, err := e.SubmitTask("resilient", 0, nil, []string{"general"}, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	runToDrain(t, e)

	task, err := e.GetTaskStatus(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != models.TaskStatusCompleted {
		t.Fatalf("status = %q, want completed (lastError=%q)", task.Status, task.LastError)
	}
	if task.ExecutorID != "backup" {
		t.Errorf("completed by %q, want backup", task.ExecutorID)
	}
	if task.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", task.Attempt)
	}
	if primary.callCount() != 1 || backup.callCount() != 1 {
		t.Errorf("calls: primary=%d backup=%d, want 1 each", primary.callCount(), backup.callCount())
	}

	if !hasEvent(drainEvents(e), EventTaskFallback) {
		t.Error("expected a fallback event")
	}
}

func TestRun_RetriesWithPrimaryUntilSuccess(t *testing.T) {
	e := New(testConfig())
	e.SetRetryPolicy(retry.ConstantDelay(10 * time.Millisecond))

	exec := &scriptedExecutor{
		id:   "solo",
		caps: []string{"general"},
		fn: func(call int, ctx context.Context, task *models.Task) (string, error) {
			if call < 3 {
				return "", executor.Executionf("transient glitch %d", call)
			}
			return "finally", nil
		},
	}
	e.RegisterExecutor("general", exec, false)

	id, err := e.SubmitTask("flaky", 0, nil, []string{"general"}, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	runToDrain(t, e)

	task, err := e.GetTaskStatus(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != models.TaskStatusCompleted {
		t.Fatalf("status = %q, want completed", task.Status)
	}
	if task.Attempt != 3 {
		t.Errorf("attempt = %d, want 3", task.Attempt)
	}
	if task.Result != "finally" {
		t.Errorf("result = %q", task.Result)
	}
	if !hasEvent(drainEvents(e), EventTaskRetry) {
		t.Error("expected a retry event")
	}
}

func TestRun_FailsPermanentlyAfterMaxAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 2
	e := New(cfg)
	e.SetRetryPolicy(retry.ConstantDelay(5 * time.Millisecond))

	exec := &scriptedExecutor{
		id:   "broken",
		caps: []string{"general"},
		fn: func(call int, ctx context.Context, task *models.Task) (string, error) {
			return "", executor.Executionf("still broken")
		},
	}
	e.RegisterExecutor("general", exec, false)

	id, err := e.SubmitTask("doomed", 0, nil, []string{"general"}, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	runToDrain(t, e)

	task, err := e.GetTaskStatus(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != models.TaskStatusFailed {
		t.Fatalf("status = %q, want failed", task.Status)
	}
	if task.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", task.Attempt)
	}
	if exec.callCount() != 2 {
		t.Errorf("calls = %d, want 2", exec.callCount())
	}
}

func TestRun_NoCapableExecutorFailsWithoutConsumingAttempt(t *testing.T) {
	e := New(testConfig())

	exec := &scriptedExecutor{id: "cpu-only", caps: []string{"cpu"}}
	e.RegisterExecutor("cpu", exec, false)

	id, err := e.SubmitTask("needs gpu", 0, nil, []string{"gpu"}, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	dep, err := e.SubmitTask("after gpu", 0, []string{id}, []string{"cpu"}, nil)
	if err != nil {
		t.Fatalf("submit dependent: %v", err)
	}

	runToDrain(t, e)

	task, err := e.GetTaskStatus(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != models.TaskStatusFailed {
		t.Fatalf("status = %q, want failed", task.Status)
	}
	if task.Attempt != 0 {
		t.Errorf("attempt = %d, want 0 (routing failures consume no attempt)", task.Attempt)
	}
	if !strings.Contains(task.LastError, "no capable executor") {
		t.Errorf("lastError = %q", task.LastError)
	}
	if exec.callCount() != 0 {
		t.Errorf("executor was invoked %d times", exec.callCount())
	}

	// The dependent is stranded but must not keep the run alive.
	depTask, err := e.GetTaskStatus(dep)
	if err != nil {
		t.Fatalf("get dependent: %v", err)
	}
	if depTask.Status != models.TaskStatusPending {
		t.Errorf("dependent status = %q, want pending", depTask.Status)
	}
}

func TestRun_UnrecoverableSkipsFallbackAndRetry(t *testing.T) {
	e := New(testConfig())

	primary := &scriptedExecutor{
		id:   "strict",
		caps: []string{"general"},
		fn: func(call int, ctx context.Context, task *models.Task) (string, error) {
			return "", executor.Unrecoverablef("malformed payload")
		},
	}
	backup := &scriptedExecutor{id: "backup", caps: []string{"general"}}
	e.RegisterExecutor("general", primary, false)
	e.RegisterExecutor("general", backup, true)

	id, err := e.SubmitTask("bad input", 0, nil, []string{"general"}, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	runToDrain(t, e)

	task, err := e.GetTaskStatus(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != models.TaskStatusFailed {
		t.Fatalf("status = %q, want failed", task.Status)
	}
	if task.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", task.Attempt)
	}
	if backup.callCount() != 0 {
		t.Errorf("fallback ran %d times for an unrecoverable failure", backup.callCount())
	}
}

func TestCancelTask_CancelsRunningTaskAndDependents(t *testing.T) {
	cfg := testConfig()
	cfg.TaskTimeout = 10 * time.Second
	e := New(cfg)

	started := make(chan struct{}, 1)
	exec := &scriptedExecutor{
		id:   "patient",
		caps: []string{"general"},
		fn: func(call int, ctx context.Context, task *models.Task) (string, error) {
			started <- struct{}{}
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	e.RegisterExecutor("general", exec, false)

	t1, err := e.SubmitTask("long haul", 0, nil, []string{"general"}, nil)
	if err != nil {
		t.Fatalf("submit t1: %v", err)
	}
	t2, err := e.SubmitTask("after", 0, []string{t1}, []string{"general"}, nil)
	if err != nil {
		t.Fatalf("submit t2: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}

	if err := e.CancelTask(t1); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not drain after cancellation")
	}

	for _, id := range []string{t1, t2} {
		task, err := e.GetTaskStatus(id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if task.Status != models.TaskStatusCancelled {
			t.Errorf("task %s status = %q, want cancelled", id, task.Status)
		}
	}
}

func TestStop_InterruptsRun(t *testing.T) {
	cfg := testConfig()
	cfg.TaskTimeout = 10 * time.Second
	e := New(cfg)

	started := make(chan struct{}, 1)
	exec := &scriptedExecutor{
		id:   "patient",
		caps: []string{"general"},
		fn: func(call int, ctx context.Context, task *models.Task) (string, error) {
			started <- struct{}{}
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	e.RegisterExecutor("general", exec, false)

	if _, err := e.SubmitTask("endless", 0, nil, []string{"general"}, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}

	e.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestHealthReport_DegradedOverThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1
	e := New(cfg)
	e.SetErrorThreshold(executor.KindExecution, 1)

	exec := &scriptedExecutor{
		id:   "broken",
		caps: []string{"general"},
		fn: func(call int, ctx context.Context, task *models.Task) (string, error) {
			return "", executor.Executionf("down")
		},
	}
	e.RegisterExecutor("general", exec, false)

	if report := e.HealthReport(); report.Status != HealthHealthy {
		t.Errorf("initial status = %q, want healthy", report.Status)
	}

	if _, err := e.SubmitTask("probe", 0, nil, []string{"general"}, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	runToDrain(t, e)

	report := e.HealthReport()
	if report.Status != HealthDegraded {
		t.Errorf("status = %q, want degraded", report.Status)
	}
	if report.ErrorSummary[executor.KindExecution] < 1 {
		t.Errorf("error summary = %v", report.ErrorSummary)
	}
	if report.ActiveTaskCount != 0 {
		t.Errorf("active count = %d, want 0", report.ActiveTaskCount)
	}
}

func TestRun_WritesFinalCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	store := checkpoint.NewStore(path)

	e := New(testConfig(), WithCheckpointStore(store))
	exec := &scriptedExecutor{id: "worker", caps: []string{"general"}}
	e.RegisterExecutor("general", exec, false)

	id1, err := e.SubmitTask("one", 0, nil, []string{"general"}, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	id2, err := e.SubmitTask("two", 0, []string{id1}, []string{"general"}, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	runToDrain(t, e)

	doc, err := store.Load()
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if len(doc.Tasks) != 2 {
		t.Fatalf("checkpoint has %d tasks, want 2", len(doc.Tasks))
	}
	seen := make(map[string]bool)
	for _, task := range doc.Tasks {
		seen[task.ID] = true
		if task.Status != models.TaskStatusCompleted {
			t.Errorf("checkpointed task %s status = %q, want completed", task.ID, task.Status)
		}
	}
	if !seen[id1] || !seen[id2] {
		t.Errorf("checkpoint missing tasks: %v", seen)
	}
}

func TestNew_ContinuesSequenceAfterRestore(t *testing.T) {
	e1 := New(testConfig())
	exec := &scriptedExecutor{id: "worker", caps: []string{"general"}}
	e1.RegisterExecutor("general", exec, false)

	if _, err := e1.SubmitTask("one", 0, nil, []string{"general"}, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	runToDrain(t, e1)

	path := filepath.Join(t.TempDir(), "checkpoint.json")
	store := checkpoint.NewStore(path)
	doc0, err := checkpoint.Capture(e1.graph, e1.collector)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if err := store.Save(doc0); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	doc, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	g, c, err := checkpoint.Restore(doc)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}

	e2 := New(testConfig(), WithRestoredState(g, c))
	e2.RegisterExecutor("general", exec, false)
	id, err := e2.SubmitTask("two", 0, nil, []string{"general"}, nil)
	if err != nil {
		t.Fatalf("submit after restore: %v", err)
	}

	task, err := e2.GetTaskStatus(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Seq < 2 {
		t.Errorf("restored engine reused sequence %d", task.Seq)
	}
}
