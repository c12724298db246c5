// Package graph owns the dependency graph of tasks and their prerequisite
// edges. All task state transitions go through graph methods so the cycle
// and state-machine invariants hold continuously, not just at submission.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gammazero/toposort"

	"github.com/cherryhq/cherry/pkg/models"
)

// ErrCycleDetected indicates adding a task would create a prerequisite cycle.
var ErrCycleDetected = errors.New("prerequisite cycle detected")

// ErrUnknownPrerequisite indicates a listed prerequisite ID does not exist.
var ErrUnknownPrerequisite = errors.New("unknown prerequisite")

// ErrUnknownTask indicates the task ID is not in the graph.
var ErrUnknownTask = errors.New("unknown task")

// ErrDuplicateTask indicates a task with the same ID already exists.
var ErrDuplicateTask = errors.New("duplicate task id")

// ErrInvalidTransition indicates a status change the state machine forbids.
var ErrInvalidTransition = errors.New("invalid status transition")

// Graph is the dependency graph of tasks. Tasks are nodes; an edge
// prerequisite -> dependent means the dependent cannot run until the
// prerequisite completes. All mutation is serialized on one mutex.
type Graph struct {
	// tasks maps task ID to the task itself.
	tasks map[string]*models.Task
	// dependents maps task ID to the IDs of tasks that list it as a
	// prerequisite.
	dependents map[string][]string
	// mu protects all fields.
	mu sync.RWMutex
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		tasks:      make(map[string]*models.Task),
		dependents: make(map[string][]string),
	}
}

// Add registers a task and its prerequisite edges. It fails with
// ErrUnknownPrerequisite if a listed prerequisite does not exist, and with
// ErrCycleDetected if the new edges would create a cycle. On failure the
// graph is left unchanged. The task's status is set to pending, or to
// eligible immediately when every prerequisite has already completed.
func (g *Graph) Add(task *models.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addLocked(task)
}

// AddAll registers a batch of tasks that may reference each other in any
// order, as happens when restoring a checkpoint or loading a plan. The
// whole batch is validated for unknown prerequisites and cycles before any
// task is registered.
func (g *Graph) AddAll(tasks []*models.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	staged := make(map[string]*models.Task, len(tasks))
	for _, t := range tasks {
		if _, exists := g.tasks[t.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
		}
		if _, exists := staged[t.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
		}
		staged[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.PrerequisiteIDs {
			if _, ok := g.tasks[dep]; ok {
				continue
			}
			if _, ok := staged[dep]; ok {
				continue
			}
			return fmt.Errorf("%w: task %s requires %s", ErrUnknownPrerequisite, t.ID, dep)
		}
	}
	if g.wouldCycle(staged) {
		return ErrCycleDetected
	}

	for _, t := range tasks {
		g.register(t)
	}
	// Promote in a second pass so eligibility does not depend on the
	// batch's declaration order.
	for _, t := range tasks {
		if t.Status == models.TaskStatusPending && g.prereqsCompleteLocked(t) {
			t.Status = models.TaskStatusEligible
		}
	}
	return nil
}

// addLocked validates and registers a single task. Caller must hold g.mu.
func (g *Graph) addLocked(task *models.Task) error {
	if _, exists := g.tasks[task.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}
	for _, dep := range task.PrerequisiteIDs {
		if _, ok := g.tasks[dep]; !ok {
			return fmt.Errorf("%w: task %s requires %s", ErrUnknownPrerequisite, task.ID, dep)
		}
	}
	// The cycle walk runs on every Add, not lazily at schedule time:
	// detecting a cycle after members are dispatched would leave a
	// subgraph pending on itself forever.
	if g.wouldCycle(map[string]*models.Task{task.ID: task}) {
		return ErrCycleDetected
	}

	g.register(task)
	return nil
}

// register inserts a validated task. Caller must hold g.mu.
func (g *Graph) register(task *models.Task) {
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	g.tasks[task.ID] = task
	for _, dep := range task.PrerequisiteIDs {
		g.dependents[dep] = append(g.dependents[dep], task.ID)
	}
	if task.Status == models.TaskStatusPending && g.prereqsCompleteLocked(task) {
		task.Status = models.TaskStatusEligible
	}
}

// wouldCycle reports whether the graph plus the staged tasks contains a
// prerequisite cycle. Iterative DFS with an in-progress (gray) set: any
// revisit of a gray node is a back edge, hence a cycle.
func (g *Graph) wouldCycle(staged map[string]*models.Task) bool {
	prereqs := func(id string) []string {
		if t, ok := staged[id]; ok {
			return t.PrerequisiteIDs
		}
		if t, ok := g.tasks[id]; ok {
			return t.PrerequisiteIDs
		}
		return nil
	}

	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // fully explored
	)
	colors := make(map[string]int, len(g.tasks)+len(staged))

	var roots []string
	for id := range g.tasks {
		roots = append(roots, id)
	}
	for id := range staged {
		roots = append(roots, id)
	}

	type frame struct {
		id   string
		next int
	}
	for _, root := range roots {
		if colors[root] != white {
			continue
		}
		stack := []frame{{id: root}}
		colors[root] = gray
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := prereqs(top.id)
			if top.next < len(deps) {
				dep := deps[top.next]
				top.next++
				switch colors[dep] {
				case gray:
					return true
				case white:
					colors[dep] = gray
					stack = append(stack, frame{id: dep})
				}
				continue
			}
			colors[top.id] = black
			stack = stack[:len(stack)-1]
		}
	}
	return false
}

// prereqsCompleteLocked reports whether every prerequisite of the task has
// completed. Caller must hold g.mu.
func (g *Graph) prereqsCompleteLocked(task *models.Task) bool {
	for _, dep := range task.PrerequisiteIDs {
		p, ok := g.tasks[dep]
		if !ok || p.Status != models.TaskStatusCompleted {
			return false
		}
	}
	return true
}

// MarkRunning transitions a task from eligible to running and stamps
// StartedAt on the first attempt.
func (g *Graph) MarkRunning(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if !task.Status.CanTransition(models.TaskStatusRunning) {
		return fmt.Errorf("%w: %s -> running", ErrInvalidTransition, task.Status)
	}
	task.Status = models.TaskStatusRunning
	task.Attempt++
	if task.StartedAt == nil {
		now := time.Now()
		task.StartedAt = &now
	}
	return nil
}

// MarkCompleted transitions a task to completed, records the result, and
// promotes every direct dependent whose prerequisites are now all complete.
func (g *Graph) MarkCompleted(id, result, executorID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if !task.Status.CanTransition(models.TaskStatusCompleted) {
		return fmt.Errorf("%w: %s -> completed", ErrInvalidTransition, task.Status)
	}
	now := time.Now()
	task.Status = models.TaskStatusCompleted
	task.Result = result
	task.ExecutorID = executorID
	task.CompletedAt = &now

	for _, depID := range g.dependents[id] {
		dep := g.tasks[depID]
		if dep.Status == models.TaskStatusPending && g.prereqsCompleteLocked(dep) {
			dep.Status = models.TaskStatusEligible
		}
	}
	return nil
}

// MarkFailed transitions a task to failed permanently. Dependents are left
// pending; they can never become eligible and ActiveCount excludes them.
func (g *Graph) MarkFailed(id, errMsg, executorID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if !task.Status.CanTransition(models.TaskStatusFailed) {
		return fmt.Errorf("%w: %s -> failed", ErrInvalidTransition, task.Status)
	}
	now := time.Now()
	task.Status = models.TaskStatusFailed
	task.LastError = errMsg
	task.ExecutorID = executorID
	task.CompletedAt = &now
	return nil
}

// Requeue returns a running task to eligible so a retry can be dispatched.
// The attempt counter keeps its value; MarkRunning increments it again on
// the next dispatch.
func (g *Graph) Requeue(id, lastError string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if task.Status != models.TaskStatusRunning {
		return fmt.Errorf("%w: %s -> eligible (requeue)", ErrInvalidTransition, task.Status)
	}
	task.Status = models.TaskStatusEligible
	task.LastError = lastError
	return nil
}

// Cancel removes a pending or eligible task from future dispatch and
// cancels its dependents transitively, since they can never complete.
// Cancelling a running task only records the status change; the scheduler
// is responsible for signalling the executor's context. Returns the IDs of
// every task that was cancelled, the given one included.
func (g *Graph) Cancel(id string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, ok := g.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if !task.Status.CanTransition(models.TaskStatusCancelled) {
		return nil, fmt.Errorf("%w: %s -> cancelled", ErrInvalidTransition, task.Status)
	}

	var cancelled []string
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		t := g.tasks[cur]
		if t.Status.Terminal() {
			continue
		}
		now := time.Now()
		t.Status = models.TaskStatusCancelled
		t.CompletedAt = &now
		cancelled = append(cancelled, cur)
		queue = append(queue, g.dependents[cur]...)
	}
	return cancelled, nil
}

// EligibleTasks returns clones of all eligible tasks ordered by priority
// descending, then submission sequence ascending. The ordering is
// deterministic and starvation-free for equal priorities.
func (g *Graph) EligibleTasks() []*models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var eligible []*models.Task
	for _, t := range g.tasks {
		if t.Status == models.TaskStatusEligible {
			eligible = append(eligible, t.Clone())
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].Seq < eligible[j].Seq
	})
	return eligible
}

// Get returns a clone of the task, or ErrUnknownTask.
func (g *Graph) Get(id string) (*models.Task, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	task, ok := g.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return task.Clone(), nil
}

// List returns clones of all tasks passing the filter, ordered by
// submission sequence.
func (g *Graph) List(filter models.TaskFilter) []*models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []*models.Task
	for _, t := range g.tasks {
		if filter.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Snapshot returns deep copies of every task plus the edge list, with tasks
// in topological order so a restore replays prerequisites before
// dependents. Serialization happens outside the graph lock.
func (g *Graph) Snapshot() ([]*models.Task, []models.Edge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var edges []toposort.Edge
	var modelEdges []models.Edge
	for id, t := range g.tasks {
		if len(t.PrerequisiteIDs) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, dep := range t.PrerequisiteIDs {
			edges = append(edges, toposort.Edge{dep, id})
			modelEdges = append(modelEdges, models.Edge{From: dep, To: id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		// The add-time cycle walk makes this unreachable; surface it
		// rather than write a corrupt checkpoint.
		return nil, nil, fmt.Errorf("snapshot ordering: %w", err)
	}

	tasks := make([]*models.Task, 0, len(g.tasks))
	for _, id := range sorted {
		if id == nil {
			continue
		}
		if t, ok := g.tasks[id.(string)]; ok {
			tasks = append(tasks, t.Clone())
		}
	}
	return tasks, modelEdges, nil
}

// Dependents returns the IDs of tasks that list the given task as a
// prerequisite.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.dependents[id]...)
}

// StatusCounts returns the number of tasks per status.
func (g *Graph) StatusCounts() map[models.TaskStatus]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	counts := make(map[models.TaskStatus]int)
	for _, t := range g.tasks {
		counts[t.Status]++
	}
	return counts
}

// ActiveCount returns the number of tasks that still can make progress:
// eligible, running, or pending with a live prerequisite chain. Pending
// tasks stranded behind a failed or cancelled prerequisite are excluded,
// since they will never become eligible. The scheduler loop exits when
// this reaches zero.
func (g *Graph) ActiveCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	doomed := make(map[string]bool)
	n := 0
	for _, t := range g.tasks {
		switch t.Status {
		case models.TaskStatusEligible, models.TaskStatusRunning:
			n++
		case models.TaskStatusPending:
			if !g.doomedLocked(t, doomed) {
				n++
			}
		}
	}
	return n
}

// doomedLocked reports whether a pending task can never become eligible
// because some prerequisite, directly or transitively, is failed or
// cancelled. memo caches verdicts across calls within one walk. Caller
// must hold g.mu.
func (g *Graph) doomedLocked(task *models.Task, memo map[string]bool) bool {
	if v, ok := memo[task.ID]; ok {
		return v
	}
	// Pre-seed against re-entry; the graph is acyclic so this value is
	// only read if a later walk revisits an already-settled task.
	memo[task.ID] = false

	verdict := false
	for _, dep := range task.PrerequisiteIDs {
		p, ok := g.tasks[dep]
		if !ok {
			verdict = true
			break
		}
		switch p.Status {
		case models.TaskStatusFailed, models.TaskStatusCancelled:
			verdict = true
		case models.TaskStatusPending:
			if g.doomedLocked(p, memo) {
				verdict = true
			}
		}
		if verdict {
			break
		}
	}
	memo[task.ID] = verdict
	return verdict
}

// Size returns the number of tasks in the graph.
func (g *Graph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}
