// Package models contains the shared data types for the Cherry engine.
package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting on prerequisites.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusEligible indicates every prerequisite has completed and the
	// task may be dispatched.
	TaskStatusEligible TaskStatus = "eligible"
	// TaskStatusRunning indicates the task is executing on a worker.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task failed permanently.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was cancelled before completion.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusEligible, TaskStatusRunning,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is an end state that the task can
// never leave.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a legal status
// change. The state machine is forward-only with one exception: a running
// task may return to eligible when a retry is requeued.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return next == TaskStatusEligible || next == TaskStatusCancelled ||
			next == TaskStatusFailed
	case TaskStatusEligible:
		return next == TaskStatusRunning || next == TaskStatusCancelled ||
			next == TaskStatusFailed
	case TaskStatusRunning:
		// Running -> eligible is the retry requeue path.
		return next == TaskStatusCompleted || next == TaskStatusFailed ||
			next == TaskStatusEligible || next == TaskStatusCancelled
	default:
		return false
	}
}

// Task represents one schedulable unit of work.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// Seq is a process-wide monotonic sequence number assigned at
	// submission, used as the FIFO tie-break within equal priority.
	Seq uint64 `json:"seq"`
	// Description is the opaque payload handed to the executor.
	Description string `json:"description"`
	// RequiredCapabilities lists the capability tags an executor must
	// advertise to run this task.
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	// Priority orders dispatch; higher runs first.
	Priority int `json:"priority"`
	// PrerequisiteIDs lists task IDs that must complete before this task.
	PrerequisiteIDs []string `json:"prerequisite_ids,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// Context is an opaque key/value map passed through to the executor.
	Context map[string]string `json:"context,omitempty"`
	// CreatedAt is when the task was submitted.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the task first entered running, if it has.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Attempt counts execution attempts so far.
	Attempt int `json:"attempt"`
	// ExecutorID identifies the executor that produced the terminal
	// outcome, if any.
	ExecutorID string `json:"executor_id,omitempty"`
	// Result holds the executor output on completion.
	Result string `json:"result,omitempty"`
	// LastError holds the most recent failure message.
	LastError string `json:"last_error,omitempty"`
}

// Clone returns a deep copy of the task. Slices and the context map are
// copied so callers can hold the clone without racing graph mutation.
func (t *Task) Clone() *Task {
	c := *t
	if t.RequiredCapabilities != nil {
		c.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	}
	if t.PrerequisiteIDs != nil {
		c.PrerequisiteIDs = append([]string(nil), t.PrerequisiteIDs...)
	}
	if t.Context != nil {
		c.Context = make(map[string]string, len(t.Context))
		for k, v := range t.Context {
			c.Context[k] = v
		}
	}
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		c.CompletedAt = &completed
	}
	return &c
}

// Edge represents one prerequisite relationship: From must complete
// before To becomes eligible.
type Edge struct {
	// From is the prerequisite task ID.
	From string `json:"from"`
	// To is the dependent task ID.
	To string `json:"to"`
}

// TaskFilter selects tasks for list queries. The zero value matches all tasks.
type TaskFilter struct {
	// Statuses limits results to the given statuses when non-empty.
	Statuses []TaskStatus
	// Capability limits results to tasks requiring the given capability
	// tag when non-empty.
	Capability string
}

// Matches returns true if the task passes the filter.
func (f TaskFilter) Matches(t *Task) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if t.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Capability != "" {
		ok := false
		for _, c := range t.RequiredCapabilities {
			if c == f.Capability {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
