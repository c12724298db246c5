// Package orchestrator coordinates task scheduling, dispatch, and
// recovery for the Cherry engine.
package orchestrator

import (
	"time"
)

// EventType represents the type of scheduler event.
type EventType string

const (
	// EventTaskSubmitted indicates a task was accepted into the graph.
	EventTaskSubmitted EventType = "task_submitted"
	// EventTaskStarted indicates a task was dispatched to a worker.
	EventTaskStarted EventType = "task_started"
	// EventTaskCompleted indicates a task completed successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates a task failed permanently.
	EventTaskFailed EventType = "task_failed"
	// EventTaskRetry indicates a retry was scheduled after a backoff delay.
	EventTaskRetry EventType = "task_retry"
	// EventTaskFallback indicates the next attempt uses a fallback executor.
	EventTaskFallback EventType = "task_fallback"
	// EventTaskCancelled indicates a task was cancelled.
	EventTaskCancelled EventType = "task_cancelled"
	// EventCheckpointSaved indicates a checkpoint was written.
	EventCheckpointSaved EventType = "checkpoint_saved"
	// EventDrained indicates no pending, eligible, or running tasks remain.
	EventDrained EventType = "drained"
)

// Event represents an event emitted by the scheduler. Embedders subscribe
// to these for progress tracking and observability.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// TaskID is the ID of the related task, if applicable.
	TaskID string
	// ExecutorID is the executor involved, if applicable.
	ExecutorID string
	// Attempt is the task's attempt number at the time of the event.
	Attempt int
	// Message provides additional context about the event.
	Message string
	// Err contains error details for failure events.
	Err error
	// Delay is the backoff delay for retry events.
	Delay time.Duration
	// Timestamp is when the event occurred.
	Timestamp time.Time
}
