// Package recovery decides what happens after a task attempt fails:
// advance to a fallback executor, retry the primary after a backoff delay,
// or fail the task permanently.
package recovery

import (
	"log"
	"sync"
	"time"

	"github.com/cherryhq/cherry/internal/executor"
	"github.com/cherryhq/cherry/internal/monitor"
	"github.com/cherryhq/cherry/internal/retry"
	"github.com/cherryhq/cherry/pkg/models"
)

// Action is the recovery decision for a failed attempt.
type Action int

const (
	// ActionFallback retries immediately on the next fallback executor.
	// No backoff delay applies, since a different executor is not assumed
	// to share the fault.
	ActionFallback Action = iota
	// ActionRetry re-attempts with the original primary executor after
	// the policy delay.
	ActionRetry
	// ActionFail marks the task failed permanently.
	ActionFail
)

// String returns a human-readable representation of the action.
func (a Action) String() string {
	switch a {
	case ActionFallback:
		return "fallback"
	case ActionRetry:
		return "retry"
	case ActionFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Decision is the outcome of evaluating a failed attempt.
type Decision struct {
	// Action is what the scheduler should do next.
	Action Action
	// Executor is the fallback to use when Action is ActionFallback.
	Executor executor.Executor
	// Delay is the backoff before requeue when Action is ActionRetry.
	Delay time.Duration
	// Reason explains the decision for logs and the task's final error.
	Reason string
}

// DefaultMaxAttempts bounds execution attempts per task.
const DefaultMaxAttempts = 5

// Manager implements the two-level recovery strategy: try fallback
// siblings first, then back off and retry the primary. It records every
// failure in the error monitor before deciding.
type Manager struct {
	// monitor receives every failure for threshold tracking.
	monitor *monitor.ErrorMonitor
	// policy supplies retry delays; replaceable at runtime.
	policy retry.Policy
	// maxAttempts bounds attempts per task.
	maxAttempts int
	// mu protects policy and maxAttempts.
	mu sync.RWMutex
}

// NewManager creates a Manager with the default backoff policy and
// attempt bound.
func NewManager(m *monitor.ErrorMonitor) *Manager {
	return &Manager{
		monitor:     m,
		policy:      retry.DefaultExponentialBackoff(),
		maxAttempts: DefaultMaxAttempts,
	}
}

// SetPolicy replaces the retry policy.
func (r *Manager) SetPolicy(p retry.Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p != nil {
		r.policy = p
	}
}

// SetMaxAttempts sets the per-task attempt bound. Values below one clamp
// to one.
func (r *Manager) SetMaxAttempts(n int) {
	if n < 1 {
		n = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxAttempts = n
}

// MaxAttempts returns the current attempt bound.
func (r *Manager) MaxAttempts() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxAttempts
}

// Decide records the failure and returns the next action for the task.
// chain is the remaining fallback chain left over from the scheduler's
// Resolve call; executorID is the executor whose attempt just failed.
func (r *Manager) Decide(task *models.Task, failure error, executorID string, chain []executor.Executor) Decision {
	kind := executor.KindOf(failure)
	r.monitor.Record(kind, task.ID, executorID, failure.Error())

	r.mu.RLock()
	policy := r.policy
	maxAttempts := r.maxAttempts
	r.mu.RUnlock()

	if kind == executor.KindUnrecoverable {
		log.Printf("[recovery] task %s: unrecoverable failure, not retrying: %v", task.ID, failure)
		return Decision{Action: ActionFail, Reason: "unrecoverable: " + failure.Error()}
	}

	if task.Attempt >= maxAttempts {
		log.Printf("[recovery] task %s: attempt %d reached max %d, failing", task.ID, task.Attempt, maxAttempts)
		return Decision{Action: ActionFail, Reason: "max attempts reached: " + failure.Error()}
	}

	if r.monitor.IsOverThreshold(kind) && len(chain) == 0 {
		log.Printf("[recovery] task %s: error kind %s over threshold with no fallback, failing", task.ID, kind)
		return Decision{Action: ActionFail, Reason: "error threshold exceeded: " + failure.Error()}
	}

	// Try siblings before re-trying the same implementation.
	if len(chain) > 0 {
		next := chain[0]
		log.Printf("[recovery] task %s: advancing to fallback executor %s", task.ID, next.ID())
		return Decision{Action: ActionFallback, Executor: next, Reason: "fallback to " + next.ID()}
	}

	// Chain exhausted; back off and retry the original primary.
	// Attempt numbering for the policy is zero-based.
	delay := policy.NextDelay(task.Attempt - 1)
	log.Printf("[recovery] task %s: retrying primary after %v (attempt %d)", task.ID, delay, task.Attempt)
	return Decision{Action: ActionRetry, Delay: delay, Reason: failure.Error()}
}
