// Package executor defines the contract between the Cherry engine and the
// pluggable handlers that perform task work, plus the registry that routes
// tasks to them by capability.
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/cherryhq/cherry/pkg/models"
)

// Executor performs the actual work for a task. Implementations live
// outside the engine (research, codegen, scraping agents) and are plugged
// in by the composition root at startup.
type Executor interface {
	// ID uniquely identifies this executor instance for metrics and
	// fallback bookkeeping.
	ID() string
	// Capabilities returns the capability tags this executor advertises.
	Capabilities() []string
	// Execute runs the task and returns its result. The context carries
	// the per-task timeout and cancellation; executors are expected to
	// return promptly when it is done. Errors must be one of the typed
	// failures below.
	Execute(ctx context.Context, task *models.Task) (string, error)
}

// FailureKind classifies an execution failure for the error monitor and
// the recovery manager.
type FailureKind string

const (
	// KindTimeout indicates the executor exceeded the per-task timeout.
	KindTimeout FailureKind = "execution_timeout"
	// KindExecution indicates an ordinary retryable execution failure.
	KindExecution FailureKind = "execution_error"
	// KindUnrecoverable indicates retrying is pointless, e.g. a malformed
	// payload. Never retried.
	KindUnrecoverable FailureKind = "unrecoverable"
	// KindNoCapableExecutor indicates no registration satisfies the
	// task's required capabilities. Fails without consuming an attempt.
	KindNoCapableExecutor FailureKind = "no_capable_executor"
)

// ErrExecutionTimeout is the typed failure for a timed-out invocation.
var ErrExecutionTimeout = errors.New("execution timeout")

// ErrExecutionError is the typed failure for a retryable execution error.
var ErrExecutionError = errors.New("execution error")

// ErrUnrecoverable is the typed failure for errors that must not be retried.
var ErrUnrecoverable = errors.New("unrecoverable")

// ErrNoCapableExecutor indicates no registered executor covers the
// required capability set.
var ErrNoCapableExecutor = errors.New("no capable executor")

// Timeoutf wraps a formatted message as an ErrExecutionTimeout.
func Timeoutf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrExecutionTimeout, fmt.Sprintf(format, args...))
}

// Executionf wraps a formatted message as an ErrExecutionError.
func Executionf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrExecutionError, fmt.Sprintf(format, args...))
}

// Unrecoverablef wraps a formatted message as an ErrUnrecoverable.
func Unrecoverablef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrUnrecoverable, fmt.Sprintf(format, args...))
}

// KindOf classifies an error into a FailureKind. Context deadline errors
// count as timeouts so executors that simply return ctx.Err() are
// classified correctly. Unknown errors default to KindExecution, the
// retryable kind.
func KindOf(err error) FailureKind {
	switch {
	case errors.Is(err, ErrUnrecoverable):
		return KindUnrecoverable
	case errors.Is(err, ErrExecutionTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrNoCapableExecutor):
		return KindNoCapableExecutor
	default:
		return KindExecution
	}
}
