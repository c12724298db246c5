package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cherryhq/cherry/internal/executor"
	"github.com/cherryhq/cherry/internal/recovery"
	"github.com/cherryhq/cherry/pkg/models"
)

// outcome is a worker's report of one execution attempt.
type outcome struct {
	// task is the dispatched task as of dispatch time.
	task *models.Task
	// executorID ran the attempt.
	executorID string
	// chain is the remaining fallback chain from resolution.
	chain []executor.Executor
	// result is the executor output on success.
	result string
	// err is the typed failure, nil on success.
	err error
	// duration is how long the attempt took.
	duration time.Duration
}

// Run is the scheduler control loop: one coordinating routine polling the
// graph for eligible tasks and a bounded set of worker routines executing
// them. It returns once the graph has no pending, eligible, or running
// tasks left, or when the context is cancelled or Stop is called.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	var ckptC <-chan time.Time
	if e.ckpt != nil && e.cfg.CheckpointInterval > 0 {
		ticker := time.NewTicker(e.cfg.CheckpointInterval)
		defer ticker.Stop()
		ckptC = ticker.C
	}

	for {
		// Drain completions and ticks before scheduling more work.
		select {
		case <-ctx.Done():
			return e.shutdown(ctx.Err())
		case out := <-e.completionCh:
			e.handleOutcome(ctx, out)
			continue
		case <-ckptC:
			e.saveCheckpoint()
			continue
		default:
		}

		dispatched := e.dispatchEligible(ctx)

		if e.idle() {
			e.saveCheckpoint()
			e.logger.Log("[scheduler] graph drained, exiting")
			e.emitter.Emit(Event{Type: EventDrained})
			return nil
		}

		if dispatched == 0 {
			// Nothing to schedule; wait for a completion, a retry
			// requeue, or the poll interval.
			select {
			case <-ctx.Done():
				return e.shutdown(ctx.Err())
			case out := <-e.completionCh:
				e.handleOutcome(ctx, out)
			case <-ckptC:
				e.saveCheckpoint()
			case <-e.trigger:
			case <-time.After(e.cfg.PollInterval):
			}
		}
	}
}

// idle reports whether no work remains anywhere: the graph has no active
// tasks and no worker is in flight.
func (e *Engine) idle() bool {
	e.mu.Lock()
	inflight := e.inflight
	e.mu.Unlock()
	return inflight == 0 && e.graph.ActiveCount() == 0
}

// dispatchEligible fills available worker slots from the eligible queue,
// highest priority first. Returns the number of tasks dispatched.
func (e *Engine) dispatchEligible(ctx context.Context) int {
	e.mu.Lock()
	slots := e.cfg.MaxConcurrentTasks - e.inflight
	e.mu.Unlock()
	if slots <= 0 {
		return 0
	}

	dispatched := 0
	for _, task := range e.graph.EligibleTasks() {
		if dispatched >= slots {
			break
		}

		exec, chain, ok := e.route(task)
		if !ok {
			continue
		}

		if err := e.graph.MarkRunning(task.ID); err != nil {
			e.logger.Log("[scheduler] cannot dispatch %s: %v", task.ID, err)
			continue
		}
		running, err := e.graph.Get(task.ID)
		if err != nil {
			continue
		}
		e.startWorker(ctx, running, exec, chain)
		dispatched++
	}
	return dispatched
}

// route picks the executor for a task. A retried task goes back to its
// originally resolved primary; otherwise the registry resolves fresh. A
// routing failure (no capable executor) fails the task immediately without
// consuming an attempt and without entering retry policy.
func (e *Engine) route(task *models.Task) (executor.Executor, []executor.Executor, bool) {
	e.mu.Lock()
	designated := e.primaries[task.ID]
	e.mu.Unlock()
	if designated != nil {
		return designated, nil, true
	}

	exec, chain, err := e.registry.Resolve(task.RequiredCapabilities, e.collector)
	if err != nil {
		e.logger.Log("[scheduler] no capable executor for task %s: %v", task.ID, err)
		e.monitor.Record(executor.KindNoCapableExecutor, task.ID, "", err.Error())
		if markErr := e.graph.MarkFailed(task.ID, err.Error(), ""); markErr != nil {
			e.logger.Log("[scheduler] mark failed %s: %v", task.ID, markErr)
		}
		e.emitter.Emit(Event{Type: EventTaskFailed, TaskID: task.ID, Err: err})
		e.archiveTask(task.ID)
		return nil, nil, false
	}

	e.mu.Lock()
	e.primaries[task.ID] = exec
	e.mu.Unlock()
	return exec, chain, true
}

// startWorker launches one worker goroutine for a dispatched task.
func (e *Engine) startWorker(ctx context.Context, task *models.Task, exec executor.Executor, chain []executor.Executor) {
	invCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	e.inflight++
	e.cancels[task.ID] = cancel
	e.mu.Unlock()

	e.logger.Log("[scheduler] dispatching task %s to executor %s (attempt %d)", task.ID, exec.ID(), task.Attempt)
	e.emitter.Emit(Event{Type: EventTaskStarted, TaskID: task.ID, ExecutorID: exec.ID(), Attempt: task.Attempt})

	go func() {
		defer cancel()
		start := time.Now()
		result, err := e.invoke(invCtx, exec, task)
		e.completionCh <- outcome{
			task:       task,
			executorID: exec.ID(),
			chain:      chain,
			result:     result,
			err:        err,
			duration:   time.Since(start),
		}
	}()
}

// invoke runs one executor attempt under the per-task timeout and the
// executor's circuit breaker.
func (e *Engine) invoke(ctx context.Context, exec executor.Executor, task *models.Task) (string, error) {
	invCtx, cancel := context.WithTimeout(ctx, e.cfg.TaskTimeout)
	defer cancel()

	run := func() (interface{}, error) {
		return exec.Execute(invCtx, task)
	}

	var raw interface{}
	var err error
	if cb := e.registry.Breaker(exec.ID()); cb != nil {
		raw, err = cb.Execute(run)
	} else {
		raw, err = run()
	}

	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return "", executor.Executionf("circuit open for executor %s", exec.ID())
		case invCtx.Err() == context.DeadlineExceeded && !errors.Is(err, executor.ErrUnrecoverable):
			return "", executor.Timeoutf("task %s exceeded %v on executor %s", task.ID, e.cfg.TaskTimeout, exec.ID())
		}
		return "", err
	}

	result, _ := raw.(string)
	return result, nil
}

// handleOutcome applies a worker's report: completion, fallback
// redispatch, delayed retry, or permanent failure.
func (e *Engine) handleOutcome(ctx context.Context, out outcome) {
	e.mu.Lock()
	e.inflight--
	delete(e.cancels, out.task.ID)
	e.mu.Unlock()

	current, err := e.graph.Get(out.task.ID)
	if err != nil {
		return
	}
	if current.Status == models.TaskStatusCancelled {
		// The task was cancelled while running; its outcome is discarded.
		e.logger.Log("[scheduler] discarding outcome for cancelled task %s", out.task.ID)
		return
	}

	e.collector.RecordAttempt(out.executorID, out.task.RequiredCapabilities, out.err == nil, out.duration)

	if out.err == nil {
		e.clearDispatchState(out.task.ID)
		if err := e.graph.MarkCompleted(out.task.ID, out.result, out.executorID); err != nil {
			e.logger.Log("[scheduler] mark completed %s: %v", out.task.ID, err)
			return
		}
		e.logger.Log("[scheduler] task %s completed by %s in %v", out.task.ID, out.executorID, out.duration)
		e.emitter.Emit(Event{Type: EventTaskCompleted, TaskID: out.task.ID, ExecutorID: out.executorID, Attempt: current.Attempt})
		e.archiveTask(out.task.ID)
		return
	}

	decision := e.recovery.Decide(current, out.err, out.executorID, out.chain)
	switch decision.Action {
	case recovery.ActionFallback:
		// The fallback runs immediately; a different executor is not
		// assumed to share the fault, so no backoff applies.
		if err := e.graph.Requeue(out.task.ID, out.err.Error()); err != nil {
			e.logger.Log("[scheduler] requeue for fallback %s: %v", out.task.ID, err)
			return
		}
		if err := e.graph.MarkRunning(out.task.ID); err != nil {
			e.logger.Log("[scheduler] redispatch %s: %v", out.task.ID, err)
			return
		}
		running, err := e.graph.Get(out.task.ID)
		if err != nil {
			return
		}
		e.emitter.Emit(Event{Type: EventTaskFallback, TaskID: out.task.ID, ExecutorID: decision.Executor.ID(), Attempt: running.Attempt, Err: out.err})
		e.startWorker(ctx, running, decision.Executor, out.chain[1:])

	case recovery.ActionRetry:
		e.scheduleRetry(out.task.ID, out.err, decision.Delay, current.Attempt)

	case recovery.ActionFail:
		e.clearDispatchState(out.task.ID)
		if err := e.graph.MarkFailed(out.task.ID, decision.Reason, out.executorID); err != nil {
			e.logger.Log("[scheduler] mark failed %s: %v", out.task.ID, err)
			return
		}
		e.logger.Log("[scheduler] task %s failed permanently: %s", out.task.ID, decision.Reason)
		e.emitter.Emit(Event{Type: EventTaskFailed, TaskID: out.task.ID, ExecutorID: out.executorID, Attempt: current.Attempt, Err: out.err})
		e.archiveTask(out.task.ID)
	}
}

// scheduleRetry arms a timer that requeues the task when its backoff delay
// elapses. The task keeps its running status until the retry is due; no
// worker thread sleeps on the delay.
func (e *Engine) scheduleRetry(taskID string, cause error, delay time.Duration, attempt int) {
	e.emitter.Emit(Event{Type: EventTaskRetry, TaskID: taskID, Attempt: attempt, Delay: delay, Err: cause})
	e.logger.Log("[scheduler] task %s retry in %v (attempt %d)", taskID, delay, attempt)

	timer := time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.retryTimers, taskID)
		e.mu.Unlock()
		if err := e.graph.Requeue(taskID, cause.Error()); err != nil {
			// The task was cancelled while waiting; nothing to do.
			e.logger.Log("[scheduler] retry requeue %s: %v", taskID, err)
			return
		}
		e.wake()
	})

	e.mu.Lock()
	e.retryTimers[taskID] = timer
	e.mu.Unlock()
}

// CancelTask cancels a task and, transitively, its dependents. A running
// task's invocation context is cancelled cooperatively; a task waiting on
// a retry timer has the timer stopped.
func (e *Engine) CancelTask(id string) error {
	cancelled, err := e.graph.Cancel(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	for _, cid := range cancelled {
		if fn, ok := e.cancels[cid]; ok {
			fn()
		}
		if timer, ok := e.retryTimers[cid]; ok {
			timer.Stop()
			delete(e.retryTimers, cid)
		}
		delete(e.primaries, cid)
	}
	e.mu.Unlock()

	for _, cid := range cancelled {
		e.logger.Log("[scheduler] task %s cancelled", cid)
		e.emitter.Emit(Event{Type: EventTaskCancelled, TaskID: cid})
		e.archiveTask(cid)
	}
	e.wake()
	return nil
}

// clearDispatchState drops the per-task routing memory once the task
// reaches a terminal state.
func (e *Engine) clearDispatchState(taskID string) {
	e.mu.Lock()
	delete(e.primaries, taskID)
	e.mu.Unlock()
}

// saveCheckpoint writes a checkpoint, logging rather than failing the loop
// on error: a failed checkpoint must not take down healthy scheduling.
func (e *Engine) saveCheckpoint() {
	if e.ckpt == nil {
		return
	}
	if err := e.Checkpoint(); err != nil {
		e.logger.Log("[scheduler] checkpoint failed: %v", err)
	}
}

// archiveTask records a terminal task outcome to the archive, if any.
func (e *Engine) archiveTask(id string) {
	if e.archive == nil {
		return
	}
	task, err := e.graph.Get(id)
	if err != nil {
		return
	}
	if err := e.archive.RecordTask(task); err != nil {
		e.logger.Log("[scheduler] archive task %s: %v", id, err)
	}
}

// shutdown stops retry timers and writes a final checkpoint before the
// loop exits. In-flight invocations are cancelled through the loop
// context; their outcomes land in the buffered completion channel and are
// discarded.
func (e *Engine) shutdown(cause error) error {
	e.mu.Lock()
	for id, timer := range e.retryTimers {
		timer.Stop()
		delete(e.retryTimers, id)
	}
	e.mu.Unlock()

	e.saveCheckpoint()
	e.logger.Log("[scheduler] stopped: %v", cause)
	return cause
}
