package orchestrator

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cherryhq/cherry/internal/checkpoint"
	"github.com/cherryhq/cherry/internal/executor"
	"github.com/cherryhq/cherry/internal/graph"
	"github.com/cherryhq/cherry/internal/metrics"
	"github.com/cherryhq/cherry/internal/monitor"
	"github.com/cherryhq/cherry/internal/recovery"
	"github.com/cherryhq/cherry/internal/retry"
	"github.com/cherryhq/cherry/pkg/models"
)

// Config contains the scheduler settings.
type Config struct {
	// MaxConcurrentTasks caps simultaneously running tasks.
	MaxConcurrentTasks int
	// TaskTimeout bounds a single executor invocation.
	TaskTimeout time.Duration
	// PollInterval is the coordinator's idle wait between schedule passes.
	PollInterval time.Duration
	// CheckpointInterval is how often a checkpoint is written during a
	// run. Zero disables periodic checkpoints.
	CheckpointInterval time.Duration
	// MaxAttempts bounds execution attempts per task.
	MaxAttempts int
	// EventBuffer is the emitter channel capacity.
	EventBuffer int
}

// DefaultConfig returns the standard engine settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks: 4,
		TaskTimeout:        5 * time.Minute,
		PollInterval:       50 * time.Millisecond,
		CheckpointInterval: 30 * time.Second,
		MaxAttempts:        recovery.DefaultMaxAttempts,
		EventBuffer:        100,
	}
}

// Archive receives terminal task outcomes for durable history, typically
// backed by the SQLite state store. Optional.
type Archive interface {
	RecordTask(task *models.Task) error
}

// HealthStatus is the engine's coarse health state.
type HealthStatus string

const (
	// HealthHealthy indicates no error kind is over threshold.
	HealthHealthy HealthStatus = "healthy"
	// HealthDegraded indicates at least one error kind crossed its
	// threshold within the monitor window.
	HealthDegraded HealthStatus = "degraded"
)

// HealthReport summarizes engine health for external reporting.
type HealthReport struct {
	// Status is healthy or degraded.
	Status HealthStatus `json:"status"`
	// ErrorSummary maps failure kind to its windowed count.
	ErrorSummary map[executor.FailureKind]int `json:"error_summary"`
	// ActiveTaskCount is the number of pending, eligible, or running tasks.
	ActiveTaskCount int `json:"active_task_count"`
	// DroppedEvents is the number of events dropped by the emitter.
	DroppedEvents uint64 `json:"dropped_events"`
}

// Engine is the task orchestration engine: a dependency-aware task graph,
// a bounded worker scheduler, retry/backoff, and fallback recovery. It is
// constructed once per process with injected collaborators and passed by
// reference to all call sites.
type Engine struct {
	cfg Config

	graph     *graph.Graph
	registry  *executor.Registry
	collector *metrics.Collector
	monitor   *monitor.ErrorMonitor
	recovery  *recovery.Manager
	ckpt      *checkpoint.Store
	archive   Archive
	emitter   *EventEmitter
	logger    *DebugLogger

	// seq is the process-wide submission counter.
	seq atomic.Uint64

	// mu protects the dispatch state below.
	mu sync.Mutex
	// inflight counts tasks currently executing on workers.
	inflight int
	// cancels maps running task IDs to their invocation cancel funcs.
	cancels map[string]func()
	// retryTimers maps task IDs to pending requeue timers.
	retryTimers map[string]*time.Timer
	// primaries remembers the originally resolved primary executor per
	// task, so retries after an exhausted fallback chain go back to it.
	primaries map[string]executor.Executor

	// completionCh carries worker outcomes to the coordinator.
	completionCh chan outcome
	// trigger wakes the coordinator after a retry requeue or submission.
	trigger chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithCheckpointStore enables periodic and on-demand checkpoints at the
// store's path.
func WithCheckpointStore(s *checkpoint.Store) Option {
	return func(e *Engine) { e.ckpt = s }
}

// WithArchive records terminal task outcomes to the given archive.
func WithArchive(a Archive) Option {
	return func(e *Engine) { e.archive = a }
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRestoredState starts the engine from a checkpoint-restored graph and
// metrics collector instead of empty ones.
func WithRestoredState(g *graph.Graph, c *metrics.Collector) Option {
	return func(e *Engine) {
		e.graph = g
		e.collector = c
	}
}

// WithMonitor replaces the default error monitor, e.g. to configure the
// window or ring capacity.
func WithMonitor(m *monitor.ErrorMonitor) Option {
	return func(e *Engine) { e.monitor = m }
}

// New creates an Engine with the given configuration.
func New(cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = def.MaxConcurrentTasks
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}

	e := &Engine{
		cfg:          cfg,
		graph:        graph.New(),
		registry:     executor.NewRegistry(),
		collector:    metrics.NewCollector(),
		monitor:      monitor.New(),
		logger:       NopLogger(),
		cancels:      make(map[string]func()),
		retryTimers:  make(map[string]*time.Timer),
		primaries:    make(map[string]executor.Executor),
		completionCh: make(chan outcome, cfg.MaxConcurrentTasks),
		trigger:      make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.recovery = recovery.NewManager(e.monitor)
	e.recovery.SetMaxAttempts(cfg.MaxAttempts)
	e.emitter = NewEventEmitter(cfg.EventBuffer)

	// Continue the submission sequence past any restored tasks.
	for _, t := range e.graph.List(models.TaskFilter{}) {
		if t.Seq > e.seq.Load() {
			e.seq.Store(t.Seq)
		}
	}
	return e
}

// SubmitTask registers a task with the graph and returns its ID. Fails
// synchronously with graph.ErrCycleDetected or graph.ErrUnknownPrerequisite.
func (e *Engine) SubmitTask(description string, priority int, prerequisiteIDs, requiredCapabilities []string, taskContext map[string]string) (string, error) {
	task := &models.Task{
		ID:                   uuid.New().String()[:8],
		Seq:                  e.seq.Add(1),
		Description:          description,
		Priority:             priority,
		PrerequisiteIDs:      prerequisiteIDs,
		RequiredCapabilities: requiredCapabilities,
		Context:              taskContext,
		Status:               models.TaskStatusPending,
		CreatedAt:            time.Now(),
	}
	if err := e.graph.Add(task); err != nil {
		return "", err
	}

	e.logger.Log("[engine] submitted task %s (priority=%d, prereqs=%v)", task.ID, priority, prerequisiteIDs)
	e.emitter.Emit(Event{Type: EventTaskSubmitted, TaskID: task.ID, Message: description})
	e.wake()
	return task.ID, nil
}

// GetTaskStatus returns the task record, or graph.ErrUnknownTask.
func (e *Engine) GetTaskStatus(id string) (*models.Task, error) {
	return e.graph.Get(id)
}

// ListTasks returns all tasks passing the filter in submission order.
func (e *Engine) ListTasks(filter models.TaskFilter) []*models.Task {
	return e.graph.List(filter)
}

// RegisterExecutor registers an executor under a capability tag, as a
// primary or as the next entry in the tag's fallback chain.
func (e *Engine) RegisterExecutor(tag string, exec executor.Executor, asFallback bool) {
	if asFallback {
		e.registry.RegisterFallback(tag, exec)
	} else {
		e.registry.Register(tag, exec)
	}
	e.logger.Log("[engine] registered executor %s for %q (fallback=%v)", exec.ID(), tag, asFallback)
}

// DeregisterExecutor removes an executor from a capability tag.
func (e *Engine) DeregisterExecutor(tag, executorID string) {
	e.registry.Deregister(tag, executorID)
}

// SetRetryPolicy replaces the retry policy used for re-attempt delays.
func (e *Engine) SetRetryPolicy(p retry.Policy) {
	e.recovery.SetPolicy(p)
}

// SetErrorThreshold sets the over-threshold count for a failure kind.
func (e *Engine) SetErrorThreshold(kind executor.FailureKind, n int) {
	e.monitor.SetThreshold(kind, n)
}

// HealthReport returns the engine's current health.
func (e *Engine) HealthReport() HealthReport {
	status := HealthHealthy
	if e.monitor.AnyOverThreshold() {
		status = HealthDegraded
	}
	return HealthReport{
		Status:          status,
		ErrorSummary:    e.monitor.Summary(),
		ActiveTaskCount: e.graph.ActiveCount(),
		DroppedEvents:   e.emitter.DroppedCount(),
	}
}

// Events returns the scheduler event stream.
func (e *Engine) Events() <-chan Event {
	return e.emitter.Events()
}

// Checkpoint writes a checkpoint immediately. No-op without a store.
func (e *Engine) Checkpoint() error {
	if e.ckpt == nil {
		return nil
	}
	doc, err := checkpoint.Capture(e.graph, e.collector)
	if err != nil {
		return err
	}
	if err := e.ckpt.Save(doc); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	e.emitter.Emit(Event{Type: EventCheckpointSaved, Message: e.ckpt.Path()})
	return nil
}

// Stop signals the scheduler loop to exit. Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// wake nudges the coordinator without blocking.
func (e *Engine) wake() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}
