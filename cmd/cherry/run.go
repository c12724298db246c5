package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cherryhq/cherry/internal/checkpoint"
	"github.com/cherryhq/cherry/internal/config"
	"github.com/cherryhq/cherry/internal/executor"
	"github.com/cherryhq/cherry/internal/monitor"
	"github.com/cherryhq/cherry/internal/orchestrator"
	"github.com/cherryhq/cherry/internal/plan"
	"github.com/cherryhq/cherry/internal/retry"
	"github.com/cherryhq/cherry/internal/state"
	"github.com/cherryhq/cherry/pkg/models"
)

var (
	runMaxConcurrent int
	runTaskTimeout   time.Duration
	runFailRate      float64
	runLatency       time.Duration
	runResume        bool
	runNoArchive     bool
	runDebugLog      string
)

var runCmd = &cobra.Command{
	Use:   "run <plan.yaml>",
	Short: "Execute a task plan",
	Long: `Load a YAML task plan and run it to completion with simulated
executors. Simulated executors advertise every capability the plan
requires; --fail-rate injects random transient failures to exercise
retry and fallback behavior.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().IntVar(&runMaxConcurrent, "max-concurrent", 0, "Override max concurrent tasks")
	runCmd.Flags().DurationVar(&runTaskTimeout, "task-timeout", 0, "Override per-task timeout")
	runCmd.Flags().Float64Var(&runFailRate, "fail-rate", 0, "Probability [0,1) that a simulated attempt fails")
	runCmd.Flags().DurationVar(&runLatency, "latency", 50*time.Millisecond, "Simulated per-task latency")
	runCmd.Flags().BoolVar(&runResume, "resume", false, "Resume from an existing checkpoint before loading the plan")
	runCmd.Flags().BoolVar(&runNoArchive, "no-archive", false, "Skip recording the run to the state database")
	runCmd.Flags().StringVar(&runDebugLog, "debug-log", "", "Write scheduler debug output to this file")
}

func runRun(cmd *cobra.Command, args []string) error {
	planPath := args[0]

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if runMaxConcurrent > 0 {
		cfg.Scheduler.MaxConcurrentTasks = runMaxConcurrent
	}
	if runTaskTimeout > 0 {
		cfg.Scheduler.TaskTimeout = runTaskTimeout
	}

	p, err := plan.Load(planPath)
	if err != nil {
		return err
	}

	logger, err := orchestrator.NewDebugLogger(runDebugLog)
	if err != nil {
		return fmt.Errorf("open debug log: %w", err)
	}
	defer logger.Close()

	store := checkpoint.NewStore(cfg.State.CheckpointPath)
	opts := []orchestrator.Option{
		orchestrator.WithCheckpointStore(store),
		orchestrator.WithLogger(logger),
		orchestrator.WithMonitor(monitor.New(
			monitor.WithWindow(cfg.Monitor.Window),
			monitor.WithCapacity(cfg.Monitor.Capacity),
		)),
	}

	if runResume {
		doc, err := store.Load()
		if err != nil {
			return fmt.Errorf("load checkpoint: %w", err)
		}
		g, c, err := checkpoint.Restore(doc)
		if err != nil {
			return fmt.Errorf("restore checkpoint: %w", err)
		}
		opts = append(opts, orchestrator.WithRestoredState(g, c))
		fmt.Printf("Resumed %d tasks from %s\n", len(doc.Tasks), cfg.State.CheckpointPath)
	}

	var db *state.DB
	runID := uuid.New().String()[:8]
	if !runNoArchive {
		db, err = state.Open(cfg.State.DBPath)
		if err != nil {
			return fmt.Errorf("open state db: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			return fmt.Errorf("migrate state db: %w", err)
		}
		if err := db.CreateRun(runID, planPath); err != nil {
			return fmt.Errorf("create run: %w", err)
		}
		opts = append(opts, orchestrator.WithArchive(state.NewRunArchive(db, runID)))
	}

	engine := orchestrator.New(orchestrator.Config{
		MaxConcurrentTasks: cfg.Scheduler.MaxConcurrentTasks,
		TaskTimeout:        cfg.Scheduler.TaskTimeout,
		PollInterval:       cfg.Scheduler.PollInterval,
		CheckpointInterval: cfg.Scheduler.CheckpointInterval,
		MaxAttempts:        cfg.Retry.MaxAttempts,
		EventBuffer:        cfg.Scheduler.EventBuffer,
	}, opts...)

	engine.SetRetryPolicy(retry.ExponentialBackoff{
		Initial: cfg.Retry.InitialDelay,
		Max:     cfg.Retry.MaxDelay,
		Factor:  cfg.Retry.Factor,
		Jitter:  cfg.Retry.Jitter,
	})
	for kind, n := range cfg.Monitor.Thresholds {
		engine.SetErrorThreshold(executor.FailureKind(kind), n)
	}

	registerSimulatedExecutors(engine, p)

	if _, err := p.Submit(engine); err != nil {
		return err
	}

	go printEvents(engine)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Run %s: %d tasks, %d workers\n", runID, len(p.Tasks), cfg.Scheduler.MaxConcurrentTasks)
	runErr := engine.Run(ctx)

	if db != nil {
		status := state.RunStatusCompleted
		if runErr != nil {
			status = state.RunStatusInterrupted
		}
		if err := db.FinishRun(runID, status); err != nil {
			fmt.Fprintf(os.Stderr, "finish run: %v\n", err)
		}
	}

	printSummary(engine)
	return runErr
}

// registerSimulatedExecutors registers one primary and one clean fallback
// executor covering every capability the plan names, so every plan task is
// routable without real agents.
func registerSimulatedExecutors(engine *orchestrator.Engine, p *plan.Plan) {
	capSet := make(map[string]bool)
	for _, t := range p.Tasks {
		for _, c := range t.Capabilities {
			capSet[c] = true
		}
	}
	caps := make([]string, 0, len(capSet))
	for c := range capSet {
		caps = append(caps, c)
	}
	if len(caps) == 0 {
		caps = []string{"general"}
	}

	primary := &simExecutor{id: "sim-primary", caps: caps, failRate: runFailRate, latency: runLatency}
	backup := &simExecutor{id: "sim-backup", caps: caps, latency: runLatency}
	for _, c := range caps {
		engine.RegisterExecutor(c, primary, false)
		engine.RegisterExecutor(c, backup, true)
	}
}

// simExecutor sleeps for its configured latency and succeeds, failing
// randomly at the configured rate to exercise recovery.
type simExecutor struct {
	id       string
	caps     []string
	failRate float64
	latency  time.Duration
}

func (s *simExecutor) ID() string             { return s.id }
func (s *simExecutor) Capabilities() []string { return s.caps }

func (s *simExecutor) Execute(ctx context.Context, task *models.Task) (string, error) {
	select {
	case <-time.After(s.latency):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if s.failRate > 0 && rand.Float64() < s.failRate {
		return "", executor.Executionf("simulated failure on %s", task.ID)
	}
	return fmt.Sprintf("simulated by %s", s.id), nil
}

func printEvents(engine *orchestrator.Engine) {
	for ev := range engine.Events() {
		switch ev.Type {
		case orchestrator.EventTaskCompleted:
			fmt.Printf("%s task %s (attempt %d, executor %s)\n",
				color.GreenString("done"), ev.TaskID, ev.Attempt, ev.ExecutorID)
		case orchestrator.EventTaskFailed:
			fmt.Printf("%s task %s: %v\n", color.RedString("fail"), ev.TaskID, ev.Err)
		case orchestrator.EventTaskRetry:
			fmt.Printf("%s task %s in %s (attempt %d)\n",
				color.YellowString("retry"), ev.TaskID, ev.Delay, ev.Attempt)
		case orchestrator.EventTaskFallback:
			fmt.Printf("%s task %s -> %s\n",
				color.YellowString("fallback"), ev.TaskID, ev.ExecutorID)
		case orchestrator.EventTaskCancelled:
			fmt.Printf("%s task %s\n", color.YellowString("cancelled"), ev.TaskID)
		}
	}
}

func printSummary(engine *orchestrator.Engine) {
	counts := make(map[models.TaskStatus]int)
	for _, t := range engine.ListTasks(models.TaskFilter{}) {
		counts[t.Status]++
	}

	fmt.Printf("\nSummary: %s %d  %s %d  %s %d  pending %d\n",
		color.GreenString("completed"), counts[models.TaskStatusCompleted],
		color.RedString("failed"), counts[models.TaskStatusFailed],
		color.YellowString("cancelled"), counts[models.TaskStatusCancelled],
		counts[models.TaskStatusPending])

	report := engine.HealthReport()
	if report.Status == orchestrator.HealthDegraded {
		fmt.Printf("Health: %s %v\n", color.RedString("degraded"), report.ErrorSummary)
	}
}
