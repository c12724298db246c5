package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cherryhq/cherry/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Show the configuration Cherry would run with after merging built-in
defaults, the user config, any project .cherry.yaml, and environment
overrides.`,
	RunE: runConfig,
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if path := config.GetProjectConfigPath(); path != "" {
		fmt.Printf("# project config: %s\n", path)
	}
	if _, err := os.Stat(config.GetUserConfigPath()); err == nil {
		fmt.Printf("# user config: %s\n", config.GetUserConfigPath())
	}

	fmt.Println("scheduler:")
	fmt.Printf("  max_concurrent_tasks: %d\n", cfg.Scheduler.MaxConcurrentTasks)
	fmt.Printf("  task_timeout: %s\n", cfg.Scheduler.TaskTimeout)
	fmt.Printf("  poll_interval: %s\n", cfg.Scheduler.PollInterval)
	fmt.Printf("  checkpoint_interval: %s\n", cfg.Scheduler.CheckpointInterval)
	fmt.Printf("  event_buffer: %d\n", cfg.Scheduler.EventBuffer)
	fmt.Println("retry:")
	fmt.Printf("  max_attempts: %d\n", cfg.Retry.MaxAttempts)
	fmt.Printf("  initial_delay: %s\n", cfg.Retry.InitialDelay)
	fmt.Printf("  max_delay: %s\n", cfg.Retry.MaxDelay)
	fmt.Printf("  factor: %g\n", cfg.Retry.Factor)
	fmt.Printf("  jitter: %t\n", cfg.Retry.Jitter)
	fmt.Println("monitor:")
	fmt.Printf("  window: %s\n", cfg.Monitor.Window)
	fmt.Printf("  capacity: %d\n", cfg.Monitor.Capacity)
	if len(cfg.Monitor.Thresholds) > 0 {
		fmt.Println("  thresholds:")
		for kind, n := range cfg.Monitor.Thresholds {
			fmt.Printf("    %s: %d\n", kind, n)
		}
	}
	fmt.Println("state:")
	fmt.Printf("  db_path: %s\n", cfg.State.DBPath)
	fmt.Printf("  checkpoint_path: %s\n", cfg.State.CheckpointPath)
	if cfg.State.DebugLog != "" {
		fmt.Printf("  debug_log: %s\n", cfg.State.DebugLog)
	}
	return nil
}
