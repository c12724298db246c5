package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "cherry",
	Short: "Multi-agent task dispatch engine",
	Long: `Cherry executes dependency-ordered task plans across pluggable,
capability-tagged executors.

Tasks form a directed acyclic graph; the scheduler dispatches eligible
tasks to a bounded worker pool, retries transient failures with backoff,
falls back to alternate executors, and checkpoints progress so an
interrupted run can resume where it left off.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
