package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cherryhq/cherry/internal/config"
	"github.com/cherryhq/cherry/internal/state"
	"github.com/cherryhq/cherry/pkg/models"
)

var statusRunID string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent runs and their task outcomes",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusRunID, "run", "", "Show task outcomes for a specific run")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if _, err := os.Stat(cfg.State.DBPath); os.IsNotExist(err) {
		fmt.Println("No run history. Run 'cherry run <plan.yaml>' to start.")
		return nil
	}

	db, err := state.Open(cfg.State.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	if statusRunID != "" {
		return displayRun(db, statusRunID)
	}

	runs, err := db.ListRuns(5)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No run history. Run 'cherry run <plan.yaml>' to start.")
		return nil
	}

	fmt.Println("Recent runs:")
	for _, r := range runs {
		elapsed := formatDuration(time.Since(r.StartedAt))
		fmt.Printf("  %s: %s (%s ago", r.ID, colorRunStatus(r.Status), elapsed)
		if r.PlanPath != "" {
			fmt.Printf(", plan %s", r.PlanPath)
		}
		fmt.Println(")")
	}

	fmt.Println()
	return displayRun(db, runs[0].ID)
}

func displayRun(db *state.DB, runID string) error {
	records, err := db.TasksForRun(runID)
	if err != nil {
		return fmt.Errorf("tasks for run: %w", err)
	}
	if len(records) == 0 {
		fmt.Printf("Run %s: no recorded task outcomes\n", runID)
		return nil
	}

	fmt.Printf("Run %s tasks:\n", runID)
	for _, rec := range records {
		line := fmt.Sprintf("  %s %s: %q", colorTaskStatus(rec.Status), rec.TaskID, rec.Description)
		if rec.Attempts > 1 {
			line += fmt.Sprintf(" (%d attempts)", rec.Attempts)
		}
		if rec.ExecutorID != "" {
			line += fmt.Sprintf(" [%s]", rec.ExecutorID)
		}
		if rec.LastError != "" && rec.Status == string(models.TaskStatusFailed) {
			line += fmt.Sprintf(" — %s", rec.LastError)
		}
		fmt.Println(line)
	}
	return nil
}

func colorRunStatus(s state.RunStatus) string {
	switch s {
	case state.RunStatusCompleted:
		return color.GreenString(string(s))
	case state.RunStatusInterrupted:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func colorTaskStatus(s string) string {
	switch models.TaskStatus(s) {
	case models.TaskStatusCompleted:
		return color.GreenString("✓")
	case models.TaskStatusFailed:
		return color.RedString("✗")
	case models.TaskStatusCancelled:
		return color.YellowString("−")
	default:
		return "·"
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd", days)
}
