package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cherryhq/cherry/pkg/models"
)

// ErrRunNotFound is returned when a run ID does not exist.
var ErrRunNotFound = errors.New("run not found")

// RunStatus represents the lifecycle state of an archived run.
type RunStatus string

const (
	// RunStatusActive indicates the run is still executing.
	RunStatusActive RunStatus = "active"
	// RunStatusCompleted indicates the run drained successfully.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusInterrupted indicates the run was stopped before draining.
	RunStatusInterrupted RunStatus = "interrupted"
)

// Run is one archived engine run.
type Run struct {
	// ID is the run identifier.
	ID string
	// PlanPath is the plan file the run was started from, if any.
	PlanPath string
	// StartedAt is when the run began.
	StartedAt time.Time
	// FinishedAt is when the run ended, nil while active.
	FinishedAt *time.Time
	// Status is active, completed, or interrupted.
	Status RunStatus
}

// TaskRecord is one archived terminal task outcome.
type TaskRecord struct {
	RunID       string
	TaskID      string
	Description string
	Status      string
	Priority    int
	Attempts    int
	ExecutorID  string
	Result      string
	LastError   string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// CreateRun records the start of a new run.
func (db *DB) CreateRun(id, planPath string) error {
	_, err := db.Exec(`
		INSERT INTO runs (id, plan_path, started_at, status)
		VALUES (?, ?, ?, ?)
	`, id, planPath, formatTime(time.Now()), string(RunStatusActive))
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// FinishRun marks a run as completed or interrupted.
func (db *DB) FinishRun(id string, status RunStatus) error {
	result, err := db.Exec(`
		UPDATE runs SET status = ?, finished_at = ? WHERE id = ?
	`, string(status), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// GetRun returns a single run by ID.
func (db *DB) GetRun(id string) (*Run, error) {
	row := db.QueryRow(`
		SELECT id, plan_path, started_at, finished_at, status
		FROM runs WHERE id = ?
	`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs in reverse start order, newest first.
func (db *DB) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, plan_path, started_at, finished_at, status
		FROM runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RecordTask upserts a terminal task outcome under a run. Tasks that are
// retried and later reach a different terminal state overwrite their
// earlier row.
func (db *DB) RecordTask(runID string, task *models.Task) error {
	var completedAt any
	if task.CompletedAt != nil {
		completedAt = formatTime(*task.CompletedAt)
	}

	_, err := db.Exec(`
		INSERT INTO task_history
			(run_id, task_id, description, status, priority, attempts,
			 executor_id, result, last_error, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, task_id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			executor_id = excluded.executor_id,
			result = excluded.result,
			last_error = excluded.last_error,
			completed_at = excluded.completed_at
	`, runID, task.ID, task.Description, string(task.Status), task.Priority,
		task.Attempt, task.ExecutorID, task.Result, task.LastError,
		formatTime(task.CreatedAt), completedAt)
	if err != nil {
		return fmt.Errorf("record task: %w", err)
	}
	return nil
}

// TasksForRun returns the archived task outcomes for a run in creation
// order.
func (db *DB) TasksForRun(runID string) ([]*TaskRecord, error) {
	rows, err := db.Query(`
		SELECT run_id, task_id, description, status, priority, attempts,
		       executor_id, result, last_error, created_at, completed_at
		FROM task_history WHERE run_id = ? ORDER BY created_at, task_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("tasks for run: %w", err)
	}
	defer rows.Close()

	var records []*TaskRecord
	for rows.Next() {
		var rec TaskRecord
		var executorID, result, lastError sql.NullString
		var createdAt string
		var completedAt sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.TaskID, &rec.Description,
			&rec.Status, &rec.Priority, &rec.Attempts, &executorID,
			&result, &lastError, &createdAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan task record: %w", err)
		}
		rec.ExecutorID = executorID.String
		rec.Result = result.String
		rec.LastError = lastError.String
		if t, err := parseTime(createdAt); err == nil {
			rec.CreatedAt = t
		}
		rec.CompletedAt = parseNullableTime(completedAt)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var run Run
	var planPath sql.NullString
	var startedAt string
	var finishedAt sql.NullString
	var status string
	if err := s.Scan(&run.ID, &planPath, &startedAt, &finishedAt, &status); err != nil {
		return nil, err
	}
	run.PlanPath = planPath.String
	if t, err := parseTime(startedAt); err == nil {
		run.StartedAt = t
	}
	run.FinishedAt = parseNullableTime(finishedAt)
	run.Status = RunStatus(status)
	return &run, nil
}

// RunArchive binds a DB to a single run ID so the engine can archive
// terminal task outcomes without knowing about runs.
type RunArchive struct {
	db    *DB
	runID string
}

// NewRunArchive creates an archive scoped to the given run.
func NewRunArchive(db *DB, runID string) *RunArchive {
	return &RunArchive{db: db, runID: runID}
}

// RecordTask archives one terminal task outcome.
func (a *RunArchive) RecordTask(task *models.Task) error {
	return a.db.RecordTask(a.runID, task)
}
