package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Scheduler.MaxConcurrentTasks != 4 {
		t.Errorf("max concurrent = %d, want 4", cfg.Scheduler.MaxConcurrentTasks)
	}
	if cfg.Scheduler.TaskTimeout != 5*time.Minute {
		t.Errorf("task timeout = %v, want 5m", cfg.Scheduler.TaskTimeout)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("max attempts = %d, want 5", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.Factor != 2.0 {
		t.Errorf("factor = %v, want 2.0", cfg.Retry.Factor)
	}
	if !cfg.Retry.Jitter {
		t.Error("jitter should default on")
	}
	if cfg.Monitor.Window != 15*time.Minute {
		t.Errorf("window = %v, want 15m", cfg.Monitor.Window)
	}
}

func TestLoadFromPath(t *testing.T) {
	path := writeConfigFile(t, `
scheduler:
  max_concurrent_tasks: 8
  task_timeout: 90s
retry:
  max_attempts: 3
  initial_delay: 500ms
  jitter: false
monitor:
  window: 5m
  thresholds:
    execution_timeout: 10
state:
  db_path: /tmp/cherry-test/state.db
`)

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Scheduler.MaxConcurrentTasks != 8 {
		t.Errorf("max concurrent = %d, want 8", cfg.Scheduler.MaxConcurrentTasks)
	}
	if cfg.Scheduler.TaskTimeout != 90*time.Second {
		t.Errorf("task timeout = %v, want 90s", cfg.Scheduler.TaskTimeout)
	}
	// Unset keys keep their defaults.
	if cfg.Scheduler.PollInterval != 50*time.Millisecond {
		t.Errorf("poll interval = %v, want default 50ms", cfg.Scheduler.PollInterval)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.InitialDelay != 500*time.Millisecond {
		t.Errorf("initial delay = %v, want 500ms", cfg.Retry.InitialDelay)
	}
	if cfg.Retry.Jitter {
		t.Error("jitter should be disabled")
	}
	if cfg.Monitor.Thresholds["execution_timeout"] != 10 {
		t.Errorf("timeout threshold = %d, want 10", cfg.Monitor.Thresholds["execution_timeout"])
	}
	if cfg.State.DBPath != "/tmp/cherry-test/state.db" {
		t.Errorf("db path = %q", cfg.State.DBPath)
	}
}

func TestLoadFromPath_MissingFile(t *testing.T) {
	_, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoadFromPath_ExpandsEnv(t *testing.T) {
	t.Setenv("CHERRY_TEST_DIR", "/var/data")
	path := writeConfigFile(t, `
state:
  db_path: ${CHERRY_TEST_DIR}/state.db
`)

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.State.DBPath != "/var/data/state.db" {
		t.Errorf("db path = %q, want /var/data/state.db", cfg.State.DBPath)
	}
}

func TestGetUserConfigPath_XDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	want := filepath.Join("/tmp/xdg", "cherry", "config.yaml")
	if got := GetUserConfigPath(); got != want {
		t.Errorf("GetUserConfigPath() = %q, want %q", got, want)
	}
}
