// Package config handles configuration loading for Cherry.
// It supports XDG config paths, project-level overrides, and environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for Cherry.
type Config struct {
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	State     StateConfig     `mapstructure:"state"`
}

// SchedulerConfig holds scheduler loop settings.
type SchedulerConfig struct {
	// MaxConcurrentTasks caps simultaneously running tasks.
	MaxConcurrentTasks int `mapstructure:"max_concurrent_tasks"`
	// TaskTimeout bounds a single executor invocation.
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	// PollInterval is the idle wait between schedule passes.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// CheckpointInterval is how often a checkpoint is written.
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
	// EventBuffer is the event channel capacity.
	EventBuffer int `mapstructure:"event_buffer"`
}

// RetryConfig holds retry and backoff settings.
type RetryConfig struct {
	// MaxAttempts bounds execution attempts per task.
	MaxAttempts int `mapstructure:"max_attempts"`
	// InitialDelay is the first backoff delay.
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration `mapstructure:"max_delay"`
	// Factor is the exponential growth multiplier.
	Factor float64 `mapstructure:"factor"`
	// Jitter randomizes delays to avoid thundering herds.
	Jitter bool `mapstructure:"jitter"`
}

// MonitorConfig holds error monitor settings.
type MonitorConfig struct {
	// Window is the sliding window for error counting.
	Window time.Duration `mapstructure:"window"`
	// Capacity is the error ring buffer size.
	Capacity int `mapstructure:"capacity"`
	// Thresholds maps failure kind to its over-threshold count.
	Thresholds map[string]int `mapstructure:"thresholds"`
}

// StateConfig holds persistence paths.
type StateConfig struct {
	// DBPath is the SQLite run archive location.
	DBPath string `mapstructure:"db_path"`
	// CheckpointPath is the checkpoint file location.
	CheckpointPath string `mapstructure:"checkpoint_path"`
	// DebugLog is the scheduler debug log location. Empty disables it.
	DebugLog string `mapstructure:"debug_log"`
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (CHERRY_*)
// 2. Project config (.cherry.yaml in current directory or parent)
// 3. User config (~/.config/cherry/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			// Merge project config (takes precedence)
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("CHERRY")
	v.AutomaticEnv()
	v.BindEnv("scheduler.max_concurrent_tasks", "CHERRY_MAX_CONCURRENT_TASKS")
	v.BindEnv("state.db_path", "CHERRY_DB_PATH")
	v.BindEnv("state.checkpoint_path", "CHERRY_CHECKPOINT_PATH")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.State.DBPath = expandEnv(cfg.State.DBPath)
	cfg.State.CheckpointPath = expandEnv(cfg.State.CheckpointPath)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.State.DBPath = expandEnv(cfg.State.DBPath)
	cfg.State.CheckpointPath = expandEnv(cfg.State.CheckpointPath)

	return cfg, nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it
// exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	// Scheduler defaults
	v.SetDefault("scheduler.max_concurrent_tasks", 4)
	v.SetDefault("scheduler.task_timeout", "5m")
	v.SetDefault("scheduler.poll_interval", "50ms")
	v.SetDefault("scheduler.checkpoint_interval", "30s")
	v.SetDefault("scheduler.event_buffer", 100)

	// Retry defaults
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.initial_delay", "1s")
	v.SetDefault("retry.max_delay", "30s")
	v.SetDefault("retry.factor", 2.0)
	v.SetDefault("retry.jitter", true)

	// Monitor defaults
	v.SetDefault("monitor.window", "15m")
	v.SetDefault("monitor.capacity", 256)
	v.SetDefault("monitor.thresholds", map[string]int{})

	// State defaults
	v.SetDefault("state.db_path", filepath.Join(".cherry", "state.db"))
	v.SetDefault("state.checkpoint_path", filepath.Join(".cherry", "checkpoint.json"))
	v.SetDefault("state.debug_log", "")
}

// getUserConfigDir returns the XDG config directory for Cherry.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "cherry")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "cherry")
	}
	return filepath.Join(home, ".config", "cherry")
}

// findProjectConfig searches for .cherry.yaml in the current directory and
// parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".cherry.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			MaxConcurrentTasks: 4,
			TaskTimeout:        5 * time.Minute,
			PollInterval:       50 * time.Millisecond,
			CheckpointInterval: 30 * time.Second,
			EventBuffer:        100,
		},
		Retry: RetryConfig{
			MaxAttempts:  5,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Factor:       2.0,
			Jitter:       true,
		},
		Monitor: MonitorConfig{
			Window:     15 * time.Minute,
			Capacity:   256,
			Thresholds: map[string]int{},
		},
		State: StateConfig{
			DBPath:         filepath.Join(".cherry", "state.db"),
			CheckpointPath: filepath.Join(".cherry", "checkpoint.json"),
		},
	}
}
