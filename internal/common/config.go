// -----------------------------------------------------------------------
// Configuration - TOML config with defaults, env and CLI flag overrides
// -----------------------------------------------------------------------

package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Logging     LoggingConfig   `toml:"logging"`
	Cache       CacheConfig     `toml:"cache"`
	Metadata    MetadataConfig  `toml:"metadata"`
	Executor    ExecutorConfig  `toml:"executor"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// CacheConfig selects and configures the job cache backend.
type CacheConfig struct {
	Backend string            `toml:"backend"` // "memory" or "sqlite"
	SQLite  SQLiteCacheConfig `toml:"sqlite"`
}

type SQLiteCacheConfig struct {
	Path string `toml:"path"` // Database file path
}

// MetadataConfig selects and configures the metadata store backend.
type MetadataConfig struct {
	Backend string              `toml:"backend"` // "local"
	Local   LocalMetadataConfig `toml:"local"`
}

type LocalMetadataConfig struct {
	Path           string `toml:"path"`             // Badger database directory
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// ExecutorConfig selects and configures the batch executor backend.
type ExecutorConfig struct {
	Protocol string              `toml:"protocol"` // "local"
	Local    LocalExecutorConfig `toml:"local"`
}

type LocalExecutorConfig struct {
	WorkDir    string   `toml:"work_dir"`    // Root directory for batch workspaces
	LaunchCmd  string   `toml:"launch_cmd"`  // Runtime process command
	LaunchArgs []string `toml:"launch_args"` // Runtime process arguments
}

// SchedulerConfig drives the orchestration tick loop. Durations are
// strings in Go duration syntax (e.g. "2s", "30s").
type SchedulerConfig struct {
	TickInterval        string `toml:"tick_interval"`        // How often the scheduler scans the cache
	PollInterval        string `toml:"poll_interval"`        // Minimum gap between executor polls per job
	LeaseDuration       string `toml:"lease_duration"`       // Cache lease duration
	OperationTimeout    string `toml:"operation_timeout"`    // Per-operation deadline for external calls
	Workers             int    `toml:"workers"`              // Parallel worker limit per tick
	MaxRetries          int    `toml:"max_retries"`          // Transient error retry cap before FAILED
	PollRate            int    `toml:"poll_rate"`            // Executor polls per second across all jobs (0 = unlimited)
	MaintenanceSchedule string `toml:"maintenance_schedule"` // Cron schedule for sweep jobs
}

// NewDefaultConfig returns the configuration defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "localhost",
			Port: 8095,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
		Cache: CacheConfig{
			Backend: "memory",
			SQLite: SQLiteCacheConfig{
				Path: "./data/conductor-cache.db",
			},
		},
		Metadata: MetadataConfig{
			Backend: "local",
			Local: LocalMetadataConfig{
				Path: "./data/conductor-metadata",
			},
		},
		Executor: ExecutorConfig{
			Protocol: "local",
			Local: LocalExecutorConfig{
				WorkDir:   "./data/batches",
				LaunchCmd: "python",
			},
		},
		Scheduler: SchedulerConfig{
			TickInterval:        "1s",
			PollInterval:        "2s",
			LeaseDuration:       "30s",
			OperationTimeout:    "20s",
			Workers:             8,
			MaxRetries:          3,
			PollRate:            20,
			MaintenanceSchedule: "*/5 * * * *",
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env. Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("CONDUCTOR_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("CONDUCTOR_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("CONDUCTOR_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if level := os.Getenv("CONDUCTOR_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("CONDUCTOR_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	if backend := os.Getenv("CONDUCTOR_CACHE_BACKEND"); backend != "" {
		config.Cache.Backend = backend
	}
	if path := os.Getenv("CONDUCTOR_CACHE_SQLITE_PATH"); path != "" {
		config.Cache.SQLite.Path = path
	}
	if path := os.Getenv("CONDUCTOR_METADATA_PATH"); path != "" {
		config.Metadata.Local.Path = path
	}
	if protocol := os.Getenv("CONDUCTOR_EXECUTOR_PROTOCOL"); protocol != "" {
		config.Executor.Protocol = protocol
	}
	if workDir := os.Getenv("CONDUCTOR_EXECUTOR_WORK_DIR"); workDir != "" {
		config.Executor.Local.WorkDir = workDir
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks cross-field constraints. The lease duration must exceed
// the per-operation deadline, otherwise a worker can lose its lease while
// an external call it issued is still permitted to run.
func (c *Config) Validate() error {
	lease, err := c.Scheduler.LeaseDurationValue()
	if err != nil {
		return err
	}
	deadline, err := c.Scheduler.OperationTimeoutValue()
	if err != nil {
		return err
	}
	if lease <= deadline {
		return fmt.Errorf("scheduler lease_duration (%s) must exceed operation_timeout (%s)", lease, deadline)
	}
	if _, err := c.Scheduler.TickIntervalValue(); err != nil {
		return err
	}
	if _, err := c.Scheduler.PollIntervalValue(); err != nil {
		return err
	}
	return nil
}

func parseDuration(name, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid scheduler %s %q: %w", name, value, err)
	}
	return d, nil
}

// TickIntervalValue parses the tick interval
func (s *SchedulerConfig) TickIntervalValue() (time.Duration, error) {
	return parseDuration("tick_interval", s.TickInterval, time.Second)
}

// PollIntervalValue parses the executor poll interval
func (s *SchedulerConfig) PollIntervalValue() (time.Duration, error) {
	return parseDuration("poll_interval", s.PollInterval, 2*time.Second)
}

// LeaseDurationValue parses the cache lease duration
func (s *SchedulerConfig) LeaseDurationValue() (time.Duration, error) {
	return parseDuration("lease_duration", s.LeaseDuration, 30*time.Second)
}

// OperationTimeoutValue parses the per-operation deadline
func (s *SchedulerConfig) OperationTimeoutValue() (time.Duration, error) {
	return parseDuration("operation_timeout", s.OperationTimeout, 30*time.Second)
}
