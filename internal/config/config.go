// Package config handles loading and validating pipelinectl's orchestrator
// configuration. Zero config (DefaultConfig) is enough to run: every root
// and timing default below is a sane out-of-the-box value.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StageConfig holds the retry/timeout policy for one pipeline stage.
type StageConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Timeout    time.Duration `yaml:"timeout"`
	// Command is the executable invoked to run this stage. Empty means
	// the stage body must be supplied programmatically (e.g. in tests).
	Command []string `yaml:"command"`
	// OutputExt is the file extension validated to exist under the
	// stage's output root after a successful run (e.g. ".parquet").
	OutputExt string `yaml:"output_ext"`
}

// BackoffMultiplier is the exponential backoff factor applied between retry
// attempts: delay * multiplier^(attempt-1). Fixed at 2.0.
const BackoffMultiplier = 2.0

// Config is the top-level pipelinectl.yaml configuration.
type Config struct {
	// Root is the directory all relative paths below are resolved against.
	Root string `yaml:"root"`

	// EventLogsDir holds pipeline_{run_id}.jsonl and its archive/ subdir.
	EventLogsDir string `yaml:"event_logs_dir"`
	// LockDir holds pipeline.lock.
	LockDir string `yaml:"lock_dir"`
	// StateFile is the path to the serialized current RunContext.
	StateFile string `yaml:"state_file"`
	// RunsDir holds dated RunSummary JSONL files.
	RunsDir string `yaml:"runs_dir"`
	// SchedulerStateFile is the scheduler-control audit file.
	SchedulerStateFile string `yaml:"scheduler_state_file"`
	// ScheduleConfigFile holds advisory schedule metadata ({schedule_time:
	// "HH:MM"}); never consumed to drive timing, only to display a
	// next-run estimate.
	ScheduleConfigFile string `yaml:"schedule_config_file"`
	// OffsetsFile is the tailer's persisted per-file offsets.
	OffsetsFile string `yaml:"offsets_file"`

	// TranslatedRoot, AnalyzedRoot, MergedRoot are the stage output roots
	// validated by the Stage Runner after a successful attempt.
	TranslatedRoot string `yaml:"translated_root"`
	AnalyzedRoot   string `yaml:"analyzed_root"`
	MergedRoot     string `yaml:"merged_root"`

	Stages map[string]StageConfig `yaml:"stages"`

	LockMaxRuntime       time.Duration `yaml:"lock_max_runtime"`
	WatchdogInterval     time.Duration `yaml:"watchdog_interval"`
	HeartbeatTimeout     time.Duration `yaml:"heartbeat_timeout"`
	TailerInterval       time.Duration `yaml:"tailer_interval"`
	LiveEventWindow      time.Duration `yaml:"live_event_window"`
	RingBufferSize       int           `yaml:"ring_buffer_size"`
	MaxSubscribers       int           `yaml:"max_subscribers"`
	JSONLRotateSize      int64         `yaml:"jsonl_rotate_size"`
	JSONLSealSize        int64         `yaml:"jsonl_seal_size"`
	JSONLSealAge         time.Duration `yaml:"jsonl_seal_age"`
	ArchiveCutoff        time.Duration `yaml:"archive_cutoff"`
	ArchiveSweepInterval time.Duration `yaml:"archive_sweep_interval"`
	HealthWindow         int           `yaml:"health_window"`
	SchedulerTaskName    string        `yaml:"scheduler_task_name"`
	SchedulerPollCadence time.Duration `yaml:"scheduler_poll_cadence"`
	SnapshotCacheTTL     time.Duration `yaml:"snapshot_cache_ttl"`
}

// DefaultConfig returns the zero-config defaults for every directory
// root, retry policy, and background-task interval.
func DefaultConfig() *Config {
	return &Config{
		Root:               ".",
		EventLogsDir:       "automation/logs/events",
		LockDir:            "automation/logs",
		StateFile:          "automation/logs/orchestrator_state.json",
		RunsDir:            "automation/logs/runs",
		SchedulerStateFile: "automation/logs/scheduler_state.json",
		ScheduleConfigFile: "configs/schedule.json",
		OffsetsFile:        "automation/logs/events/jsonl_offsets.json",

		TranslatedRoot: "data/translated",
		AnalyzedRoot:   "data/analyzed",
		MergedRoot:     "data/analyzed",

		Stages: map[string]StageConfig{
			"translator": {MaxRetries: 2, RetryDelay: 10 * time.Second, Timeout: 3600 * time.Second, OutputExt: ".parquet"},
			"analyzer":   {MaxRetries: 1, RetryDelay: 30 * time.Second, Timeout: 21600 * time.Second},
			"merger":     {MaxRetries: 2, RetryDelay: 5 * time.Second, Timeout: 1800 * time.Second},
		},

		LockMaxRuntime:       3600 * time.Second,
		WatchdogInterval:     30 * time.Second,
		HeartbeatTimeout:     300 * time.Second,
		TailerInterval:       2 * time.Second,
		LiveEventWindow:      15 * time.Minute,
		RingBufferSize:       1000,
		MaxSubscribers:       100,
		JSONLRotateSize:      100 * 1024 * 1024,
		JSONLSealSize:        50 * 1024 * 1024,
		JSONLSealAge:         60 * time.Minute,
		ArchiveCutoff:        7 * 24 * time.Hour,
		ArchiveSweepInterval: 24 * time.Hour,
		HealthWindow:         5,
		SchedulerTaskName:    "Pipeline Runner",
		SchedulerPollCadence: 15 * time.Minute,
		SnapshotCacheTTL:     5 * time.Second,
	}
}

// Load parses a pipelinectl.yaml file layered on top of DefaultConfig, and
// validates it. If path is empty, returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ResolvePath finds the config file path.
// Priority: PIPELINECTL_CONFIG env var > ./pipelinectl.yaml > "" (no config).
func ResolvePath() string {
	if p := os.Getenv("PIPELINECTL_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("pipelinectl.yaml"); err == nil {
		return "pipelinectl.yaml"
	}
	return ""
}

// validate checks that stage configs are well-formed.
func (c *Config) validate() error {
	for name, sc := range c.Stages {
		if sc.MaxRetries < 0 {
			return fmt.Errorf("stage %q: max_retries must be >= 0", name)
		}
		if sc.Timeout <= 0 {
			return fmt.Errorf("stage %q: timeout must be > 0", name)
		}
	}
	if c.RingBufferSize <= 0 {
		return fmt.Errorf("ring_buffer_size must be > 0")
	}
	if c.MaxSubscribers <= 0 {
		return fmt.Errorf("max_subscribers must be > 0")
	}
	return nil
}

// StageConfigFor returns the configuration for the named stage, or the
// built-in default if not explicitly configured.
func (c *Config) StageConfigFor(stage string) StageConfig {
	if sc, ok := c.Stages[stage]; ok {
		return sc
	}
	return DefaultConfig().Stages[stage]
}
