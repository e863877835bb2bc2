// Package config loads autopilot settings from defaults, an optional YAML
// file, AUTOPILOT_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import "autopilot/internal/observability"

// Config is the complete set of run settings.
type Config struct {
	Parallel                int          `mapstructure:"parallel" yaml:"parallel"`
	TaskDelay               int          `mapstructure:"task_delay" yaml:"task_delay"` // milliseconds
	Timeout                 int          `mapstructure:"timeout" yaml:"timeout"`       // seconds
	MaxRetries              int          `mapstructure:"max_retries" yaml:"max_retries"`
	CircuitBreakerThreshold int          `mapstructure:"circuit_breaker_threshold" yaml:"circuit_breaker_threshold"`
	MaxIterations           int          `mapstructure:"max_iterations" yaml:"max_iterations"`
	ParallelFailureMode     string       `mapstructure:"parallel_failure_mode" yaml:"parallel_failure_mode"`
	DryRun                  bool         `mapstructure:"dry_run" yaml:"dry_run"`
	WorkDir                 string       `mapstructure:"work_dir" yaml:"work_dir"`
	Filter                  FilterConfig `mapstructure:"filter" yaml:"filter"`

	Store StoreConfig `mapstructure:"store" yaml:"store"`
	Queue QueueConfig `mapstructure:"queue" yaml:"queue"`
	Agent AgentConfig `mapstructure:"agent" yaml:"agent"`
	Ops   OpsConfig   `mapstructure:"ops" yaml:"ops"`

	observability.Config `mapstructure:",squash" yaml:",inline"`
}

// FilterConfig narrows which tasks a run picks up.
type FilterConfig struct {
	Feature    string   `mapstructure:"feature" yaml:"feature"`
	Parent     string   `mapstructure:"parent" yaml:"parent"`
	Priorities []string `mapstructure:"priorities" yaml:"priorities"`
}

// StoreConfig selects the task store backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"` // file, postgres
	Path    string `mapstructure:"path" yaml:"path"`
	DSN     string `mapstructure:"dsn" yaml:"dsn"`
	// EnsureSchema creates the Postgres table on startup.
	EnsureSchema bool `mapstructure:"ensure_schema" yaml:"ensure_schema"`
}

// QueueConfig configures the offline write queue.
type QueueConfig struct {
	Enabled   bool    `mapstructure:"enabled" yaml:"enabled"`
	MaxSize   int     `mapstructure:"max_size" yaml:"max_size"`
	Dir       string  `mapstructure:"dir" yaml:"dir"`
	Namespace string  `mapstructure:"namespace" yaml:"namespace"`
	ReplayRPS float64 `mapstructure:"replay_rps" yaml:"replay_rps"`
	// ReplayInterval is the background replay period in seconds.
	ReplayInterval int `mapstructure:"replay_interval" yaml:"replay_interval"`
}

// AgentConfig describes the external agent command.
type AgentConfig struct {
	Command    string            `mapstructure:"command" yaml:"command"`
	Args       []string          `mapstructure:"args" yaml:"args"`
	Env        map[string]string `mapstructure:"env" yaml:"env,omitempty"`
	WorkingDir string            `mapstructure:"working_dir" yaml:"working_dir"`
	KillGrace  int               `mapstructure:"kill_grace" yaml:"kill_grace"` // seconds
	TailBytes  int               `mapstructure:"tail_bytes" yaml:"tail_bytes"`
}

// OpsConfig configures the ops HTTP server. An empty address disables it.
type OpsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}
