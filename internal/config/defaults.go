package config

import (
	"path/filepath"

	"autopilot/internal/observability"
)

// Default values for every key.
const (
	DefaultParallel                = 1
	DefaultTaskDelayMs             = 2000
	DefaultTimeoutSec              = 900
	DefaultMaxRetries              = 3
	DefaultCircuitBreakerThreshold = 5
	DefaultFailureMode             = "continue"
	DefaultStoreBackend            = "file"
	DefaultQueueMaxSize            = 1000
	DefaultReplayRPS               = 20
	DefaultReplayIntervalSec       = 15
	DefaultAgentCommand            = "claude"
	DefaultKillGraceSec            = 5
	DefaultTailBytes               = 8 * 1024
)

// DefaultFileName is looked up in the working directory when no config
// path is given.
const DefaultFileName = "autopilot.yaml"

var (
	DefaultStorePath = filepath.Join(".autopilot", "tasks.json")
	DefaultQueueDir  = filepath.Join(".autopilot", "queue")
	DefaultWorkDir   = filepath.Join(".autopilot", "runs")
)

// Defaults returns the configuration used when nothing else is set.
func Defaults() Config {
	return Config{
		Parallel:                DefaultParallel,
		TaskDelay:               DefaultTaskDelayMs,
		Timeout:                 DefaultTimeoutSec,
		MaxRetries:              DefaultMaxRetries,
		CircuitBreakerThreshold: DefaultCircuitBreakerThreshold,
		ParallelFailureMode:     DefaultFailureMode,
		WorkDir:                 DefaultWorkDir,
		Filter:                  FilterConfig{Priorities: []string{}},
		Store: StoreConfig{
			Backend: DefaultStoreBackend,
			Path:    DefaultStorePath,
		},
		Queue: QueueConfig{
			Enabled:        true,
			MaxSize:        DefaultQueueMaxSize,
			Dir:            DefaultQueueDir,
			Namespace:      "tasks",
			ReplayRPS:      DefaultReplayRPS,
			ReplayInterval: DefaultReplayIntervalSec,
		},
		Agent: AgentConfig{
			Command:   DefaultAgentCommand,
			Args:      []string{"-p", "{prompt}"},
			KillGrace: DefaultKillGraceSec,
			TailBytes: DefaultTailBytes,
		},
		Config: observability.DefaultConfig(),
	}
}

// defaultValues flattens Defaults into viper keys.
func defaultValues() map[string]any {
	d := Defaults()
	return map[string]any{
		"parallel":                  d.Parallel,
		"task_delay":                d.TaskDelay,
		"timeout":                   d.Timeout,
		"max_retries":               d.MaxRetries,
		"circuit_breaker_threshold": d.CircuitBreakerThreshold,
		"max_iterations":            d.MaxIterations,
		"parallel_failure_mode":     d.ParallelFailureMode,
		"dry_run":                   d.DryRun,
		"work_dir":                  d.WorkDir,
		"filter.feature":            d.Filter.Feature,
		"filter.parent":             d.Filter.Parent,
		"filter.priorities":         d.Filter.Priorities,
		"store.backend":             d.Store.Backend,
		"store.path":                d.Store.Path,
		"store.dsn":                 d.Store.DSN,
		"store.ensure_schema":       d.Store.EnsureSchema,
		"queue.enabled":             d.Queue.Enabled,
		"queue.max_size":            d.Queue.MaxSize,
		"queue.dir":                 d.Queue.Dir,
		"queue.namespace":           d.Queue.Namespace,
		"queue.replay_rps":          d.Queue.ReplayRPS,
		"queue.replay_interval":     d.Queue.ReplayInterval,
		"agent.command":             d.Agent.Command,
		"agent.args":                d.Agent.Args,
		"agent.working_dir":         d.Agent.WorkingDir,
		"agent.kill_grace":          d.Agent.KillGrace,
		"agent.tail_bytes":          d.Agent.TailBytes,
		"ops.addr":                  d.Ops.Addr,
		"logging.level":             d.Logging.Level,
		"logging.format":            d.Logging.Format,
		"tracing.enabled":           d.Tracing.Enabled,
		"tracing.exporter":          d.Tracing.Exporter,
		"tracing.otlp_endpoint":     d.Tracing.OTLPEndpoint,
		"tracing.zipkin_endpoint":   d.Tracing.ZipkinEndpoint,
		"tracing.sample_rate":       d.Tracing.SampleRate,
		"tracing.service_name":      d.Tracing.ServiceName,
		"tracing.service_version":   d.Tracing.ServiceVersion,
	}
}
