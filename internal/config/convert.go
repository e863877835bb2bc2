package config

import (
	"time"

	"autopilot/internal/app/orchestrator"
	"autopilot/internal/domain/task"
	"autopilot/internal/infra/agentcli"
	"autopilot/internal/infra/offline"
)

// TaskFilter returns the configured selection filter.
func (c Config) TaskFilter() task.Filter {
	filter := task.Filter{Feature: c.Filter.Feature, ParentID: c.Filter.Parent}
	for _, raw := range c.Filter.Priorities {
		if p, err := task.ParsePriority(raw); err == nil {
			filter.Priorities = append(filter.Priorities, p)
		}
	}
	return filter
}

// Orchestrator converts the run settings.
func (c Config) Orchestrator() orchestrator.Config {
	cfg := orchestrator.DefaultConfig()
	cfg.Workers = c.Parallel
	cfg.TaskDelay = time.Duration(c.TaskDelay) * time.Millisecond
	cfg.Timeout = time.Duration(c.Timeout) * time.Second
	cfg.MaxRetries = c.MaxRetries
	cfg.CircuitBreakerThreshold = c.CircuitBreakerThreshold
	cfg.MaxIterations = c.MaxIterations
	cfg.FailureMode, _ = orchestrator.ParseFailureMode(c.ParallelFailureMode)
	cfg.DryRun = c.DryRun
	cfg.Filter = c.TaskFilter()
	if c.WorkDir != "" {
		cfg.WorkDir = c.WorkDir
	}
	return cfg
}

// AgentRunner converts the agent settings.
func (c Config) AgentRunner() agentcli.Config {
	return agentcli.Config{
		Command:    c.Agent.Command,
		Args:       c.Agent.Args,
		Env:        c.Agent.Env,
		WorkingDir: c.Agent.WorkingDir,
		KillGrace:  time.Duration(c.Agent.KillGrace) * time.Second,
		TailBytes:  c.Agent.TailBytes,
	}
}

// OfflineQueue converts the queue settings.
func (c Config) OfflineQueue() offline.Config {
	return offline.Config{
		Namespace: c.Queue.Namespace,
		Dir:       c.Queue.Dir,
		MaxSize:   c.Queue.MaxSize,
		Persist:   true,
	}
}

// ReplayInterval returns the background replay period.
func (c Config) ReplayInterval() time.Duration {
	return time.Duration(c.Queue.ReplayInterval) * time.Second
}
