package config

import (
	"errors"
	"fmt"
	"strings"

	"autopilot/internal/app/orchestrator"
	"autopilot/internal/domain/task"
	"autopilot/internal/observability"
)

// Validate rejects settings a run cannot start with. All problems are
// reported together.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Parallel >= 1, "parallel must be at least 1, got %d", c.Parallel)
	check(c.TaskDelay >= 0, "task_delay must not be negative, got %d", c.TaskDelay)
	check(c.Timeout >= 1, "timeout must be at least 1 second, got %d", c.Timeout)
	check(c.MaxRetries >= 1, "max_retries must be at least 1, got %d", c.MaxRetries)
	check(c.CircuitBreakerThreshold >= 1, "circuit_breaker_threshold must be at least 1, got %d", c.CircuitBreakerThreshold)
	check(c.MaxIterations >= 0, "max_iterations must not be negative, got %d", c.MaxIterations)
	if _, err := orchestrator.ParseFailureMode(c.ParallelFailureMode); err != nil {
		errs = append(errs, err)
	}
	for _, p := range c.Filter.Priorities {
		if _, err := task.ParsePriority(p); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(c.Store.Backend) {
	case "file":
		check(strings.TrimSpace(c.Store.Path) != "", "store.path is required for the file backend")
	case "postgres":
		check(strings.TrimSpace(c.Store.DSN) != "", "store.dsn is required for the postgres backend")
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}

	if c.Queue.Enabled {
		check(c.Queue.MaxSize >= 1, "queue.max_size must be at least 1, got %d", c.Queue.MaxSize)
		check(strings.TrimSpace(c.Queue.Dir) != "", "queue.dir is required when the queue is enabled")
		check(c.Queue.ReplayRPS >= 0, "queue.replay_rps must not be negative")
	}
	check(strings.TrimSpace(c.Agent.Command) != "", "agent.command is required")

	if _, err := observability.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
