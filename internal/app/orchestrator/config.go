package orchestrator

import (
	"fmt"
	"path/filepath"
	"time"

	"autopilot/internal/domain/task"
)

// FailureMode controls how a failed slot affects the rest of the run.
type FailureMode string

const (
	// FailureModeContinue keeps dispatching rounds after failures.
	FailureModeContinue FailureMode = "continue"
	// FailureModeAbortAll stops after the round in which any slot failed.
	FailureModeAbortAll FailureMode = "abort-all"
)

// ParseFailureMode validates a configured failure mode.
func ParseFailureMode(raw string) (FailureMode, error) {
	switch mode := FailureMode(raw); mode {
	case "", FailureModeContinue:
		return FailureModeContinue, nil
	case FailureModeAbortAll:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown parallel failure mode %q", raw)
	}
}

const (
	DefaultWorkers                 = 1
	DefaultTaskDelay               = 2 * time.Second
	DefaultTimeout                 = 900 * time.Second
	DefaultMaxRetries              = 3
	DefaultCircuitBreakerThreshold = 5
	// HealCooldown is the pause after a self-healing adjustment.
	HealCooldown      = 30 * time.Second
	defaultRecentSize = 256
)

// Config holds the run parameters. Workers, TaskDelay and Timeout are the
// starting values; self-healing may change them during the run.
type Config struct {
	Workers                 int
	TaskDelay               time.Duration
	Timeout                 time.Duration
	MaxRetries              int
	CircuitBreakerThreshold int
	// MaxIterations bounds the number of rounds; zero means unbounded.
	MaxIterations int
	FailureMode   FailureMode
	// DryRun peeks at the next task in every slot for a single round and
	// never claims or executes anything.
	DryRun bool
	Filter task.Filter

	// WorkDir is the root for per-run prompt and output files.
	WorkDir string
	// ResumeCommand is quoted back to the operator when the run goes fatal.
	ResumeCommand string
	// HealCooldown defaults to 30s when zero. Negative disables it.
	HealCooldown time.Duration
	// RecentOutcomes sizes the in-memory history of last outcomes per task.
	RecentOutcomes int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Workers:                 DefaultWorkers,
		TaskDelay:               DefaultTaskDelay,
		Timeout:                 DefaultTimeout,
		MaxRetries:              DefaultMaxRetries,
		CircuitBreakerThreshold: DefaultCircuitBreakerThreshold,
		FailureMode:             FailureModeContinue,
		WorkDir:                 filepath.Join(".autopilot", "runs"),
		ResumeCommand:           "autopilot run",
		HealCooldown:            HealCooldown,
		RecentOutcomes:          defaultRecentSize,
	}
}

// Validate rejects configurations the loop cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Workers < 1:
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	case c.TaskDelay < 0:
		return fmt.Errorf("task delay must not be negative, got %s", c.TaskDelay)
	case c.Timeout <= 0:
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	case c.MaxRetries < 1:
		return fmt.Errorf("max retries must be at least 1, got %d", c.MaxRetries)
	case c.CircuitBreakerThreshold < 1:
		return fmt.Errorf("circuit breaker threshold must be at least 1, got %d", c.CircuitBreakerThreshold)
	case c.MaxIterations < 0:
		return fmt.Errorf("max iterations must not be negative, got %d", c.MaxIterations)
	}
	if _, err := ParseFailureMode(string(c.FailureMode)); err != nil {
		return err
	}
	return nil
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.FailureMode == "" {
		c.FailureMode = defaults.FailureMode
	}
	if c.WorkDir == "" {
		c.WorkDir = defaults.WorkDir
	}
	if c.ResumeCommand == "" {
		c.ResumeCommand = defaults.ResumeCommand
	}
	// Zero means unset; a negative cooldown disables the pause.
	switch {
	case c.HealCooldown == 0:
		c.HealCooldown = defaults.HealCooldown
	case c.HealCooldown < 0:
		c.HealCooldown = 0
	}
	if c.RecentOutcomes <= 0 {
		c.RecentOutcomes = defaults.RecentOutcomes
	}
	return c
}
