// Package agentcli runs the external coding agent as a subprocess.
package agentcli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"time"

	"autopilot/internal/domain/agent"
	"autopilot/internal/infra/filestore"
	"autopilot/internal/shared/logging"
)

// Argument placeholders substituted per invocation.
const (
	PlaceholderPrompt     = "{prompt}"
	PlaceholderPromptFile = "{prompt_file}"
	PlaceholderTaskID     = "{task_id}"
	PlaceholderOutputFile = "{output_file}"
)

// TimeoutExitCode is reported for an agent stopped by its timeout.
const TimeoutExitCode = 124

const defaultKillGrace = 5 * time.Second

// Config defines how to spawn the agent.
type Config struct {
	Command    string
	Args       []string
	Env        map[string]string
	WorkingDir string
	// KillGrace is the wait between SIGTERM and SIGKILL on timeout.
	KillGrace time.Duration
	// TailBytes bounds Execution.OutputTail.
	TailBytes int
}

// Recorder receives one observation per finished execution.
type Recorder interface {
	RecordExecution(ctx context.Context, exec agent.Execution)
}

// Runner implements agent.Runner on top of os/exec.
type Runner struct {
	cfg      Config
	logger   logging.Logger
	recorder Recorder
}

// Option customises a Runner.
type Option func(*Runner)

// WithLogger overrides the runner logger.
func WithLogger(logger logging.Logger) Option {
	return func(r *Runner) {
		if !logging.IsNil(logger) {
			r.logger = logger
		}
	}
}

// WithRecorder reports every execution to rec.
func WithRecorder(rec Recorder) Option {
	return func(r *Runner) {
		r.recorder = rec
	}
}

// New validates cfg and builds a Runner.
func New(cfg Config, opts ...Option) (*Runner, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("agent command is required")
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	if cfg.TailBytes <= 0 {
		cfg.TailBytes = defaultTailBytes
	}
	r := &Runner{cfg: cfg, logger: logging.NewComponentLogger("AgentRunner")}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Args returns the command line for inv and whether the prompt travels as
// an argument. When it does not, the prompt is written to stdin.
func (r *Runner) Args(inv agent.Invocation) ([]string, bool) {
	replacer := strings.NewReplacer(
		PlaceholderPrompt, inv.Prompt,
		PlaceholderPromptFile, inv.PromptFile,
		PlaceholderTaskID, inv.TaskID,
		PlaceholderOutputFile, inv.OutputFile,
	)
	inArgs := false
	args := make([]string, len(r.cfg.Args))
	for i, arg := range r.cfg.Args {
		if strings.Contains(arg, PlaceholderPrompt) {
			inArgs = true
		}
		args[i] = replacer.Replace(arg)
	}
	return args, inArgs
}

// Run starts the agent, waits for it and reports how it ended. The process
// is stopped when inv.Timeout elapses or ctx is cancelled; only the latter
// is returned as an error.
func (r *Runner) Run(ctx context.Context, inv agent.Invocation) (agent.Execution, error) {
	args, promptInArgs := r.Args(inv)
	cmd := exec.Command(r.cfg.Command, args...)
	cmd.Dir = r.cfg.WorkingDir
	cmd.Env = r.environ(inv)
	configureProcess(cmd)
	if !promptInArgs {
		cmd.Stdin = strings.NewReader(inv.Prompt)
	}

	tail := newTailBuffer(r.cfg.TailBytes)
	var out io.Writer = tail
	if inv.OutputFile != "" {
		if err := filestore.EnsureParentDir(inv.OutputFile); err != nil {
			return agent.Execution{}, fmt.Errorf("prepare output file: %w", err)
		}
		f, err := os.OpenFile(inv.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return agent.Execution{}, fmt.Errorf("open output file: %w", err)
		}
		defer f.Close()
		out = io.MultiWriter(f, tail)
	}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return agent.Execution{}, fmt.Errorf("start agent %s: %w", r.cfg.Command, err)
	}
	r.logger.Debug("Started agent pid=%d for task %s", cmd.Process.Pid, inv.TaskID)

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var timeout <-chan time.Time
	if inv.Timeout > 0 {
		timer := time.NewTimer(inv.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var (
		waitErr  error
		timedOut bool
		ctxErr   error
	)
	select {
	case waitErr = <-done:
	case <-timeout:
		timedOut = true
		r.logger.Warn("Agent for task %s exceeded %s, terminating", inv.TaskID, inv.Timeout)
		waitErr = r.stop(cmd, done)
	case <-ctx.Done():
		ctxErr = ctx.Err()
		r.logger.Warn("Agent for task %s interrupted: %v", inv.TaskID, ctxErr)
		waitErr = r.stop(cmd, done)
	}

	result := agent.Execution{
		TimedOut:   timedOut,
		Duration:   time.Since(start),
		OutputTail: tail.String(),
	}
	switch {
	case timedOut:
		result.ExitCode = TimeoutExitCode
	case waitErr == nil:
		result.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return result, fmt.Errorf("wait for agent: %w", waitErr)
		}
		result.ExitCode = exitErr.ExitCode()
		if result.ExitCode < 0 {
			result.ExitCode = signalExitCode(exitErr.ProcessState)
		}
	}

	if r.recorder != nil {
		r.recorder.RecordExecution(ctx, result)
	}
	if ctxErr != nil {
		return result, fmt.Errorf("agent for %s: %w", inv.TaskID, ctxErr)
	}
	return result, nil
}

// stop sends SIGTERM to the process group and escalates to SIGKILL after
// the grace period.
func (r *Runner) stop(cmd *exec.Cmd, done <-chan error) error {
	terminate(cmd)
	grace := time.NewTimer(r.cfg.KillGrace)
	defer grace.Stop()
	select {
	case err := <-done:
		return err
	case <-grace.C:
		kill(cmd)
		return <-done
	}
}

func (r *Runner) environ(inv agent.Invocation) []string {
	env := os.Environ()
	for _, k := range slices.Sorted(maps.Keys(r.cfg.Env)) {
		env = append(env, k+"="+r.cfg.Env[k])
	}
	return append(env,
		"AUTOPILOT_TASK_ID="+inv.TaskID,
		"AUTOPILOT_SESSION_ID="+inv.SessionID,
		"AUTOPILOT_ITERATION="+strconv.Itoa(inv.Iteration),
		"AUTOPILOT_WORKER="+strconv.Itoa(inv.WorkerID),
		"AUTOPILOT_PROMPT_FILE="+inv.PromptFile,
	)
}

var _ agent.Runner = (*Runner)(nil)
