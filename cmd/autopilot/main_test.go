package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"autopilot/internal/app/healing"
	"autopilot/internal/app/orchestrator"
)

func TestExitCodeFor(t *testing.T) {
	fatal := &orchestrator.FatalError{ConsecutiveFailures: 5, HealingAttempts: 3}
	tests := []struct {
		name   string
		result *orchestrator.RunResult
		err    error
		want   int
	}{
		{"drained", &orchestrator.RunResult{Reason: orchestrator.TerminationDrained}, nil, exitOK},
		{"dry run", &orchestrator.RunResult{Reason: orchestrator.TerminationDryRun}, nil, exitOK},
		{"iteration limit", &orchestrator.RunResult{Reason: orchestrator.TerminationIterationLimit}, nil, exitOK},
		{"aborted", &orchestrator.RunResult{Reason: orchestrator.TerminationAborted}, nil, exitAborted},
		{"fatal", &orchestrator.RunResult{Reason: orchestrator.TerminationFatal}, fatal, exitFatal},
		{"wrapped fatal", nil, fmt.Errorf("run: %w", fatal), exitFatal},
		{"error", nil, errors.New("store exploded"), exitError},
		{"no result", nil, nil, exitError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, exitCodeFor(tt.result, tt.err))
		})
	}
}

func TestRunExitSilencesPrintedFatal(t *testing.T) {
	fatal := &orchestrator.FatalError{}
	err := runExit(&orchestrator.RunResult{Reason: orchestrator.TerminationFatal}, fatal)
	var exitErr *ExitCodeError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, exitFatal, exitErr.Code)
	require.Empty(t, exitErr.Error())

	require.NoError(t, runExit(&orchestrator.RunResult{Reason: orchestrator.TerminationDrained}, nil))
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	result := &orchestrator.RunResult{
		SessionID: "run-1",
		Reason:    orchestrator.TerminationFatal,
		Stats:     orchestrator.RunStats{Completed: 2, Failed: 5, Workers: 1, TasksPerWorker: []int{7}},
	}
	fatal := &orchestrator.FatalError{
		ConsecutiveFailures: 5,
		HealingAttempts:     3,
		Recent:              []healing.TrackedFailure{{Category: healing.CategoryTimeout, ErrorText: "agent timed out after 15m0s\nmore"}},
		Hints:               []string{"resume with: autopilot run"},
	}
	printSummary(&buf, result, fatal, nil)

	out := buf.String()
	require.Contains(t, out, "Run run-1: fatal")
	require.Contains(t, out, "completed   2")
	require.Contains(t, out, "Circuit breaker open: 5 consecutive failures, 3 self-healing attempts")
	require.Contains(t, out, "timeout agent timed out after 15m0s\n")
	require.Contains(t, out, "- resume with: autopilot run")
	require.NotContains(t, out, "\x1b[")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&errOut)
	err := root.Execute()
	return out.String(), err
}

func TestTaskAddListAndQueue(t *testing.T) {
	dir := t.TempDir()
	store := []string{"--store-path", filepath.Join(dir, "tasks.json"), "--queue-dir", filepath.Join(dir, "queue")}

	out, err := execute(t, append([]string{"task", "add", "write", "docs", "--priority", "high"}, store...)...)
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.NotEmpty(t, id)

	out, err = execute(t, append([]string{"task", "list"}, store...)...)
	require.NoError(t, err)
	require.Contains(t, out, id)
	require.Contains(t, out, "write docs")

	out, err = execute(t, append([]string{"task", "quarantine", id}, store...)...)
	require.NoError(t, err)
	require.Contains(t, out, "quarantined")

	out, err = execute(t, append([]string{"queue", "list"}, store...)...)
	require.NoError(t, err)
	require.Contains(t, out, "queue is empty")

	_, err = execute(t, append([]string{"queue", "remove", "0"}, store...)...)
	require.Error(t, err)
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autopilot.yaml")
	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	require.Contains(t, out, "wrote")

	_, err = execute(t, "config", "init", path)
	require.Error(t, err)

	out, err = execute(t, "config", "show", "--config", path)
	require.NoError(t, err)
	require.Contains(t, out, "parallel: 1")
	require.Contains(t, out, "circuit_breaker_threshold: 5")
}

func TestRunDrainsBacklog(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	dir := t.TempDir()
	storePath := filepath.Join(dir, "tasks.json")
	configPath := filepath.Join(dir, "autopilot.yaml")
	content := fmt.Sprintf(`
parallel: 2
task_delay: 0
work_dir: %q
store:
  path: %q
queue:
  dir: %q
agent:
  command: /bin/sh
  args: ["-c", "echo done {task_id}"]
`, filepath.Join(dir, "runs"), storePath, filepath.Join(dir, "queue"))
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	for _, title := range []string{"one", "two", "three"} {
		_, err := execute(t, "task", "add", title, "--config", configPath)
		require.NoError(t, err)
	}

	out, err := execute(t, "run", "--config", configPath)
	require.NoError(t, err)
	require.Contains(t, out, ": drained")
	require.Contains(t, out, "completed   3")

	out, err = execute(t, "task", "list", "--status", "completed", "--config", configPath)
	require.NoError(t, err)
	require.Equal(t, 3, strings.Count(out, "completed"))
}
