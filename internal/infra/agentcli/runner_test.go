package agentcli

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"autopilot/internal/domain/agent"
	"autopilot/internal/shared/logging"
)

func shellRunner(t *testing.T, script string, opts ...func(*Config)) *Runner {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	cfg := Config{Command: "/bin/sh", Args: []string{"-c", script}, KillGrace: 200 * time.Millisecond}
	for _, opt := range opts {
		opt(&cfg)
	}
	r, err := New(cfg, WithLogger(logging.Nop()))
	require.NoError(t, err)
	return r
}

type recorder struct {
	mu   sync.Mutex
	seen []agent.Execution
}

func (r *recorder) RecordExecution(_ context.Context, exec agent.Execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, exec)
}

func TestRunCapturesOutputToFileAndTail(t *testing.T) {
	r := shellRunner(t, "echo hello {task_id}; echo oops >&2")
	output := filepath.Join(t.TempDir(), "out", "T1.log")

	exec, err := r.Run(context.Background(), agent.Invocation{TaskID: "T1", OutputFile: output, Timeout: 5 * time.Second})
	require.NoError(t, err)
	require.True(t, exec.Succeeded())
	require.Contains(t, exec.OutputTail, "hello T1")
	require.Contains(t, exec.OutputTail, "oops")

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello T1")
}

func TestRunWritesPromptToStdinWithoutPlaceholder(t *testing.T) {
	r := shellRunner(t, "cat")
	exec, err := r.Run(context.Background(), agent.Invocation{TaskID: "T1", Prompt: "implement the parser"})
	require.NoError(t, err)
	require.Equal(t, "implement the parser", exec.OutputTail)
}

func TestRunPassesPromptAsArgument(t *testing.T) {
	r := shellRunner(t, `printf '%s' "$1"`, func(c *Config) {
		c.Args = append(c.Args, "sh", PlaceholderPrompt)
	})
	inv := agent.Invocation{TaskID: "T1", Prompt: "fix the bug"}

	args, inArgs := r.Args(inv)
	require.True(t, inArgs)
	require.Equal(t, "fix the bug", args[len(args)-1])

	exec, err := r.Run(context.Background(), inv)
	require.NoError(t, err)
	require.Equal(t, "fix the bug", exec.OutputTail)
}

func TestArgsSubstitutesPlaceholders(t *testing.T) {
	r, err := New(Config{Command: "agent", Args: []string{"--file={prompt_file}", "--log", "{output_file}", "{task_id}"}})
	require.NoError(t, err)

	args, inArgs := r.Args(agent.Invocation{TaskID: "T9", PromptFile: "/tmp/p.md", OutputFile: "/tmp/o.log"})
	require.False(t, inArgs)
	require.Equal(t, []string{"--file=/tmp/p.md", "--log", "/tmp/o.log", "T9"}, args)
}

func TestRunReportsExitCode(t *testing.T) {
	r := shellRunner(t, "echo failing; exit 3")
	exec, err := r.Run(context.Background(), agent.Invocation{TaskID: "T1"})
	require.NoError(t, err)
	require.False(t, exec.Succeeded())
	require.Equal(t, 3, exec.ExitCode)
	require.False(t, exec.TimedOut)
}

func TestRunStopsOnTimeout(t *testing.T) {
	r := shellRunner(t, "sleep 5")
	start := time.Now()
	exec, err := r.Run(context.Background(), agent.Invocation{TaskID: "T1", Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	require.True(t, exec.TimedOut)
	require.Equal(t, TimeoutExitCode, exec.ExitCode)
	require.Less(t, time.Since(start), 4*time.Second)
}

func TestRunEscalatesToKill(t *testing.T) {
	r := shellRunner(t, "trap '' TERM; sleep 5")
	start := time.Now()
	exec, err := r.Run(context.Background(), agent.Invocation{TaskID: "T1", Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	require.True(t, exec.TimedOut)
	require.Less(t, time.Since(start), 4*time.Second)
}

func TestRunCancelledContext(t *testing.T) {
	r := shellRunner(t, "sleep 5")
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := r.Run(ctx, agent.Invocation{TaskID: "T1", Timeout: 10 * time.Second})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunExportsEnvironment(t *testing.T) {
	r := shellRunner(t, `echo "$AUTOPILOT_TASK_ID $AUTOPILOT_WORKER $FOO"`, func(c *Config) {
		c.Env = map[string]string{"FOO": "bar"}
	})
	exec, err := r.Run(context.Background(), agent.Invocation{TaskID: "T4", WorkerID: 2})
	require.NoError(t, err)
	require.Equal(t, "T4 2 bar", strings.TrimSpace(exec.OutputTail))
}

func TestRunReportsToRecorder(t *testing.T) {
	rec := &recorder{}
	r := shellRunner(t, "exit 0")
	r.recorder = rec
	_, err := r.Run(context.Background(), agent.Invocation{TaskID: "T1"})
	require.NoError(t, err)
	require.Len(t, rec.seen, 1)
}

func TestRunMissingBinary(t *testing.T) {
	r, err := New(Config{Command: filepath.Join(t.TempDir(), "missing-agent")}, WithLogger(logging.Nop()))
	require.NoError(t, err)
	_, err = r.Run(context.Background(), agent.Invocation{TaskID: "T1"})
	require.Error(t, err)
}

func TestNewRequiresCommand(t *testing.T) {
	_, err := New(Config{Command: "  "})
	require.Error(t, err)
}

func TestTailBufferKeepsLastBytes(t *testing.T) {
	tail := newTailBuffer(4)
	_, _ = tail.Write([]byte("ab"))
	_, _ = tail.Write([]byte("cde"))
	require.Equal(t, "bcde", tail.String())
	_, _ = tail.Write([]byte("0123456789"))
	require.Equal(t, "6789", tail.String())
}
