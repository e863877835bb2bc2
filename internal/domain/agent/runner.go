// Package agent defines the port for the external coding-agent process that
// performs the work for one task.
package agent

import (
	"context"
	"time"
)

// Invocation is one execution request for the external agent.
type Invocation struct {
	TaskID     string
	SessionID  string
	Iteration  int
	WorkerID   int
	Prompt     string
	PromptFile string
	// OutputFile receives the agent's combined stdout and stderr.
	OutputFile string
	Timeout    time.Duration
}

// Execution describes how the agent process ended.
type Execution struct {
	ExitCode int
	TimedOut bool
	Duration time.Duration
	// OutputTail holds the trailing bytes of the captured output.
	OutputTail string
}

// Succeeded reports a clean exit within the timeout.
func (e Execution) Succeeded() bool {
	return e.ExitCode == 0 && !e.TimedOut
}

// Runner executes an invocation and reports its exit status. An error means
// the process could not be started or supervised, not that the task failed.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Execution, error)
}
