package main

import (
	"errors"

	"autopilot/internal/app/orchestrator"
)

// Process exit codes reported by `autopilot run`.
const (
	exitOK      = 0
	exitError   = 1
	exitFatal   = 2
	exitAborted = 130
)

// ExitCodeError wraps an error with a specific process exit code. A nil Err
// exits silently with Code.
type ExitCodeError struct {
	Code int
	Err  error
}

func (e *ExitCodeError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitCodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// exitCodeFor maps a finished run to its process exit code.
func exitCodeFor(result *orchestrator.RunResult, err error) int {
	if err != nil {
		var fatal *orchestrator.FatalError
		if errors.As(err, &fatal) {
			return exitFatal
		}
		return exitError
	}
	if result == nil {
		return exitError
	}
	switch result.Reason {
	case orchestrator.TerminationFatal:
		return exitFatal
	case orchestrator.TerminationAborted:
		return exitAborted
	default:
		return exitOK
	}
}
