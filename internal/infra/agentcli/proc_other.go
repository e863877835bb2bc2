//go:build windows

package agentcli

import (
	"os"
	"os/exec"
)

func configureProcess(*exec.Cmd) {}

// terminate has no graceful variant without POSIX signals.
func terminate(cmd *exec.Cmd) {
	kill(cmd)
}

func kill(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

func signalExitCode(*os.ProcessState) int {
	return 1
}
