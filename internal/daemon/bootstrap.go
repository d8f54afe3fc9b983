package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// DetachArgs returns the arguments a detached child runs with: the parent's
// arguments minus the detach flag.
func DetachArgs(args []string, flag string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a == flag || a == flag+"=true" {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Detach re-executes the current binary with args in a new session,
// detached from the terminal. It returns the child pid.
func Detach(args []string) (int, error) {
	executable, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to get executable path: %w", err)
	}
	return DetachWithPath(executable, args)
}

// DetachWithPath is Detach with an explicit binary path.
func DetachWithPath(binaryPath string, args []string) (int, error) {
	cmd := exec.Command(binaryPath, args...)

	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // New session, no controlling terminal
	}

	// No stdin/stdout/stderr - the child logs to its log file
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start %s: %w", binaryPath, err)
	}
	pid := cmd.Process.Pid
	// The child outlives us; release it so it is not reaped here.
	_ = cmd.Process.Release()
	return pid, nil
}
