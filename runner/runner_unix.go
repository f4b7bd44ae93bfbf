//go:build !windows

package runner

import (
	"os"
	"syscall"
)

// IsProcessRunning checks if a process with the given PID is running.
// Uses signal 0, which fails if the process doesn't exist.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// sysProcAttr puts the child in its own process group so that signals
// reach the servers it spawns as well.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func terminate(p *os.Process) error {
	return syscall.Kill(-p.Pid, syscall.SIGTERM)
}

func kill(p *os.Process) error {
	return syscall.Kill(-p.Pid, syscall.SIGKILL)
}
