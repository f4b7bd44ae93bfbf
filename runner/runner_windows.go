//go:build windows

package runner

import (
	"os"
	"syscall"
)

var (
	kernel32                = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess         = kernel32.NewProc("OpenProcess")
	procCloseHandle         = kernel32.NewProc("CloseHandle")
	processQueryLimitedInfo = uint32(0x1000)
)

// IsProcessRunning checks if a process with the given PID is running.
// Uses OpenProcess with PROCESS_QUERY_LIMITED_INFORMATION.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	handle, _, _ := procOpenProcess.Call(
		uintptr(processQueryLimitedInfo),
		uintptr(0),
		uintptr(pid),
	)
	if handle == 0 {
		return false
	}
	procCloseHandle.Call(handle)
	return true
}

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

// Windows has no polite termination signal for console processes started
// this way; both steps kill.
func terminate(p *os.Process) error {
	return p.Kill()
}

func kill(p *os.Process) error {
	return p.Kill()
}
