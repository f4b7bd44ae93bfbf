//go:build windows

package fileutil

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"unsafe"
)

var (
	modkernel32      = syscall.NewLazyDLL("kernel32.dll")
	procLockFileEx   = modkernel32.NewProc("LockFileEx")
	procUnlockFileEx = modkernel32.NewProc("UnlockFileEx")
)

const (
	winLockfileExclusiveLock   = 0x00000002
	winLockfileFailImmediately = 0x00000001

	errLockViolation syscall.Errno = 33
)

func flock(f *os.File, exclusive, nonBlocking bool) error {
	var flags uintptr
	if exclusive {
		flags |= winLockfileExclusiveLock
	}
	if nonBlocking {
		flags |= winLockfileFailImmediately
	}
	var overlapped syscall.Overlapped
	ret, _, err := procLockFileEx.Call(f.Fd(), flags, 0, 1, 0, uintptr(unsafe.Pointer(&overlapped)))
	if ret == 0 {
		if errors.Is(err, errLockViolation) {
			return fmt.Errorf("%w: %s", ErrLocked, f.Name())
		}
		return fmt.Errorf("lock %s: %w", f.Name(), err)
	}
	return nil
}

func funlock(f *os.File) error {
	var overlapped syscall.Overlapped
	ret, _, err := procUnlockFileEx.Call(f.Fd(), 0, 1, 0, uintptr(unsafe.Pointer(&overlapped)))
	if ret == 0 {
		return fmt.Errorf("unlock %s: %w", f.Name(), err)
	}
	return nil
}
