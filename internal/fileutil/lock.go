package fileutil

import (
	"errors"
	"fmt"
	"os"
)

// ErrLocked is returned by a non-blocking lock attempt when another holder
// has the file.
var ErrLocked = errors.New("file is locked")

// FileLock is an advisory lock held on a lock file.
type FileLock struct {
	f *os.File
}

// LockExclusive opens (creating if needed) the file at path and takes an
// exclusive lock on it. With nonBlocking set it fails immediately when another
// process holds the lock.
func LockExclusive(path string, nonBlocking bool) (*FileLock, error) {
	return lock(path, true, nonBlocking)
}

// LockShared takes a shared lock; several readers may hold it at once.
func LockShared(path string, nonBlocking bool) (*FileLock, error) {
	return lock(path, false, nonBlocking)
}

func lock(path string, exclusive, nonBlocking bool) (*FileLock, error) {
	if err := EnsureParentDir(path); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := flock(f, exclusive, nonBlocking); err != nil {
		f.Close()
		return nil, err
	}
	return &FileLock{f: f}, nil
}

// Unlock releases the lock and closes the lock file. Safe to call twice.
func (l *FileLock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := funlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
