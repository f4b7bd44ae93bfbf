// Package fileutil holds the durable filesystem primitives used by the
// workspace: atomic replacement of file contents, guarded remove/rename and
// advisory file locks.
package fileutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// TempPrefix starts the name of every temporary file created by AtomicWriter.
// The watcher relies on it to ignore the writer's own artifacts.
const TempPrefix = ".tmp-"

var (
	// ErrNotFound is returned when the source of a remove or rename is absent.
	ErrNotFound = errors.New("not found")

	// ErrIOFailure matches every *IOError.
	ErrIOFailure = errors.New("i/o failure")
)

// IOError describes a failed disk operation.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Is reports ErrIOFailure as a match so callers can test the category
// without caring about the underlying syscall error.
func (e *IOError) Is(target error) bool {
	return target == ErrIOFailure
}

// IsTempName reports whether name (a base name or a path) follows the
// AtomicWriter temporary file convention.
func IsTempName(name string) bool {
	return strings.HasPrefix(filepath.Base(name), TempPrefix)
}

// EnsureParentDir creates parent directories for the given path if they do not exist.
func EnsureParentDir(filePath string) error {
	return os.MkdirAll(filepath.Dir(filePath), 0755)
}

// AtomicWriter replaces file contents through a sibling temporary file and a
// rename, so readers see either the old content or the new one.
type AtomicWriter struct {
	FileMode os.FileMode
	DirMode  os.FileMode
}

// NewAtomicWriter returns a writer producing 0644 files and 0755 directories.
func NewAtomicWriter() *AtomicWriter {
	return &AtomicWriter{FileMode: 0644, DirMode: 0755}
}

// Write persists data at path.
func (w *AtomicWriter) Write(path string, data []byte) error {
	return w.WriteFrom(path, bytes.NewReader(data))
}

// WriteFrom streams r into path. If r fails part way, the destination keeps
// its previous content (or stays absent) and the temporary file is removed.
func (w *AtomicWriter) WriteFrom(path string, r io.Reader) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, w.dirMode()); err != nil {
		return &IOError{Op: "mkdir", Path: dir, Err: err}
	}

	tmp, err := os.CreateTemp(dir, TempPrefix+"*")
	if err != nil {
		return &IOError{Op: "create temp", Path: dir, Err: err}
	}
	tmpPath := tmp.Name()
	tmpOpen := true

	defer func() {
		if err == nil {
			return
		}
		if tmpOpen {
			_ = tmp.Close()
		}
		_ = os.Remove(tmpPath)
	}()

	if _, err = io.Copy(tmp, r); err != nil {
		return &IOError{Op: "write", Path: path, Err: err}
	}
	if err = tmp.Sync(); err != nil {
		return &IOError{Op: "sync", Path: path, Err: err}
	}
	tmpOpen = false
	if err = tmp.Close(); err != nil {
		return &IOError{Op: "close", Path: path, Err: err}
	}
	if err = os.Chmod(tmpPath, w.fileMode()); err != nil {
		return &IOError{Op: "chmod", Path: path, Err: err}
	}
	if err = replaceFile(tmpPath, path); err != nil {
		return &IOError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

// Remove deletes a file or, recursively, a directory.
func (w *AtomicWriter) Remove(path string) error {
	if _, err := os.Lstat(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return &IOError{Op: "stat", Path: path, Err: err}
	}
	if err := os.RemoveAll(path); err != nil {
		return &IOError{Op: "remove", Path: path, Err: err}
	}
	return nil
}

// Rename moves oldPath to newPath, creating the destination's parents.
func (w *AtomicWriter) Rename(oldPath, newPath string) error {
	if _, err := os.Lstat(oldPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, oldPath)
		}
		return &IOError{Op: "stat", Path: oldPath, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(newPath), w.dirMode()); err != nil {
		return &IOError{Op: "mkdir", Path: filepath.Dir(newPath), Err: err}
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return &IOError{Op: "rename", Path: oldPath, Err: err}
	}
	return nil
}

func (w *AtomicWriter) fileMode() os.FileMode {
	if w.FileMode == 0 {
		return 0644
	}
	return w.FileMode
}

func (w *AtomicWriter) dirMode() os.FileMode {
	if w.DirMode == 0 {
		return 0755
	}
	return w.DirMode
}

// replaceFile renames tempPath to targetPath. Windows refuses to rename over
// an open or read-only target; there it retries once after removing it, and a
// crash between the two steps leaves the target absent rather than torn.
func replaceFile(tempPath, targetPath string) error {
	err := os.Rename(tempPath, targetPath)
	if err == nil || runtime.GOOS != "windows" {
		return err
	}
	if info, statErr := os.Lstat(targetPath); statErr == nil && info.IsDir() {
		return err
	}
	if rmErr := os.Remove(targetPath); rmErr != nil && !os.IsNotExist(rmErr) {
		return err
	}
	return os.Rename(tempPath, targetPath)
}
