//go:build !windows

package watcher

import (
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/require"
)

func TestWatcher_NamedPipeDoesNotBlock(t *testing.T) {
	w, reg := newTestWatcher(t, Options{})
	_, err := reg.Create("todo")
	require.NoError(t, err)
	pipe := filepath.Join(reg.Root(), "todo", "pipe.txt")
	require.NoError(t, syscall.Mkfifo(pipe, 0644))

	w.handleEvent(fsnotify.Event{Name: pipe, Op: fsnotify.Create})
	expectNoEvent(t, w, 5*testSettle)

	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		st := w.states[pipe]
		return st == nil || st.phase == phaseEmitted
	}, time.Second, 10*time.Millisecond, "pipe path stuck in examination")
}
