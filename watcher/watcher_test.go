package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/devdost/wsync/event"
	"github.com/devdost/wsync/filter"
	"github.com/devdost/wsync/internal/ledger"
	"github.com/devdost/wsync/registry"
	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const (
	testSettle   = 20 * time.Millisecond
	testDebounce = 200 * time.Millisecond
)

func newTestWatcher(t *testing.T, opts Options) (*Watcher, *registry.Registry) {
	t.Helper()
	reg, err := registry.New(t.TempDir(), nil)
	require.NoError(t, err)

	if opts.Settle == 0 {
		opts.Settle = testSettle
	}
	if opts.Debounce == 0 {
		opts.Debounce = testDebounce
	}
	w, err := New(reg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, reg
}

func writeProjectFile(t *testing.T, reg *registry.Registry, project, rel, content string) string {
	t.Helper()
	abs := filepath.Join(reg.Root(), project, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0644))
	return abs
}

func nextEvent(t *testing.T, w *Watcher, timeout time.Duration) event.Event {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev
	case <-time.After(timeout):
		t.Fatalf("no event within %v", timeout)
		return event.Event{}
	}
}

func expectNoEvent(t *testing.T, w *Watcher, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event: %v", ev)
	case <-time.After(wait):
	}
}

func TestWatcher_CoalescesDuplicateNotifications(t *testing.T) {
	w, reg := newTestWatcher(t, Options{})
	_, err := reg.Create("todo")
	require.NoError(t, err)
	abs := writeProjectFile(t, reg, "todo", "index.html", "<h1>Hi</h1>")

	w.handleEvent(fsnotify.Event{Name: abs, Op: fsnotify.Create})
	w.handleEvent(fsnotify.Event{Name: abs, Op: fsnotify.Write})

	ev := nextEvent(t, w, time.Second)
	assert.Equal(t, "todo", ev.Project)
	assert.True(t, ev.External())
	assert.Equal(t, event.Created{Path: "index.html", Content: "<h1>Hi</h1>", Size: 11}, ev.Change)

	// A late duplicate inside the window is folded into the trailing check,
	// which finds nothing new.
	w.handleEvent(fsnotify.Event{Name: abs, Op: fsnotify.Write})
	expectNoEvent(t, w, 2*testDebounce)
}

func TestWatcher_SecondWriteInsideWindowDeliveredAfterIt(t *testing.T) {
	w, reg := newTestWatcher(t, Options{})
	_, err := reg.Create("todo")
	require.NoError(t, err)
	abs := writeProjectFile(t, reg, "todo", "app.js", "let a = 1;")

	w.handleEvent(fsnotify.Event{Name: abs, Op: fsnotify.Write})
	first := nextEvent(t, w, time.Second)
	emitted := time.Now()
	assert.Equal(t, event.KindCreated, first.Change.Kind())

	writeProjectFile(t, reg, "todo", "app.js", "let a = 2;")
	w.handleEvent(fsnotify.Event{Name: abs, Op: fsnotify.Write})

	second := nextEvent(t, w, time.Second)
	assert.GreaterOrEqual(t, time.Since(emitted), testDebounce/2, "trailing check must not fire early")
	assert.Equal(t, event.Updated{Path: "app.js", Content: "let a = 2;", Size: 10}, second.Change)
}

func TestWatcher_DropsUntrackedPaths(t *testing.T) {
	w, reg := newTestWatcher(t, Options{})
	_, err := reg.Create("todo")
	require.NoError(t, err)

	paths := []string{
		writeProjectFile(t, reg, "todo", ".tmp-123456", "partial"),
		writeProjectFile(t, reg, "todo", "logo.png", "not really a png"),
		writeProjectFile(t, reg, "todo", "node_modules/react/index.js", "module.exports = {}"),
		filepath.Join(reg.Root(), "README.md"),
		filepath.Join(reg.Root(), "ghost", "a.txt"),
	}
	require.NoError(t, os.WriteFile(paths[3], []byte("root file"), 0644))

	for _, p := range paths {
		w.handleEvent(fsnotify.Event{Name: p, Op: fsnotify.Create})
		w.handleEvent(fsnotify.Event{Name: p, Op: fsnotify.Remove})
	}
	expectNoEvent(t, w, 3*testSettle)
}

func TestWatcher_SuppressesLedgerEchoes(t *testing.T) {
	l := ledger.New(time.Minute)
	w, reg := newTestWatcher(t, Options{Ledger: l})
	_, err := reg.Create("todo")
	require.NoError(t, err)

	abs := filepath.Join(reg.Root(), "todo", "index.html")
	l.RecordWrite(abs, ledger.Hash([]byte("<p>own</p>")))
	writeProjectFile(t, reg, "todo", "index.html", "<p>own</p>")
	w.handleEvent(fsnotify.Event{Name: abs, Op: fsnotify.Create})
	expectNoEvent(t, w, testDebounce+testSettle)

	l.RecordRemove(abs)
	require.NoError(t, os.Remove(abs))
	w.handleEvent(fsnotify.Event{Name: abs, Op: fsnotify.Remove})
	expectNoEvent(t, w, testDebounce+testSettle)

	assert.Equal(t, 0, l.Len())
}

func TestWatcher_OversizedFileIsExcluded(t *testing.T) {
	w, reg := newTestWatcher(t, Options{Filter: filter.New(filter.Options{MaxFileSize: 16})})
	_, err := reg.Create("todo")
	require.NoError(t, err)
	abs := writeProjectFile(t, reg, "todo", "data.json", strings.Repeat("x", 100))

	w.handleEvent(fsnotify.Event{Name: abs, Op: fsnotify.Create})

	ev := nextEvent(t, w, time.Second)
	assert.Equal(t, event.Created{Path: "data.json", Size: 100, Excluded: true}, ev.Change)
}

func TestWatcher_DropsUndecodableContent(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	w, reg := newTestWatcher(t, Options{Logger: zap.New(core)})
	_, err := reg.Create("todo")
	require.NoError(t, err)
	abs := writeProjectFile(t, reg, "todo", "notes.txt", "\xff\xfe\x00bad")

	w.handleEvent(fsnotify.Event{Name: abs, Op: fsnotify.Create})
	expectNoEvent(t, w, 5*testSettle)

	assert.Equal(t, 1, logs.FilterMessage("dropping undecodable file").Len())
}

func TestWatcher_ReportsDeletion(t *testing.T) {
	w, reg := newTestWatcher(t, Options{})
	_, err := reg.Create("todo")
	require.NoError(t, err)
	abs := writeProjectFile(t, reg, "todo", "src/a.js", "a")

	w.handleEvent(fsnotify.Event{Name: abs, Op: fsnotify.Create})
	nextEvent(t, w, time.Second)
	time.Sleep(testDebounce)

	require.NoError(t, os.Remove(abs))
	w.handleEvent(fsnotify.Event{Name: abs, Op: fsnotify.Remove})

	ev := nextEvent(t, w, time.Second)
	assert.Equal(t, event.Deleted{Path: "src/a.js"}, ev.Change)
}

func TestWatcher_CloseDiscardsPending(t *testing.T) {
	w, reg := newTestWatcher(t, Options{})
	_, err := reg.Create("todo")
	require.NoError(t, err)
	abs := writeProjectFile(t, reg, "todo", "index.html", "x")

	w.handleEvent(fsnotify.Event{Name: abs, Op: fsnotify.Write})
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	expectNoEvent(t, w, 3*testSettle)
}

func TestWatcher_ExternalOverwrite(t *testing.T) {
	w, reg := newTestWatcher(t, Options{})
	_, err := reg.Create("todo")
	require.NoError(t, err)
	abs := writeProjectFile(t, reg, "todo", "index.html", "<h1>Hi</h1>")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	require.NoError(t, os.WriteFile(abs, []byte("<h1>Bye</h1>"), 0644))

	ev := nextEvent(t, w, 3*time.Second)
	assert.Equal(t, "todo", ev.Project)
	assert.Equal(t, event.OriginExternal, ev.Origin)
	assert.Equal(t, event.Updated{Path: "index.html", Content: "<h1>Bye</h1>", Size: 12}, ev.Change)

	expectNoEvent(t, w, 2*testDebounce)
}

func TestWatcher_NewDirectoryIsScanned(t *testing.T) {
	w, reg := newTestWatcher(t, Options{})
	_, err := reg.Create("todo")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	writeProjectFile(t, reg, "todo", "src/components/App.jsx", "export default 1")

	var seen []event.Event
	require.Eventually(t, func() bool {
		select {
		case ev := <-w.Events():
			seen = append(seen, ev)
		default:
		}
		for _, ev := range seen {
			if c, ok := ev.Change.(event.Created); ok && c.Path == "src/components/App.jsx" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWatcher_RunForwardsToSink(t *testing.T) {
	w, reg := newTestWatcher(t, Options{})
	_, err := reg.Create("todo")
	require.NoError(t, err)
	abs := writeProjectFile(t, reg, "todo", "index.html", "x")

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan event.Event, 1)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(ev event.Event) { got <- ev })
	}()

	w.handleEvent(fsnotify.Event{Name: abs, Op: fsnotify.Create})
	select {
	case ev := <-got:
		assert.Equal(t, event.KindCreated, ev.Change.Kind())
	case <-time.After(time.Second):
		t.Fatal("sink was not called")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWatcher_StartFailsOnMissingRoot(t *testing.T) {
	w, reg := newTestWatcher(t, Options{})
	require.NoError(t, os.RemoveAll(reg.Root()))

	err := w.StartWithRetry(context.Background(), 2, func(int) time.Duration { return time.Millisecond })
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWatchInit))

	var initErr *InitError
	require.True(t, errors.As(err, &initErr))
	assert.Equal(t, reg.Root(), initErr.Root)
}

func TestRetryBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{4, 8 * time.Second},
		{6, 30 * time.Second},
		{50, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := RetryBackoff(tt.attempt); got != tt.want {
			t.Errorf("RetryBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestMergeOp(t *testing.T) {
	if mergeOp(opWrite, opCreate) != opCreate {
		t.Error("create should win over write")
	}
	if mergeOp(opRemove, opWrite) != opRemove {
		t.Error("remove should win over write")
	}
	if mergeOp(opCreate, opRemove) != opRemove {
		t.Error("remove should win over create")
	}
}

func TestWatcher_NotificationDuringExaminationGetsTrailingCheck(t *testing.T) {
	w, reg := newTestWatcher(t, Options{Settle: time.Hour})
	_, err := reg.Create("todo")
	require.NoError(t, err)
	abs := writeProjectFile(t, reg, "todo", "data.txt", "first")

	w.schedule(abs, opCreate)
	ex, ok := w.begin(abs)
	require.True(t, ok)
	w.inspect(abs, &ex)

	// The file is replaced while the first read is still being processed.
	writeProjectFile(t, reg, "todo", "data.txt", "final content")
	w.handleEvent(fsnotify.Event{Name: abs, Op: fsnotify.Create})
	w.finish(abs, &ex)

	first := nextEvent(t, w, time.Second)
	assert.Equal(t, event.Created{Path: "data.txt", Content: "first", Size: 5}, first.Change)

	second := nextEvent(t, w, time.Second)
	assert.Equal(t, event.Updated{Path: "data.txt", Content: "final content", Size: 13}, second.Change)
}

func TestWatcher_BeginSkipsPathUnderExamination(t *testing.T) {
	w, reg := newTestWatcher(t, Options{Settle: time.Hour})
	_, err := reg.Create("todo")
	require.NoError(t, err)
	abs := writeProjectFile(t, reg, "todo", "a.txt", "a")

	w.schedule(abs, opCreate)
	_, ok := w.begin(abs)
	require.True(t, ok)
	_, ok = w.begin(abs)
	assert.False(t, ok)
}

func TestWatcher_SupersededOwnWriteIsNotSwallowed(t *testing.T) {
	l := ledger.New(time.Minute)
	w, reg := newTestWatcher(t, Options{Ledger: l})
	_, err := reg.Create("todo")
	require.NoError(t, err)
	abs := filepath.Join(reg.Root(), "todo", "index.html")

	// Our write of Hi lands, then another tool replaces it before the echo
	// is examined.
	l.Land(l.RecordWrite(abs, ledger.Hash([]byte("<h1>Hi</h1>"))))
	writeProjectFile(t, reg, "todo", "index.html", "<h1>Bye</h1>")
	w.handleEvent(fsnotify.Event{Name: abs, Op: fsnotify.Create})

	ev := nextEvent(t, w, time.Second)
	assert.Equal(t, event.Updated{Path: "index.html", Content: "<h1>Bye</h1>", Size: 12}, ev.Change,
		"subscribers already know the file from our write")
	time.Sleep(testDebounce)

	// Reverting to our content is an external edit, not an echo.
	writeProjectFile(t, reg, "todo", "index.html", "<h1>Hi</h1>")
	w.handleEvent(fsnotify.Event{Name: abs, Op: fsnotify.Write})

	ev = nextEvent(t, w, time.Second)
	assert.Equal(t, event.Updated{Path: "index.html", Content: "<h1>Hi</h1>", Size: 11}, ev.Change)
	assert.Equal(t, 0, l.Len())
}

func TestWatcher_DeletionAfterOwnWriteIsReported(t *testing.T) {
	l := ledger.New(time.Minute)
	w, reg := newTestWatcher(t, Options{Ledger: l})
	_, err := reg.Create("todo")
	require.NoError(t, err)
	abs := filepath.Join(reg.Root(), "todo", "a.js")

	l.Land(l.RecordWrite(abs, ledger.Hash([]byte("a"))))
	w.handleEvent(fsnotify.Event{Name: abs, Op: fsnotify.Remove})

	ev := nextEvent(t, w, time.Second)
	assert.Equal(t, event.Deleted{Path: "a.js"}, ev.Change)
}
