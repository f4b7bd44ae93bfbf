// Package watcher turns raw filesystem notifications under the sync root
// into change events.
//
// Every path moves through a small state machine: a first notification
// makes it pending for the settle delay, after which the file is examined and
// at most one event is emitted. Notifications arriving during the debounce
// window that follows are folded into a single trailing examination. Writes
// and removals recorded in the ledger by the workspace are claimed instead of
// reported.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/devdost/wsync/event"
	"github.com/devdost/wsync/filter"
	"github.com/devdost/wsync/internal/fileutil"
	"github.com/devdost/wsync/internal/ledger"
	"github.com/devdost/wsync/sandbox"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	DefaultDebounce = 500 * time.Millisecond
	DefaultSettle   = 100 * time.Millisecond
	DefaultBuffer   = 256

	maxRetryBackoff = 30 * time.Second
)

var ErrWatchInit = errors.New("watcher initialization failed")

// InitError reports that the sync root could not be placed under watch.
type InitError struct {
	Root string
	Err  error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("failed to watch %s: %v", e.Root, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

func (e *InitError) Is(target error) bool {
	return target == ErrWatchInit
}

// Projects is the view of the project registry the watcher needs.
type Projects interface {
	Root() string
	Locate(absPath string) (project, rel string, ok bool)
	Exists(name string) bool
}

type Options struct {
	// Debounce is the window after an emission during which further raw
	// notifications for the same path are folded into one trailing check.
	Debounce time.Duration
	// Settle is how long a path stays pending before it is examined.
	Settle time.Duration
	// Buffer is the capacity of the events channel.
	Buffer int

	Filter *filter.Filter
	Ledger *ledger.Ledger
	Logger *zap.Logger
}

type rawOp int

const (
	opWrite rawOp = iota
	opCreate
	opRemove
)

func (o rawOp) String() string {
	switch o {
	case opWrite:
		return "WRITE"
	case opCreate:
		return "CREATE"
	case opRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// mergeOp folds a new raw operation into a pending one: remove wins over
// everything, create wins over write.
func mergeOp(pending, next rawOp) rawOp {
	if next > pending {
		return next
	}
	return pending
}

type phase int

const (
	phasePending phase = iota
	phaseExamining
	phaseEmitted
)

// pathState is the state machine of one path. dirty is raised by
// notifications that arrive while the path is being examined; they are owed
// a trailing check.
type pathState struct {
	phase     phase
	op        rawOp
	timer     *time.Timer
	emittedAt time.Time
	trailing  bool
	dirty     bool
}

// examination carries one pass of fire from begin to finish.
type examination struct {
	st      *pathState
	op      rawOp
	prev    mark
	known   bool
	project string
	change  event.Change
	result  outcome
	hash    uint64
}

// mark is what the watcher last observed for a path. hashed is false for
// files found by the initial walk, which are known but never read.
type mark struct {
	hash   uint64
	hashed bool
	dir    bool
}

type outcome int

const (
	// keep leaves the known state of the path untouched.
	keep outcome = iota
	present
	absent
)

type Watcher struct {
	projects Projects
	root     string
	watcher  *fsnotify.Watcher
	filter   *filter.Filter
	ledger   *ledger.Ledger
	logger   *zap.Logger
	debounce time.Duration
	settle   time.Duration
	events   chan event.Event
	done     chan struct{}

	closeOnce sync.Once

	mu     sync.Mutex
	closed bool
	states map[string]*pathState
	known  map[string]mark
	dirs   map[string]bool
}

func New(projects Projects, opts Options) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, &InitError{Root: projects.Root(), Err: err}
	}

	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Filter == nil {
		opts.Filter = filter.New(filter.Options{})
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Watcher{
		projects: projects,
		root:     projects.Root(),
		watcher:  fsw,
		filter:   opts.Filter,
		ledger:   opts.Ledger,
		logger:   opts.Logger,
		debounce: opts.Debounce,
		settle:   opts.Settle,
		events:   make(chan event.Event, opts.Buffer),
		done:     make(chan struct{}),
		states:   make(map[string]*pathState),
		known:    make(map[string]mark),
		dirs:     make(map[string]bool),
	}, nil
}

// Start watches the sync root recursively and begins processing
// notifications in the background.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.root, false); err != nil {
		return &InitError{Root: w.root, Err: err}
	}

	go w.processEvents(ctx)

	w.logger.Info("watching sync root", zap.String("root", w.root), zap.Int("directories", w.dirCount()))
	return nil
}

// StartWithRetry calls Start up to attempts times, sleeping backoff(n)
// between attempts. A nil backoff uses RetryBackoff. The last error is
// returned when every attempt fails.
func (w *Watcher) StartWithRetry(ctx context.Context, attempts int, backoff func(attempt int) time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	if backoff == nil {
		backoff = RetryBackoff
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if lastErr = w.Start(ctx); lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		delay := backoff(attempt)
		w.logger.Warn("watcher start failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(lastErr))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// RetryBackoff doubles from one second and caps at thirty.
func RetryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Second
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	return delay
}

func (w *Watcher) Events() <-chan event.Event {
	return w.events
}

// Run forwards events to sink until ctx is cancelled or the watcher is
// closed.
func (w *Watcher) Run(ctx context.Context, sink func(event.Event)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.done:
			return nil
		case ev := <-w.events:
			sink(ev)
		}
	}
}

// Close stops processing. Pending paths are discarded, not flushed.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)

		w.mu.Lock()
		w.closed = true
		for _, st := range w.states {
			if st.timer != nil {
				st.timer.Stop()
			}
		}
		w.states = make(map[string]*pathState)
		w.mu.Unlock()

		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) dirCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dirs)
}

// addRecursive watches dir and every directory below it that is not
// filtered out. Files found on the way are either marked known (initial
// walk) or scheduled as creations (directory appearing at runtime).
func (w *Watcher) addRecursive(dir string, schedule bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}

		if d.IsDir() {
			if path != w.root {
				_, rel, ok := w.projects.Locate(path)
				if !ok {
					return filepath.SkipDir
				}
				if rel != "." && (w.filter.SkipDir(rel) || w.filter.ShouldIgnore(rel)) {
					return filepath.SkipDir
				}
			}
			if err := w.watcher.Add(path); err != nil {
				if path == dir {
					return err
				}
				w.logger.Warn("failed to watch directory", zap.String("path", path), zap.Error(err))
				return nil
			}
			w.mu.Lock()
			w.dirs[path] = true
			w.mu.Unlock()
			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}
		_, rel, ok := w.projects.Locate(path)
		if !ok || !w.trackable(rel) {
			return nil
		}
		if schedule {
			w.schedule(path, opCreate)
			return nil
		}
		w.mu.Lock()
		w.known[path] = mark{}
		w.mu.Unlock()
		return nil
	})
}

// trackable reports whether a project-relative file path takes part in
// synchronization at all. "." is a file directly under the sync root.
func (w *Watcher) trackable(rel string) bool {
	return rel != "." &&
		!fileutil.IsTempName(rel) &&
		!w.filter.ShouldIgnore(rel) &&
		!w.filter.IsBinaryPath(rel)
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	abs := filepath.Clean(ev.Name)
	if fileutil.IsTempName(abs) {
		return
	}
	_, rel, ok := w.projects.Locate(abs)
	if !ok {
		return
	}

	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		w.forgetDir(abs)
	}

	if rel == "." {
		// A project directory appearing, or a file at the sync root.
		if ev.Has(fsnotify.Create) {
			if info, err := os.Stat(abs); err == nil && info.IsDir() {
				if err := w.addRecursive(abs, true); err != nil {
					w.logger.Warn("failed to watch new project", zap.String("path", abs), zap.Error(err))
				}
			}
		}
		return
	}

	if w.filter.ShouldIgnore(rel) {
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Lstat(abs); err == nil && info.IsDir() {
			if w.filter.SkipDir(rel) {
				return
			}
			if err := w.addRecursive(abs, true); err != nil {
				w.logger.Warn("failed to watch new directory", zap.String("path", abs), zap.Error(err))
			}
			return
		}
	}

	if w.filter.IsBinaryPath(rel) {
		return
	}

	var op rawOp
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		op = opRemove
	case ev.Has(fsnotify.Create):
		op = opCreate
	case ev.Has(fsnotify.Write):
		op = opWrite
	default:
		return
	}

	w.schedule(abs, op)
}

// forgetDir drops the watches of a directory that was removed or moved away.
// Its path stays known so that the removal is reported.
func (w *Watcher) forgetDir(abs string) {
	w.mu.Lock()
	if !w.dirs[abs] {
		w.mu.Unlock()
		return
	}
	var stale []string
	for d := range w.dirs {
		if sandbox.Within(abs, d) {
			stale = append(stale, d)
			delete(w.dirs, d)
		}
	}
	w.known[abs] = mark{dir: true}
	w.mu.Unlock()

	for _, d := range stale {
		// The kernel may already have dropped the watch.
		_ = w.watcher.Remove(d)
	}
}

// schedule advances the state machine of one path for a raw notification.
func (w *Watcher) schedule(abs string, op rawOp) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	now := time.Now()
	st := w.states[abs]
	if st != nil && st.phase == phaseEmitted && !st.trailing && now.Sub(st.emittedAt) >= w.debounce {
		st.timer.Stop()
		st = nil
	}

	switch {
	case st == nil:
		st = &pathState{phase: phasePending, op: op}
		st.timer = time.AfterFunc(w.settle, func() { w.fire(abs) })
		w.states[abs] = st

	case st.phase == phasePending:
		st.op = mergeOp(st.op, op)

	case st.phase == phaseExamining:
		st.op = mergeOp(st.op, op)
		st.dirty = true

	case st.trailing:
		st.op = mergeOp(st.op, op)

	default:
		st.trailing = true
		st.op = op
		st.timer.Stop()
		st.timer = time.AfterFunc(w.debounce-now.Sub(st.emittedAt), func() { w.fire(abs) })
	}
}

// fire examines a pending path and emits at most one event for it.
func (w *Watcher) fire(abs string) {
	ex, ok := w.begin(abs)
	if !ok {
		return
	}
	w.inspect(abs, &ex)
	w.finish(abs, &ex)
}

// begin moves a path into examination and snapshots what is known about it.
func (w *Watcher) begin(abs string) (examination, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := w.states[abs]
	if w.closed || st == nil || st.phase == phaseExamining {
		return examination{}, false
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	ex := examination{st: st, op: st.op}
	ex.prev, ex.known = w.known[abs]

	st.phase = phaseExamining
	st.op = opWrite
	st.dirty = false
	return ex, true
}

// inspect reads the disk without holding the watcher lock.
func (w *Watcher) inspect(abs string, ex *examination) {
	project, rel, ok := w.projects.Locate(abs)
	ex.project = project
	if !ok || rel == "." || !w.projects.Exists(project) {
		w.logger.Debug("dropping event outside a known project", zap.String("path", abs))
		return
	}
	ex.change, ex.result, ex.hash = w.examine(abs, rel, ex.prev, ex.known)
}

// finish records the outcome of an examination, arms the debounce window and
// emits the change. A path that was notified again during the examination
// gets a trailing check at the end of the window.
func (w *Watcher) finish(abs string, ex *examination) {
	now := time.Now()
	st := ex.st

	w.mu.Lock()
	if w.closed || w.states[abs] != st {
		w.mu.Unlock()
		return
	}
	switch ex.result {
	case present:
		w.known[abs] = mark{hash: ex.hash, hashed: true}
	case absent:
		delete(w.known, abs)
		if ex.prev.dir {
			for p := range w.known {
				if sandbox.Within(abs, p) {
					delete(w.known, p)
				}
			}
		}
	}
	st.phase = phaseEmitted
	st.emittedAt = now
	if st.dirty {
		st.dirty = false
		st.trailing = true
		st.timer = time.AfterFunc(w.debounce, func() { w.fire(abs) })
	} else {
		st.trailing = false
		st.op = opWrite
		st.timer = time.AfterFunc(w.debounce, func() { w.expire(abs, st) })
	}
	w.mu.Unlock()

	if ex.change == nil {
		return
	}

	w.logger.Debug("change detected",
		zap.String("project", ex.project),
		zap.String("op", ex.op.String()),
		zap.Stringer("kind", ex.change.Kind()),
		zap.Strings("paths", ex.change.Paths()))

	ev := event.Event{
		Project: ex.project,
		Origin:  event.OriginExternal,
		Time:    now,
		Change:  ex.change,
	}
	select {
	case w.events <- ev:
	case <-w.done:
	}
}

// expire returns a path to idle once its debounce window passed quietly.
func (w *Watcher) expire(abs string, st *pathState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.states[abs] == st && st.phase == phaseEmitted && !st.trailing {
		delete(w.states, abs)
	}
}

// examine reads the current state of abs and decides which change, if any,
// it represents relative to what the watcher knew.
func (w *Watcher) examine(abs, rel string, prev mark, known bool) (event.Change, outcome, uint64) {
	var seen uint64
	if w.ledger != nil {
		seen = w.ledger.Mark()
	}

	info, err := os.Lstat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return w.examineMissing(abs, rel, known, seen)
		}
		w.logger.Warn("failed to stat changed file", zap.String("path", abs), zap.Error(err))
		return nil, keep, 0
	}
	if info.IsDir() {
		return nil, keep, 0
	}
	if !info.Mode().IsRegular() {
		w.logger.Debug("ignoring special file", zap.String("path", abs), zap.Stringer("mode", info.Mode()))
		return nil, keep, 0
	}

	f, err := os.Open(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return w.examineMissing(abs, rel, known, seen)
		}
		w.logger.Warn("failed to open changed file", zap.String("path", abs), zap.Error(err))
		return nil, keep, 0
	}
	defer f.Close()

	var (
		content []byte
		hash    uint64
		size    = info.Size()
	)
	if w.filter.Oversized(size) {
		hash, size, err = ledger.HashReader(f)
	} else {
		content, err = io.ReadAll(f)
		hash, size = ledger.Hash(content), int64(len(content))
	}
	if err != nil {
		w.logger.Warn("failed to read changed file", zap.String("path", abs), zap.Error(err))
		return nil, keep, 0
	}

	if w.ledger != nil {
		if w.ledger.ClaimWrite(abs, hash) {
			w.logger.Debug("suppressing echo of own write", zap.String("path", abs))
			return nil, present, hash
		}
		// The disk moved past our own mutations; subscribers were last told
		// about the newest of them.
		switch written, removed := w.ledger.Supersede(abs, seen); {
		case written:
			prev, known = mark{}, true
		case removed:
			known = false
		}
	}
	if known && prev.hashed && prev.hash == hash {
		return nil, present, hash
	}

	excluded := w.filter.Oversized(size)
	if !excluded && !filter.IsText(content) {
		w.logger.Debug("dropping undecodable file", zap.String("path", abs))
		return nil, keep, 0
	}

	text := ""
	if !excluded {
		text = string(content)
	}
	if known && !prev.dir {
		return event.Updated{Path: rel, Content: text, Size: size, Excluded: excluded}, present, hash
	}
	return event.Created{Path: rel, Content: text, Size: size, Excluded: excluded}, present, hash
}

func (w *Watcher) examineMissing(abs, rel string, known bool, seen uint64) (event.Change, outcome, uint64) {
	if w.ledger != nil {
		if w.ledger.ClaimRemove(abs) {
			w.logger.Debug("suppressing echo of own removal", zap.String("path", abs))
			return nil, absent, 0
		}
		switch written, removed := w.ledger.Supersede(abs, seen); {
		case written:
			known = true
		case removed:
			known = false
		}
	}
	if !known {
		// Created and removed before anyone was told about it.
		return nil, absent, 0
	}
	return event.Deleted{Path: rel}, absent, 0
}
