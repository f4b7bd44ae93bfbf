// Package runner owns the development server processes started for projects.
//
// At most one process runs per project. Each running process has a PID file
// in the state directory, written atomically and guarded by an exclusive
// lock so that two wsync instances sharing a sync root cannot both run the
// same project. The runner is meant to be registered as a project delete
// hook: a project's process is stopped before its directory disappears.
//
// # PID File Format
//
// <state dir>/<project>.pid holds a single line with the process ID as a
// decimal integer. Output of the process is appended to <project>.log.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/devdost/wsync/internal/fileutil"
	"github.com/devdost/wsync/registry"
	"go.uber.org/zap"
)

// DefaultGrace is how long Stop waits after the polite signal.
const DefaultGrace = 5 * time.Second

var (
	ErrAlreadyRunning = errors.New("process already running")
	ErrNotRunning     = errors.New("process not running")
)

type Options struct {
	StateDir string
	Grace    time.Duration
	Logger   *zap.Logger
}

type process struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{}
}

type Runner struct {
	stateDir string
	grace    time.Duration
	logger   *zap.Logger
	writer   *fileutil.AtomicWriter

	mu    sync.Mutex
	procs map[string]*process
}

func New(opts Options) (*Runner, error) {
	if opts.StateDir == "" {
		return nil, fmt.Errorf("runner state directory is required")
	}
	if err := os.MkdirAll(opts.StateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create runner state directory: %w", err)
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Runner{
		stateDir: opts.StateDir,
		grace:    opts.Grace,
		logger:   opts.Logger,
		writer:   fileutil.NewAtomicWriter(),
		procs:    make(map[string]*process),
	}, nil
}

func (r *Runner) pidPath(project string) string {
	return filepath.Join(r.stateDir, project+".pid")
}

func (r *Runner) logPath(project string) string {
	return filepath.Join(r.stateDir, project+".log")
}

// Start launches argv in dir for project and returns its PID.
func (r *Runner) Start(ctx context.Context, project, dir string, argv []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := registry.ValidateName(project); err != nil {
		return 0, err
	}
	if len(argv) == 0 {
		return 0, fmt.Errorf("empty command for project %s", project)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.procs[project]; ok {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyRunning, project)
	}

	pidPath := r.pidPath(project)
	lock, err := fileutil.LockExclusive(pidPath+".lock", true)
	if errors.Is(err, fileutil.ErrLocked) {
		return 0, fmt.Errorf("%w: %s is locked by another instance", ErrAlreadyRunning, project)
	}
	if err != nil {
		return 0, err
	}

	logFile, err := os.OpenFile(r.logPath(project), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		lock.Unlock()
		return 0, fmt.Errorf("failed to open log file: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		logFile.Close()
		lock.Unlock()
		return 0, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	pid := cmd.Process.Pid
	if err := r.writer.Write(pidPath, []byte(fmt.Sprintf("%d\n", pid))); err != nil {
		r.logger.Warn("failed to write PID file", zap.String("project", project), zap.Error(err))
	}

	p := &process{cmd: cmd, pid: pid, done: make(chan struct{})}
	r.procs[project] = p

	go func() {
		err := cmd.Wait()
		logFile.Close()

		r.mu.Lock()
		if r.procs[project] == p {
			delete(r.procs, project)
		}
		r.mu.Unlock()

		_ = os.Remove(pidPath)
		_ = lock.Unlock()
		close(p.done)

		r.logger.Info("process exited", zap.String("project", project), zap.Int("pid", pid), zap.Error(err))
	}()

	r.logger.Info("process started",
		zap.String("project", project),
		zap.Int("pid", pid),
		zap.Strings("argv", argv))
	return pid, nil
}

// Stop signals the project's process to terminate and kills it if it is
// still alive after the grace period. It returns once the process is gone.
func (r *Runner) Stop(project string) error {
	r.mu.Lock()
	p, ok := r.procs[project]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, project)
	}

	if err := terminate(p.cmd.Process); err != nil {
		r.logger.Debug("terminate signal failed", zap.String("project", project), zap.Error(err))
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(r.grace):
	}

	r.logger.Warn("process ignored termination, killing", zap.String("project", project), zap.Int("pid", p.pid))
	if err := kill(p.cmd.Process); err != nil {
		r.logger.Debug("kill failed", zap.String("project", project), zap.Error(err))
	}
	<-p.done
	return nil
}

// Running returns the PID of the project's process, if any.
func (r *Runner) Running(project string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[project]
	if !ok {
		return 0, false
	}
	return p.pid, true
}

// Projects returns the sorted names of projects with a running process.
func (r *Runner) Projects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.procs))
	for name := range r.procs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StopAll stops every running process.
func (r *Runner) StopAll() {
	var wg sync.WaitGroup
	for _, project := range r.Projects() {
		wg.Add(1)
		go func(project string) {
			defer wg.Done()
			if err := r.Stop(project); err != nil && !errors.Is(err, ErrNotRunning) {
				r.logger.Warn("failed to stop process", zap.String("project", project), zap.Error(err))
			}
		}(project)
	}
	wg.Wait()
}

// DeleteHook stops the project's process, if any, before its removal.
func (r *Runner) DeleteHook() registry.DeleteHook {
	return func(ctx context.Context, name string) error {
		if err := r.Stop(name); err != nil && !errors.Is(err, ErrNotRunning) {
			return err
		}
		return nil
	}
}

// ReadPIDFile reads the PID recorded for project in stateDir.
//
// Return values:
//   - (0, nil):   no PID file
//   - (pid, nil): PID file present
//   - (0, error): PID file unreadable or corrupt
//
// The process is not checked for liveness; use IsProcessRunning for that.
func ReadPIDFile(stateDir, project string) (int, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, project+".pid"))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}
	return pid, nil
}
