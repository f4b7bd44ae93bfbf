// Package registry tracks the projects living under the synchronization root.
//
// A project is a directory directly below the root. There is no persisted
// index: every query is answered from the directory listing, so projects
// created or removed by other processes are seen immediately.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/devdost/wsync/sandbox"
	"go.uber.org/zap"
)

var (
	ErrInvalidName     = errors.New("invalid project name")
	ErrProjectNotFound = errors.New("project not found")
	ErrProjectExists   = errors.New("project already exists")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Project is a named directory subtree.
type Project struct {
	Name   string `json:"name"`
	Root   string `json:"root"`
	Exists bool   `json:"exists"`
}

// DeleteHook runs before a project directory is removed. Collaborators that
// hold per-project state (running processes, live sessions) register one to
// release it. Returning an error aborts the deletion.
type DeleteHook func(ctx context.Context, name string) error

type Registry struct {
	root   string
	logger *zap.Logger

	hooksMu sync.RWMutex
	hooks   []DeleteHook
}

// New opens the registry rooted at root, creating the directory if needed.
// The root is canonicalized so that paths reported by the filesystem watcher
// and paths produced by the sandbox share the same prefix.
func New(root string, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sync root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sync root: %w", err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve symlinks: %w", err)
	}

	return &Registry{root: canonical, logger: logger}, nil
}

// Root returns the canonical synchronization root.
func (r *Registry) Root() string {
	return r.root
}

// ValidateName checks name against the project identifier rules.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// OnDelete registers a hook run by Delete, in registration order.
func (r *Registry) OnDelete(hook DeleteHook) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Create makes the project directory.
func (r *Registry) Create(name string) (Project, error) {
	if err := ValidateName(name); err != nil {
		return Project{}, err
	}
	dir := filepath.Join(r.root, name)

	if err := os.Mkdir(dir, 0755); err != nil {
		if os.IsExist(err) {
			return Project{}, fmt.Errorf("%w: %s", ErrProjectExists, name)
		}
		return Project{}, fmt.Errorf("failed to create project %s: %w", name, err)
	}

	r.logger.Info("project created", zap.String("project", name))
	return Project{Name: name, Root: dir, Exists: true}, nil
}

// Exists reports whether the project directory is present. A symlink is
// never a project, whatever it points to.
func (r *Registry) Exists(name string) bool {
	if ValidateName(name) != nil {
		return false
	}
	info, err := os.Lstat(filepath.Join(r.root, name))
	return err == nil && info.IsDir()
}

// Get returns the project, or ErrProjectNotFound.
func (r *Registry) Get(name string) (Project, error) {
	if err := ValidateName(name); err != nil {
		return Project{}, err
	}
	if !r.Exists(name) {
		return Project{}, fmt.Errorf("%w: %s", ErrProjectNotFound, name)
	}
	return Project{Name: name, Root: filepath.Join(r.root, name), Exists: true}, nil
}

// PathOf returns the project root directory.
func (r *Registry) PathOf(name string) (string, error) {
	p, err := r.Get(name)
	if err != nil {
		return "", err
	}
	return p.Root, nil
}

// List returns the sorted names of all projects. Directories whose names are
// not valid project identifiers (hidden directories in particular) are not
// projects.
func (r *Registry) List() ([]string, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsDir() || ValidateName(e.Name()) != nil {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Delete runs the delete hooks and then removes the project recursively.
func (r *Registry) Delete(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	dir := filepath.Join(r.root, name)
	if !r.Exists(name) {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, name)
	}

	r.hooksMu.RLock()
	hooks := make([]DeleteHook, len(r.hooks))
	copy(hooks, r.hooks)
	r.hooksMu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, name); err != nil {
			return fmt.Errorf("delete hook failed for project %s: %w", name, err)
		}
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove project %s: %w", name, err)
	}

	r.logger.Info("project deleted", zap.String("project", name))
	return nil
}

// Locate maps an absolute path below the root to its project and the
// project-relative POSIX path. rel is "." for the project directory itself.
// ok is false for the root, for paths outside it and for invalid names.
func (r *Registry) Locate(absPath string) (project, rel string, ok bool) {
	if !sandbox.Within(r.root, absPath) {
		return "", "", false
	}
	relRoot, err := filepath.Rel(r.root, absPath)
	if err != nil || relRoot == "." {
		return "", "", false
	}

	parts := strings.SplitN(filepath.ToSlash(relRoot), "/", 2)
	if ValidateName(parts[0]) != nil {
		return "", "", false
	}
	if len(parts) == 1 {
		return parts[0], ".", true
	}
	return parts[0], parts[1], true
}
