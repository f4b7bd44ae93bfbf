// Package workspace is the single read/write surface over the projects of a
// sync root.
//
// Every mutation is confined by the sandbox, performed durably under a path
// lock that also holds its ancestors, recorded in the write ledger so the
// watcher does not echo it, and announced as exactly one event carrying the
// caller's origin id.
package workspace

import (
	"context"
	"errors"
	"time"

	"github.com/devdost/wsync/event"
	"github.com/devdost/wsync/filter"
	"github.com/devdost/wsync/internal/fileutil"
	"github.com/devdost/wsync/internal/ledger"
	"github.com/devdost/wsync/registry"
	"github.com/devdost/wsync/sandbox"
	"go.uber.org/zap"
)

var (
	ErrPathEscape      = sandbox.ErrPathEscape
	ErrInvalidPath     = sandbox.ErrInvalidPath
	ErrInvalidName     = registry.ErrInvalidName
	ErrProjectNotFound = registry.ErrProjectNotFound
	ErrProjectExists   = registry.ErrProjectExists
	ErrNotFound        = fileutil.ErrNotFound
	ErrIOFailure       = fileutil.ErrIOFailure
	ErrDecodeFailure   = errors.New("content is not UTF-8 text")
)

// WorkspaceFile is a file as seen through the service. Content is empty when
// Excluded is set.
type WorkspaceFile struct {
	Project  string `json:"project"`
	Path     string `json:"path"`
	Content  string `json:"content,omitempty"`
	Size     int64  `json:"size"`
	Excluded bool   `json:"excluded,omitempty"`
}

// ProjectInfo summarizes a project tree.
type ProjectInfo struct {
	Name        string `json:"name"`
	Files       int    `json:"files"`
	Directories int    `json:"directories"`
	Bytes       int64  `json:"bytes"`
	Excluded    int    `json:"excluded"`
}

// Publisher receives the event of every successful mutation.
type Publisher interface {
	Publish(ev event.Event, originID string) event.Event
}

type Options struct {
	Filter    *filter.Filter
	Ledger    *ledger.Ledger
	Publisher Publisher
	Logger    *zap.Logger
}

type Service struct {
	registry *registry.Registry
	writer   *fileutil.AtomicWriter
	filter   *filter.Filter
	ledger   *ledger.Ledger
	bus      Publisher
	logger   *zap.Logger
	locks    *pathLocks
	now      func() time.Time
}

func New(reg *registry.Registry, opts Options) *Service {
	if opts.Filter == nil {
		opts.Filter = filter.New(filter.Options{})
	}
	if opts.Ledger == nil {
		opts.Ledger = ledger.New(ledger.DefaultTTL)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		registry: reg,
		writer:   fileutil.NewAtomicWriter(),
		filter:   opts.Filter,
		ledger:   opts.Ledger,
		bus:      opts.Publisher,
		logger:   opts.Logger,
		locks:    newPathLocks(reg.Root()),
		now:      time.Now,
	}
}

// Registry exposes the project registry, mainly to register delete hooks.
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// Filter exposes the content policy shared with the watcher.
func (s *Service) Filter() *filter.Filter {
	return s.filter
}

func (s *Service) CreateProject(name string) (registry.Project, error) {
	return s.registry.Create(name)
}

func (s *Service) DeleteProject(ctx context.Context, name string) error {
	return s.registry.Delete(ctx, name)
}

func (s *Service) ListProjects() ([]string, error) {
	return s.registry.List()
}

func (s *Service) ProjectExists(name string) bool {
	return s.registry.Exists(name)
}

func (s *Service) publish(project, origin string, change event.Change) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(event.Event{
		Project: project,
		Time:    s.now(),
		Change:  change,
	}, origin)
}
