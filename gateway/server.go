// Package gateway exposes the workspace over HTTP and websockets.
//
// It is a thin adapter: every request is translated into one
// workspace.Service call, and every websocket connection is one bus
// subscription whose id doubles as the origin of the mutations it sends, so
// a client never receives the echo of its own edits.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/devdost/wsync/syncbus"
	"github.com/devdost/wsync/workspace"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	// ClientIDHeader carries the origin id of HTTP mutations.
	ClientIDHeader = "X-Client-ID"

	// anonymousOrigin is used for HTTP mutations without a client id. No
	// subscriber uses it, so everyone receives those changes.
	anonymousOrigin = "http:anonymous"

	maxBodySize     = 32 << 20
	shutdownTimeout = 5 * time.Second
)

// ProcessRunner starts and stops per-project development servers.
type ProcessRunner interface {
	Start(ctx context.Context, project, dir string, argv []string) (int, error)
	Stop(project string) error
	Running(project string) (int, bool)
}

type Options struct {
	Addr string
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Runner enables the /run routes when set.
	Runner ProcessRunner
	Logger *zap.Logger
}

type Server struct {
	svc      *workspace.Service
	bus      *syncbus.Bus
	runner   ProcessRunner
	addr     string
	gatherer prometheus.Gatherer
	router   *httprouter.Router
	logger   *zap.Logger
}

func New(svc *workspace.Service, bus *syncbus.Bus, opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Server{
		svc:      svc,
		bus:      bus,
		runner:   opts.Runner,
		addr:     opts.Addr,
		gatherer: opts.Gatherer,
		router:   httprouter.New(),
		logger:   opts.Logger,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	// Projects
	s.router.GET("/api/projects", s.handleListProjects)
	s.router.POST("/api/projects/:project", s.handleCreateProject)
	s.router.DELETE("/api/projects/:project", s.handleDeleteProject)
	s.router.GET("/api/projects/:project/info", s.handleProjectInfo)
	s.router.GET("/api/projects/:project/archive", s.handleArchive)

	// Files
	s.router.GET("/api/projects/:project/files", s.handleListFiles)
	s.router.GET("/api/projects/:project/file/*path", s.handleReadFile)
	s.router.PUT("/api/projects/:project/file/*path", s.handleWriteFile)
	s.router.DELETE("/api/projects/:project/file/*path", s.handleDeleteFile)
	s.router.POST("/api/projects/:project/rename", s.handleRename)
	s.router.POST("/api/projects/:project/copy", s.handleCopy)
	s.router.POST("/api/projects/:project/mkdir", s.handleMkdir)

	// Development server
	if s.runner != nil {
		s.router.GET("/api/projects/:project/run", s.handleRunStatus)
		s.router.POST("/api/projects/:project/run", s.handleRunStart)
		s.router.DELETE("/api/projects/:project/run", s.handleRunStop)
	}

	s.router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	s.router.GET("/ws", s.handleWebSocket)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
