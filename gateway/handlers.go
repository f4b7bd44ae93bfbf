package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/devdost/wsync/runner"
	"github.com/devdost/wsync/syncbus"
	"github.com/devdost/wsync/workspace"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

var errBadRequest = errors.New("bad request")

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, workspace.ErrPathEscape),
		errors.Is(err, workspace.ErrInvalidPath),
		errors.Is(err, workspace.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, workspace.ErrProjectNotFound),
		errors.Is(err, workspace.ErrNotFound),
		errors.Is(err, runner.ErrNotRunning):
		return http.StatusNotFound
	case errors.Is(err, workspace.ErrProjectExists),
		errors.Is(err, syncbus.ErrDuplicateID),
		errors.Is(err, runner.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, workspace.ErrDecodeFailure):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func origin(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(ClientIDHeader)); id != "" {
		return id
	}
	return anonymousOrigin
}

// filePath extracts the catch-all path parameter without its leading slash.
func filePath(ps httprouter.Params) string {
	return strings.TrimPrefix(ps.ByName("path"), "/")
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", errBadRequest, err)
	}
	return nil
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	names, err := s.svc.ListProjects()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"projects": names})
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	p, err := s.svc.CreateProject(ps.ByName("project"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"project": p.Name})
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := s.svc.DeleteProject(r.Context(), ps.ByName("project")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProjectInfo(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	info, err := s.svc.Stat(r.Context(), ps.ByName("project"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	project := ps.ByName("project")
	if !s.svc.ProjectExists(project) {
		s.writeError(w, r, fmt.Errorf("%w: %s", workspace.ErrProjectNotFound, project))
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", project+".zip"))
	if err := s.svc.DownloadArchive(r.Context(), project, w); err != nil {
		// Headers are gone; the truncated body is all the client gets.
		s.logger.Error("archive failed", zap.String("project", project), zap.Error(err))
	}
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	files, err := s.svc.ListFiles(r.Context(), ps.ByName("project"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	project, path := ps.ByName("project"), filePath(ps)
	content, err := s.svc.ReadFile(r.Context(), project, path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, workspace.WorkspaceFile{
		Project: project,
		Path:    path,
		Content: content,
		Size:    int64(len(content)),
	})
}

// handleWriteFile takes the raw request body as the new file content.
func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	file, err := s.svc.WriteFile(r.Context(), ps.ByName("project"), filePath(ps), string(data), origin(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	file.Content = ""
	s.writeJSON(w, http.StatusOK, file)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := s.svc.DeleteFile(r.Context(), ps.ByName("project"), filePath(ps), origin(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type moveRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req moveRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.RenameFile(r.Context(), ps.ByName("project"), req.From, req.To, origin(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req moveRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	file, err := s.svc.CopyFile(r.Context(), ps.ByName("project"), req.From, req.To, origin(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	file.Content = ""
	s.writeJSON(w, http.StatusOK, file)
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		Path string `json:"path"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.CreateDirectory(r.Context(), ps.ByName("project"), req.Path, origin(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type runStatus struct {
	Project string `json:"project"`
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	project := ps.ByName("project")
	pid, ok := s.runner.Running(project)
	s.writeJSON(w, http.StatusOK, runStatus{Project: project, Running: ok, PID: pid})
}

func (s *Server) handleRunStart(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		Command []string `json:"command"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	project := ps.ByName("project")
	dir, err := s.svc.Registry().PathOf(project)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.Command) == 0 {
		s.writeError(w, r, fmt.Errorf("%w: command is required", errBadRequest))
		return
	}

	// The process outlives the request.
	pid, err := s.runner.Start(context.WithoutCancel(r.Context()), project, dir, req.Command)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, runStatus{Project: project, Running: true, PID: pid})
}

func (s *Server) handleRunStop(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := s.runner.Stop(ps.ByName("project")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
