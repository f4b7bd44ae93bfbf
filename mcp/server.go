// Package mcp provides an MCP (Model Context Protocol) server for wsync.
// This lets AI agents edit workspace projects with the same guarantees as
// any other client: their changes are broadcast to open editors, and they
// never receive their own edits back.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alpkeskin/gotoon"
	"github.com/devdost/wsync/workspace"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

// AgentOrigin is the origin id of every mutation made through MCP.
const AgentOrigin = "agent:mcp"

// Server wraps the MCP server with workspace functionality.
type Server struct {
	mcpServer *server.MCPServer
	svc       *workspace.Service
	logger    *zap.Logger
}

// FileEntry is the MCP output for a single file.
type FileEntry struct {
	Project  string `json:"project"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Content  string `json:"content,omitempty"`
	Excluded bool   `json:"excluded,omitempty"`
}

// ProjectStatus summarizes a project for agents.
type ProjectStatus struct {
	Name        string `json:"name"`
	Files       int    `json:"files"`
	Directories int    `json:"directories"`
	Size        string `json:"size"`
	Excluded    int    `json:"excluded,omitempty"`
}

// encodeOutput encodes data in the specified format (json or toon).
func encodeOutput(data any, format string) (string, error) {
	switch format {
	case "toon":
		return gotoon.Encode(data)
	default: // "json"
		jsonBytes, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return "", err
		}
		return string(jsonBytes), nil
	}
}

// NewServer creates a new MCP server over svc.
func NewServer(svc *workspace.Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		svc:    svc,
		logger: logger,
	}

	s.mcpServer = server.NewMCPServer(
		"wsync",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	s.registerTools()

	return s
}

func formatParam() mcp.ToolOption {
	return mcp.WithString("format",
		mcp.Description("Output format: 'json' (default) or 'toon' (token-efficient)"),
	)
}

func projectParam() mcp.ToolOption {
	return mcp.WithString("project",
		mcp.Required(),
		mcp.Description("Project name (a directory under the sync root)"),
	)
}

func pathParam(name, desc string) mcp.ToolOption {
	return mcp.WithString(name,
		mcp.Required(),
		mcp.Description(desc),
	)
}

// registerTools registers all wsync tools with the MCP server.
func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("wsync_list_projects",
		mcp.WithDescription("List the projects of the workspace."),
		formatParam(),
	), s.handleListProjects)

	s.mcpServer.AddTool(mcp.NewTool("wsync_create_project",
		mcp.WithDescription("Create an empty project."),
		projectParam(),
	), s.handleCreateProject)

	s.mcpServer.AddTool(mcp.NewTool("wsync_delete_project",
		mcp.WithDescription("Delete a project with all of its files. Open editors of the project are disconnected."),
		projectParam(),
	), s.handleDeleteProject)

	s.mcpServer.AddTool(mcp.NewTool("wsync_project_info",
		mcp.WithDescription("Count the files and directories of a project."),
		projectParam(),
		formatParam(),
	), s.handleProjectInfo)

	s.mcpServer.AddTool(mcp.NewTool("wsync_list_files",
		mcp.WithDescription("List the text files of a project. Binary and oversized files are left out."),
		projectParam(),
		formatParam(),
	), s.handleListFiles)

	s.mcpServer.AddTool(mcp.NewTool("wsync_read_file",
		mcp.WithDescription("Read a text file of a project."),
		projectParam(),
		pathParam("path", "File path relative to the project (e.g., 'src/App.jsx')"),
	), s.handleReadFile)

	s.mcpServer.AddTool(mcp.NewTool("wsync_write_file",
		mcp.WithDescription("Create or replace a text file. Open editors receive the change immediately."),
		projectParam(),
		pathParam("path", "File path relative to the project; missing directories are created"),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("Full new content of the file (UTF-8)"),
		),
	), s.handleWriteFile)

	s.mcpServer.AddTool(mcp.NewTool("wsync_delete_file",
		mcp.WithDescription("Delete a file, or a directory with everything below it."),
		projectParam(),
		pathParam("path", "Path relative to the project"),
	), s.handleDeleteFile)

	s.mcpServer.AddTool(mcp.NewTool("wsync_rename_file",
		mcp.WithDescription("Move a file or directory within a project."),
		projectParam(),
		pathParam("old_path", "Current path relative to the project"),
		pathParam("new_path", "New path relative to the project"),
	), s.handleRenameFile)

	s.mcpServer.AddTool(mcp.NewTool("wsync_copy_file",
		mcp.WithDescription("Copy a file within a project, replacing the destination if it exists."),
		projectParam(),
		pathParam("source_path", "Path of the file to copy, relative to the project"),
		pathParam("dest_path", "Destination path relative to the project; missing directories are created"),
	), s.handleCopyFile)
}

// toolError turns a workspace error into a tool-level error result.
func toolError(action string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, workspace.ErrProjectNotFound),
		errors.Is(err, workspace.ErrNotFound),
		errors.Is(err, workspace.ErrPathEscape),
		errors.Is(err, workspace.ErrInvalidPath),
		errors.Is(err, workspace.ErrInvalidName),
		errors.Is(err, workspace.ErrProjectExists),
		errors.Is(err, workspace.ErrDecodeFailure):
		return mcp.NewToolResultError(err.Error())
	default:
		return mcp.NewToolResultError(fmt.Sprintf("failed to %s: %v", action, err))
	}
}

func requestFormat(request mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	format := request.GetString("format", "json")
	if format != "json" && format != "toon" {
		return "", mcp.NewToolResultError("format must be 'json' or 'toon'")
	}
	return format, nil
}

func encoded(data any, format string) (*mcp.CallToolResult, error) {
	output, err := encodeOutput(data, format)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode results: %v", err)), nil
	}
	return mcp.NewToolResultText(output), nil
}

func (s *Server) handleListProjects(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, bad := requestFormat(request)
	if bad != nil {
		return bad, nil
	}

	names, err := s.svc.ListProjects()
	if err != nil {
		return toolError("list projects", err), nil
	}
	return encoded(map[string]any{"projects": names}, format)
}

func (s *Server) handleCreateProject(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("project parameter is required"), nil
	}
	if _, err := s.svc.CreateProject(name); err != nil {
		return toolError("create project", err), nil
	}
	s.logger.Info("project created by agent", zap.String("project", name))
	return mcp.NewToolResultText(fmt.Sprintf("created project %s", name)), nil
}

func (s *Server) handleDeleteProject(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("project parameter is required"), nil
	}
	if err := s.svc.DeleteProject(ctx, name); err != nil {
		return toolError("delete project", err), nil
	}
	s.logger.Info("project deleted by agent", zap.String("project", name))
	return mcp.NewToolResultText(fmt.Sprintf("deleted project %s", name)), nil
}

func (s *Server) handleProjectInfo(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("project parameter is required"), nil
	}
	format, bad := requestFormat(request)
	if bad != nil {
		return bad, nil
	}

	info, err := s.svc.Stat(ctx, name)
	if err != nil {
		return toolError("stat project", err), nil
	}
	return encoded(ProjectStatus{
		Name:        info.Name,
		Files:       info.Files,
		Directories: info.Directories,
		Size:        formatBytes(info.Bytes),
		Excluded:    info.Excluded,
	}, format)
}

func (s *Server) handleListFiles(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("project parameter is required"), nil
	}
	format, bad := requestFormat(request)
	if bad != nil {
		return bad, nil
	}

	files, err := s.svc.ListFiles(ctx, name)
	if err != nil {
		return toolError("list files", err), nil
	}
	return encoded(map[string]any{"project": name, "files": files}, format)
}

func (s *Server) handleReadFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("project parameter is required"), nil
	}
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("path parameter is required"), nil
	}

	content, err := s.svc.ReadFile(ctx, name, path)
	if err != nil {
		return toolError("read file", err), nil
	}
	return mcp.NewToolResultText(content), nil
}

func (s *Server) handleWriteFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("project parameter is required"), nil
	}
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("path parameter is required"), nil
	}
	content, err := request.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError("content parameter is required"), nil
	}

	file, err := s.svc.WriteFile(ctx, name, path, content, AgentOrigin)
	if err != nil {
		return toolError("write file", err), nil
	}
	return encoded(FileEntry{
		Project:  file.Project,
		Path:     file.Path,
		Size:     file.Size,
		Excluded: file.Excluded,
	}, "json")
}

func (s *Server) handleDeleteFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("project parameter is required"), nil
	}
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("path parameter is required"), nil
	}

	if err := s.svc.DeleteFile(ctx, name, path, AgentOrigin); err != nil {
		return toolError("delete file", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("deleted %s", path)), nil
}

func (s *Server) handleRenameFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("project parameter is required"), nil
	}
	oldPath, err := request.RequireString("old_path")
	if err != nil {
		return mcp.NewToolResultError("old_path parameter is required"), nil
	}
	newPath, err := request.RequireString("new_path")
	if err != nil {
		return mcp.NewToolResultError("new_path parameter is required"), nil
	}

	if err := s.svc.RenameFile(ctx, name, oldPath, newPath, AgentOrigin); err != nil {
		return toolError("rename file", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("renamed %s to %s", oldPath, newPath)), nil
}

func (s *Server) handleCopyFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("project parameter is required"), nil
	}
	src, err := request.RequireString("source_path")
	if err != nil {
		return mcp.NewToolResultError("source_path parameter is required"), nil
	}
	dst, err := request.RequireString("dest_path")
	if err != nil {
		return mcp.NewToolResultError("dest_path parameter is required"), nil
	}

	file, err := s.svc.CopyFile(ctx, name, src, dst, AgentOrigin)
	if err != nil {
		return toolError("copy file", err), nil
	}
	return encoded(FileEntry{
		Project:  file.Project,
		Path:     file.Path,
		Size:     file.Size,
		Excluded: file.Excluded,
	}, "json")
}

// Serve starts the MCP server using stdio transport.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

// formatBytes formats bytes to human readable string.
func formatBytes(b int64) string {
	if b == 0 {
		return "0 B"
	}
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
