package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/devdost/wsync/event"
	"github.com/devdost/wsync/registry"
	"github.com/devdost/wsync/syncbus"
	"github.com/devdost/wsync/workspace"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func newTestServer(t *testing.T) (*Server, *syncbus.Bus) {
	t.Helper()
	reg, err := registry.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("registry.New failed: %v", err)
	}
	bus := syncbus.New(syncbus.Options{})
	t.Cleanup(bus.Close)
	svc := workspace.New(reg, workspace.Options{Publisher: bus})
	if _, err := svc.CreateProject("todo"); err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
	return NewServer(svc, nil), bus
}

func call(t *testing.T, handler server.ToolHandlerFunc, args map[string]any) (*mcp.CallToolResult, string) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if len(result.Content) == 0 {
		t.Fatal("expected content in result")
	}
	content, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return result, content.Text
}

// TestWriteFile_BroadcastsWithAgentOrigin verifies that agent edits reach
// other subscribers tagged with the agent origin.
func TestWriteFile_BroadcastsWithAgentOrigin(t *testing.T) {
	s, bus := newTestServer(t)
	editor := bus.Subscribe("todo")

	result, text := call(t, s.handleWriteFile, map[string]any{
		"project": "todo",
		"path":    "src/App.jsx",
		"content": "export default () => null",
	})
	if result.IsError {
		t.Fatalf("unexpected error result: %s", text)
	}

	var entry FileEntry
	if err := json.Unmarshal([]byte(text), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry.Path != "src/App.jsx" || entry.Size != 25 {
		t.Errorf("unexpected entry: %+v", entry)
	}

	ev := <-editor.Events()
	if ev.Origin != AgentOrigin {
		t.Errorf("expected origin %q, got %q", AgentOrigin, ev.Origin)
	}
	if _, ok := ev.Change.(event.Created); !ok {
		t.Errorf("expected Created, got %T", ev.Change)
	}
}

func TestReadAfterWrite(t *testing.T) {
	s, _ := newTestServer(t)

	call(t, s.handleWriteFile, map[string]any{"project": "todo", "path": "index.html", "content": "<h1>Hi</h1>"})
	result, text := call(t, s.handleReadFile, map[string]any{"project": "todo", "path": "index.html"})
	if result.IsError {
		t.Fatalf("unexpected error result: %s", text)
	}
	if text != "<h1>Hi</h1>" {
		t.Errorf("expected file content, got %q", text)
	}
}

func TestToolErrors(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name        string
		handler     server.ToolHandlerFunc
		args        map[string]any
		errContains string
	}{
		{
			name:        "missing project",
			handler:     s.handleReadFile,
			args:        map[string]any{"path": "a.txt"},
			errContains: "project parameter is required",
		},
		{
			name:        "missing content",
			handler:     s.handleWriteFile,
			args:        map[string]any{"project": "todo", "path": "a.txt"},
			errContains: "content parameter is required",
		},
		{
			name:        "escape",
			handler:     s.handleWriteFile,
			args:        map[string]any{"project": "todo", "path": "../../etc/passwd", "content": "x"},
			errContains: "escapes",
		},
		{
			name:        "unknown project",
			handler:     s.handleListFiles,
			args:        map[string]any{"project": "ghost"},
			errContains: "ghost",
		},
		{
			name:        "missing file",
			handler:     s.handleDeleteFile,
			args:        map[string]any{"project": "todo", "path": "nope.txt"},
			errContains: "nope.txt",
		},
		{
			name:        "bad format",
			handler:     s.handleListProjects,
			args:        map[string]any{"format": "xml"},
			errContains: "format must be",
		},
		{
			name:        "copy missing source",
			handler:     s.handleCopyFile,
			args:        map[string]any{"project": "todo", "source_path": "nope.txt", "dest_path": "b.txt"},
			errContains: "nope.txt",
		},
		{
			name:        "copy without destination",
			handler:     s.handleCopyFile,
			args:        map[string]any{"project": "todo", "source_path": "a.txt"},
			errContains: "dest_path parameter is required",
		},
		{
			name:        "delete unknown project",
			handler:     s.handleDeleteProject,
			args:        map[string]any{"project": "ghost"},
			errContains: "ghost",
		},
		{
			name:        "duplicate project",
			handler:     s.handleCreateProject,
			args:        map[string]any{"project": "todo"},
			errContains: "todo",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, text := call(t, tt.handler, tt.args)
			if !result.IsError {
				t.Fatalf("expected error result, got %q", text)
			}
			if !strings.Contains(text, tt.errContains) {
				t.Errorf("expected error containing %q, got %q", tt.errContains, text)
			}
		})
	}
}

func TestRenameAndList(t *testing.T) {
	s, _ := newTestServer(t)

	call(t, s.handleWriteFile, map[string]any{"project": "todo", "path": "a.txt", "content": "a"})
	result, text := call(t, s.handleRenameFile, map[string]any{"project": "todo", "old_path": "a.txt", "new_path": "docs/b.txt"})
	if result.IsError {
		t.Fatalf("unexpected error result: %s", text)
	}

	_, text = call(t, s.handleListFiles, map[string]any{"project": "todo"})
	var listing struct {
		Files []string `json:"files"`
	}
	if err := json.Unmarshal([]byte(text), &listing); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if len(listing.Files) != 1 || listing.Files[0] != "docs/b.txt" {
		t.Errorf("unexpected files: %v", listing.Files)
	}
}

func TestListProjects_Toon(t *testing.T) {
	s, _ := newTestServer(t)
	call(t, s.handleCreateProject, map[string]any{"project": "chat"})

	result, text := call(t, s.handleListProjects, map[string]any{"format": "toon"})
	if result.IsError {
		t.Fatalf("unexpected error result: %s", text)
	}
	if !strings.Contains(text, "chat") || !strings.Contains(text, "todo") {
		t.Errorf("expected both projects in output, got %q", text)
	}
	if strings.HasPrefix(strings.TrimSpace(text), "{") {
		t.Errorf("toon output should not be JSON, got %q", text)
	}
}

func TestProjectInfo(t *testing.T) {
	s, _ := newTestServer(t)
	call(t, s.handleWriteFile, map[string]any{"project": "todo", "path": "src/a.txt", "content": strings.Repeat("x", 2048)})

	_, text := call(t, s.handleProjectInfo, map[string]any{"project": "todo"})
	var status ProjectStatus
	if err := json.Unmarshal([]byte(text), &status); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if status.Files != 1 || status.Directories != 1 || status.Size != "2.0 KB" {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1536, "1.5 KB"},
		{5 << 20, "5.0 MB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCopyFile_BroadcastsCreation(t *testing.T) {
	s, bus := newTestServer(t)
	call(t, s.handleWriteFile, map[string]any{"project": "todo", "path": "index.html", "content": "<h1>Hi</h1>"})
	editor := bus.Subscribe("todo")

	result, text := call(t, s.handleCopyFile, map[string]any{
		"project":     "todo",
		"source_path": "index.html",
		"dest_path":   "backup/index.html",
	})
	if result.IsError {
		t.Fatalf("unexpected error result: %s", text)
	}

	ev := <-editor.Events()
	created, ok := ev.Change.(event.Created)
	if !ok {
		t.Fatalf("expected Created, got %T", ev.Change)
	}
	if created.Path != "backup/index.html" || created.Content != "<h1>Hi</h1>" || ev.Origin != AgentOrigin {
		t.Errorf("unexpected event: %+v", ev)
	}

	_, text = call(t, s.handleReadFile, map[string]any{"project": "todo", "path": "backup/index.html"})
	if text != "<h1>Hi</h1>" {
		t.Errorf("expected copied content, got %q", text)
	}
}

func TestDeleteProject(t *testing.T) {
	s, _ := newTestServer(t)
	call(t, s.handleCreateProject, map[string]any{"project": "chat"})

	result, text := call(t, s.handleDeleteProject, map[string]any{"project": "chat"})
	if result.IsError {
		t.Fatalf("unexpected error result: %s", text)
	}

	_, text = call(t, s.handleListProjects, map[string]any{})
	if strings.Contains(text, "chat") {
		t.Errorf("deleted project still listed: %q", text)
	}
}
