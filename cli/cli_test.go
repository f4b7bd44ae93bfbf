package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/devdost/wsync/config"
	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"
)

func withCLIGlobals(t *testing.T) {
	t.Helper()
	oldRoot, oldLevel := rootDir, logLevel
	oldStats, oldOutput := projectsStats, exportOutput
	oldAddr, oldMax, oldIgnore := initAddr, initMaxFileSize, initIgnore
	t.Cleanup(func() {
		rootDir, logLevel = oldRoot, oldLevel
		projectsStats, exportOutput = oldStats, oldOutput
		initAddr, initMaxFileSize, initIgnore = oldAddr, oldMax, oldIgnore
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
	})
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestInitCreatesConfig(t *testing.T) {
	withCLIGlobals(t)
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, ".gitignore"), []byte("node_modules/"), 0644); err != nil {
		t.Fatalf("failed to write .gitignore: %v", err)
	}

	out, err := execute(t, "init", "--root", root, "--addr", "127.0.0.1:9999", "--ignore", "*.log")
	if err != nil {
		t.Fatalf("init failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "wsync initialized") {
		t.Errorf("unexpected output: %s", out)
	}

	cfg, err := config.Load(root)
	if err != nil {
		t.Fatalf("config.Load failed: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9999" {
		t.Errorf("expected addr from flag, got %s", cfg.Server.Addr)
	}
	if !contains(cfg.Sync.Ignore, "*.log") {
		t.Errorf("expected extra ignore pattern, got %v", cfg.Sync.Ignore)
	}

	data, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	if err != nil {
		t.Fatalf("failed to read .gitignore: %v", err)
	}
	if string(data) != "node_modules/\n.wsync/\n" {
		t.Errorf("unexpected .gitignore: %q", data)
	}

	out, err = execute(t, "init", "--root", root)
	if err != nil {
		t.Fatalf("second init failed: %v", err)
	}
	if !strings.Contains(out, "already initialized") {
		t.Errorf("expected already initialized message, got: %s", out)
	}
}

func TestProjectsCommands(t *testing.T) {
	withCLIGlobals(t)
	root := t.TempDir()

	if _, err := execute(t, "projects", "create", "todo", "--root", root); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := execute(t, "projects", "create", "todo", "--root", root); err == nil {
		t.Error("expected error creating a duplicate project")
	}
	if _, err := execute(t, "projects", "create", ".hidden", "--root", root); err == nil {
		t.Error("expected error for an invalid name")
	}
	if err := os.WriteFile(filepath.Join(root, "todo", "index.html"), []byte("<h1>Hi</h1>"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	out, err := execute(t, "projects", "list", "--root", root, "--stats")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(out, "todo\t1 files\t0 dirs\t11 bytes") {
		t.Errorf("unexpected list output: %q", out)
	}

	if _, err := execute(t, "projects", "delete", "todo", "--root", root); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "todo")); !os.IsNotExist(err) {
		t.Errorf("expected project directory to be removed, got %v", err)
	}
	projectsStats = false
	out, err = execute(t, "projects", "list", "--root", root)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(out, "No projects.") {
		t.Errorf("unexpected list output: %q", out)
	}
}

func TestExportWritesArchive(t *testing.T) {
	withCLIGlobals(t)
	root := t.TempDir()
	files := map[string]string{
		"todo/index.html":              "<h1>Hi</h1>",
		"todo/src/app.js":              "app()",
		"todo/node_modules/x/index.js": "ignored",
		"todo/logo.png":                "\x89PNG",
	}
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatalf("mkdir failed: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	dest := filepath.Join(t.TempDir(), "out", "todo.zip")
	if out, err := execute(t, "export", "todo", "--root", root, "-o", dest); err != nil {
		t.Fatalf("export failed: %v\n%s", err, out)
	}

	zr, err := zip.OpenReader(dest)
	if err != nil {
		t.Fatalf("failed to open archive: %v", err)
	}
	defer zr.Close()

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	if strings.Join(names, ",") != "index.html,src/app.js" {
		t.Errorf("unexpected archive entries: %v", names)
	}

	if _, err := execute(t, "export", "ghost", "--root", root, "-o", dest); err == nil {
		t.Error("expected error exporting an unknown project")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	root := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Root = root
	cfg.Server.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, zap.NewNop()) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}

func TestServeFailsOnMissingRoot(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Root = filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(cfg.Root, []byte("not a directory"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	cfg.Server.Addr = "127.0.0.1:0"

	if err := serve(context.Background(), cfg, zap.NewNop()); err == nil {
		t.Fatal("expected serve to fail when the root is a file")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
