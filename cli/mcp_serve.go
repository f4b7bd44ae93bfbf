package cli

import (
	"fmt"
	"os"

	"github.com/devdost/wsync/filter"
	"github.com/devdost/wsync/internal/logging"
	"github.com/devdost/wsync/mcp"
	"github.com/devdost/wsync/registry"
	"github.com/devdost/wsync/workspace"
	"github.com/spf13/cobra"
)

var mcpServeCmd = &cobra.Command{
	Use:   "mcp-serve",
	Short: "Start wsync as an MCP server",
	Long: `Start wsync as an MCP (Model Context Protocol) server.

This lets AI agents read and edit the projects of the sync root through the
MCP protocol. The server communicates via stdio and exposes the following tools:

  - wsync_list_projects: List the projects of the sync root
  - wsync_create_project: Create an empty project
  - wsync_delete_project: Delete a project and its files
  - wsync_project_info: Count the files and directories of a project
  - wsync_list_files: List the text files of a project
  - wsync_read_file: Read a file
  - wsync_write_file: Create or replace a file
  - wsync_delete_file: Delete a file or directory
  - wsync_rename_file: Move a file or directory
  - wsync_copy_file: Copy a file

Edits land on disk; a running 'wsync serve' on the same root picks them up
and broadcasts them to the open editors.

Configuration for Claude Code:
  claude mcp add wsync -- wsync mcp-serve --root /path/to/projects

Configuration for Cursor (.cursor/mcp.json):
  {
    "mcpServers": {
      "wsync": {
        "command": "wsync",
        "args": ["mcp-serve", "--root", "/path/to/projects"]
      }
    }
  }`,
	Args: cobra.NoArgs,
	RunE: runMCPServe,
}

func init() {
	rootCmd.AddCommand(mcpServeCmd)
}

func runMCPServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// stdout carries the protocol; logs go to stderr.
	logger, err := logging.NewWithWriter(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	reg, err := registry.New(cfg.Root, logger.Named("registry"))
	if err != nil {
		return err
	}
	svc := workspace.New(reg, workspace.Options{
		Filter: filter.New(cfg.Sync.FilterOptions()),
		Logger: logger.Named("workspace"),
	})

	srv := mcp.NewServer(svc, logger.Named("mcp"))
	return srv.Serve()
}
