package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/devdost/wsync/config"
	"github.com/spf13/cobra"
)

var (
	initAddr        string
	initMaxFileSize int64
	initIgnore      []string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sync root in the current directory",
	Long: `Initialize a sync root by creating a .wsync directory with configuration.

This command will:
- Create .wsync/config.yaml with default settings
- Apply --addr, --max-file-size and --ignore on top of the defaults
- Add .wsync/ to .gitignore if present

Every directory of the sync root whose name is a valid project name is a
project; run 'wsync projects create <name>' to add one.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initAddr, "addr", "", "Gateway listen address")
	initCmd.Flags().Int64Var(&initMaxFileSize, "max-file-size", 0, "Size ceiling in bytes for synchronized files")
	initCmd.Flags().StringSliceVar(&initIgnore, "ignore", nil, "Extra gitignore-style patterns to leave out of sync")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	root, err := resolveRoot()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	// Check if already initialized
	if config.Exists(root) {
		fmt.Fprintln(out, "wsync is already initialized in this directory.")
		fmt.Fprintf(out, "Configuration: %s\n", config.GetConfigPath(root))
		return nil
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("failed to create sync root: %w", err)
	}

	cfg := config.DefaultConfig()
	if initAddr != "" {
		cfg.Server.Addr = initAddr
	}
	if initMaxFileSize > 0 {
		cfg.Sync.MaxFileSize = initMaxFileSize
	}
	cfg.Sync.Ignore = append(cfg.Sync.Ignore, initIgnore...)

	if err := cfg.Save(root); err != nil {
		return err
	}

	if err := addToGitignore(root, config.ConfigDir+"/"); err != nil {
		fmt.Fprintf(out, "Warning: could not update .gitignore: %v\n", err)
	}

	fmt.Fprintln(out, "wsync initialized.")
	fmt.Fprintf(out, "Configuration: %s\n", config.GetConfigPath(root))
	fmt.Fprintf(out, "Run 'wsync serve' to start syncing on %s\n", cfg.Server.Addr)
	return nil
}

// addToGitignore appends entry to an existing .gitignore in dir.
func addToGitignore(dir, entry string) error {
	path := filepath.Join(dir, ".gitignore")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == entry {
			return nil
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	prefix := ""
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		prefix = "\n"
	}
	_, err = fmt.Fprintf(f, "%s%s\n", prefix, entry)
	return err
}
