// Package cli implements the wsync command line.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/devdost/wsync/config"
	"github.com/devdost/wsync/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version is set at build time.
var Version = "dev"

var (
	rootDir  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "wsync",
	Short: "Live two-way sync between a project folder and its editors",
	Long: `wsync keeps a folder of projects on disk and every connected editor in sync.

Edits made through the HTTP API, the websocket channel or an MCP agent are
written to disk and broadcast to the other clients. Changes made on disk by
other tools are detected by the watcher and broadcast to everyone.`,
	SilenceUsage: true,
	Version:      Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootDir, "root", "r", "", "Sync root directory (default: $WSYNC_ROOT or the current directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// resolveRoot picks the sync root: the flag, then the environment, then the
// working directory.
func resolveRoot() (string, error) {
	root := rootDir
	if root == "" {
		root = os.Getenv(config.EnvRoot)
	}
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get current directory: %w", err)
		}
		root = cwd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve sync root: %w", err)
	}
	return abs, nil
}

// loadConfig reads the configuration of the sync root. The environment
// overrides the file and the flags override both.
func loadConfig() (*config.Config, error) {
	root, err := resolveRoot()
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadOrDefault(root)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if rootDir != "" {
		cfg.Root = root
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}
