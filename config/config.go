package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/devdost/wsync/filter"
	"github.com/devdost/wsync/internal/fileutil"
	"gopkg.in/yaml.v3"
)

const (
	ConfigDir      = ".wsync"
	ConfigFileName = "config.yaml"
	RunDirName     = "run"

	EnvRoot     = "WSYNC_ROOT"
	EnvAddr     = "WSYNC_ADDR"
	EnvLogLevel = "WSYNC_LOG_LEVEL"
)

type Config struct {
	Version int          `yaml:"version"`
	Root    string       `yaml:"root,omitempty"`
	Watch   WatchConfig  `yaml:"watch"`
	Sync    SyncConfig   `yaml:"sync"`
	Server  ServerConfig `yaml:"server"`
	Log     LogConfig    `yaml:"log"`
	Runner  RunnerConfig `yaml:"runner"`
}

type WatchConfig struct {
	DebounceMs int `yaml:"debounce_ms"`
	SettleMs   int `yaml:"settle_ms"`
}

type SyncConfig struct {
	MaxFileSize      int64    `yaml:"max_file_size"`
	QueueSize        int      `yaml:"queue_size"`
	LedgerTTLMs      int      `yaml:"ledger_ttl_ms"`
	Ignore           []string `yaml:"ignore"`
	BinaryExtensions []string `yaml:"binary_extensions,omitempty"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // console | json
}

type RunnerConfig struct {
	GraceMs int `yaml:"grace_ms"`
}

func (w WatchConfig) Debounce() time.Duration {
	return time.Duration(w.DebounceMs) * time.Millisecond
}

func (w WatchConfig) Settle() time.Duration {
	return time.Duration(w.SettleMs) * time.Millisecond
}

func (s SyncConfig) LedgerTTL() time.Duration {
	return time.Duration(s.LedgerTTLMs) * time.Millisecond
}

func (r RunnerConfig) Grace() time.Duration {
	return time.Duration(r.GraceMs) * time.Millisecond
}

// FilterOptions converts the sync section for the content filter. An empty
// binary extension list keeps the built-in one.
func (s SyncConfig) FilterOptions() filter.Options {
	return filter.Options{
		IgnorePatterns:   s.Ignore,
		BinaryExtensions: s.BinaryExtensions,
		MaxFileSize:      s.MaxFileSize,
	}
}

func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Watch: WatchConfig{
			DebounceMs: 500,
			SettleMs:   100,
		},
		Sync: SyncConfig{
			MaxFileSize: filter.DefaultMaxFileSize,
			QueueSize:   256,
			LedgerTTLMs: 5000,
			Ignore: []string{
				".venv",
				"venv",
				".next",
				".cache",
				".DS_Store",
			},
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8765",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Runner: RunnerConfig{
			GraceMs: 5000,
		},
	}
}

func GetConfigDir(root string) string {
	return filepath.Join(root, ConfigDir)
}

func GetConfigPath(root string) string {
	return filepath.Join(GetConfigDir(root), ConfigFileName)
}

// GetRunDir returns the directory holding process runner state.
func GetRunDir(root string) string {
	return filepath.Join(GetConfigDir(root), RunDirName)
}

// Load reads <root>/.wsync/config.yaml. The returned config has defaults
// applied and Root set to root when the file does not name one.
func Load(root string) (*Config, error) {
	cfg, err := LoadFile(GetConfigPath(root))
	if err != nil {
		return nil, err
	}
	if cfg.Root == "" {
		cfg.Root = root
	}
	return cfg, nil
}

func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply defaults for missing values (older or hand-written files)
	cfg.applyDefaults()

	return &cfg, nil
}

// LoadOrDefault loads the config of root if one exists and falls back to
// the defaults otherwise.
func LoadOrDefault(root string) (*Config, error) {
	if !Exists(root) {
		cfg := DefaultConfig()
		cfg.Root = root
		return cfg, nil
	}
	return Load(root)
}

// applyDefaults fills in missing configuration values with defaults.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.Version == 0 {
		c.Version = defaults.Version
	}

	// Watch defaults
	if c.Watch.DebounceMs <= 0 {
		c.Watch.DebounceMs = defaults.Watch.DebounceMs
	}
	if c.Watch.SettleMs <= 0 {
		c.Watch.SettleMs = defaults.Watch.SettleMs
	}

	// Sync defaults
	if c.Sync.MaxFileSize <= 0 {
		c.Sync.MaxFileSize = defaults.Sync.MaxFileSize
	}
	if c.Sync.QueueSize <= 0 {
		c.Sync.QueueSize = defaults.Sync.QueueSize
	}
	if c.Sync.LedgerTTLMs <= 0 {
		c.Sync.LedgerTTLMs = defaults.Sync.LedgerTTLMs
	}

	if c.Server.Addr == "" {
		c.Server.Addr = defaults.Server.Addr
	}

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Runner.GraceMs <= 0 {
		c.Runner.GraceMs = defaults.Runner.GraceMs
	}
}

// ApplyEnv overrides settings from WSYNC_* environment variables. It runs
// after the file is loaded so the environment wins.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvRoot)); v != "" {
		c.Root = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAddr)); v != "" {
		c.Server.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
}

// Save writes the config to <root>/.wsync/config.yaml atomically.
func (c *Config) Save(root string) error {
	configDir := GetConfigDir(root)

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	w := &fileutil.AtomicWriter{FileMode: 0600}
	if err := w.Write(GetConfigPath(root), data); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func Exists(root string) bool {
	_, err := os.Stat(GetConfigPath(root))
	return err == nil
}
