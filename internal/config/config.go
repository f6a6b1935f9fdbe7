package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// StateDir holds one persisted state record per synchronized root.
	StateDir string `yaml:"state_dir"`
	// Workers bounds the hashing worker pool.
	Workers int `yaml:"workers"`
	// SSHBinary is the secure-shell client spawned by ssh-sync.
	SSHBinary string `yaml:"ssh_binary"`
	// WatchDebounce batches change notifications before a re-scan.
	WatchDebounce time.Duration `yaml:"watch_debounce"`
	// WatchInterval is the timer fallback for missed notifications.
	WatchInterval time.Duration `yaml:"watch_interval"`
}

func DefaultConfig() *Config {
	return &Config{
		StateDir:      defaultStateDir(),
		Workers:       runtime.NumCPU(),
		SSHBinary:     "ssh",
		WatchDebounce: 500 * time.Millisecond,
		WatchInterval: 30 * time.Second,
	}
}

func defaultStateDir() string {
	cache, err := os.UserCacheDir()
	if err != nil {
		return ".fync-state"
	}
	return filepath.Join(cache, "fync")
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	// Keep sane values when the file zeroes a field
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.StateDir == "" {
		cfg.StateDir = defaultStateDir()
	}
	if cfg.SSHBinary == "" {
		cfg.SSHBinary = "ssh"
	}
	if cfg.WatchDebounce <= 0 {
		cfg.WatchDebounce = 500 * time.Millisecond
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = 30 * time.Second
	}

	return cfg, nil
}
