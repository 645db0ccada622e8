// Package config handles configuration loading and validation for shmstore.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shmstore/shmstore/pkg/bytesize"
)

// BackingConfig holds configuration for the shared-memory backing store.
type BackingConfig struct {
	// Directory is where segment files are created. Point it at a tmpfs
	// mount such as /dev/shm to keep object bytes in memory.
	Directory string `yaml:"directory"`
	// HugePages marks Directory as a hugetlbfs mount.
	HugePages bool `yaml:"huge_pages"`
}

// MetricsConfig holds configuration for the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Config holds configuration for the store daemon.
type Config struct {
	// Socket is the unix socket path clients connect to.
	Socket string `yaml:"socket"`
	// Capacity bounds the rounded bytes live per placement domain.
	Capacity bytesize.Size `yaml:"capacity"`
	Backing  BackingConfig `yaml:"backing"`
	Metrics  MetricsConfig `yaml:"metrics"`
	LogLevel string        `yaml:"log_level"`
}

// Load reads daemon configuration from a YAML file. A missing file is not
// an error when path is empty; defaults apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	// Apply defaults
	if cfg.Socket == "" {
		cfg.Socket = "/tmp/shmstore.sock"
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = bytesize.Size(bytesize.GB)
	}
	if cfg.Backing.Directory == "" {
		cfg.Backing.Directory = "/dev/shm/shmstore"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9823"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	// Expand home directory in paths
	cfg.Socket = expandHome(cfg.Socket)
	cfg.Backing.Directory = expandHome(cfg.Backing.Directory)

	return cfg, nil
}

// Validate checks if the daemon configuration is valid.
func (c *Config) Validate() error {
	if c.Socket == "" {
		return fmt.Errorf("socket path is required")
	}
	if c.Capacity.Bytes() <= 0 {
		return fmt.Errorf("capacity must be positive, got %d", c.Capacity.Bytes())
	}
	if c.Backing.Directory == "" {
		return fmt.Errorf("backing directory is required")
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level: %q", c.LogLevel)
	}
	return nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}
