// Package config loads engine configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/cloudhaul/cloudhaul/internal/logging"
)

// Config is the root configuration for the transfer engine.
type Config struct {
	Logging  logging.Config `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Transfer TransferConfig `yaml:"transfer"`
	Listing  ListingConfig  `yaml:"listing"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // e.g. ":9090"
}

// TransferConfig controls the executor and the transfer tasks.
type TransferConfig struct {
	IOWorkers          int    `yaml:"io_workers"`           // network/disk fan-out
	CPUWorkers         int    `yaml:"cpu_workers"`          // hashing, (de)compression
	ComponentSize      int64  `yaml:"component_size"`       // bytes per slice/part
	ComponentThreshold int64  `yaml:"component_threshold"`  // below this, single-shot
	VerifyHashes       bool   `yaml:"verify_hashes"`
	TrackerDir         string `yaml:"tracker_dir"`
	PreserveACL        bool   `yaml:"preserve_acl"`
}

// ListingConfig controls the sorted container listing.
type ListingConfig struct {
	ChunkSize    int    `yaml:"chunk_size"`     // objects per chunk file
	ScratchDir   string `yaml:"scratch_dir"`    // chunk file directory
	MaxOpenFiles int    `yaml:"max_open_files"` // merge reader budget
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Logging: logging.Config{Format: "text", Level: "info"},
		Metrics: MetricsConfig{Enabled: false, Address: ":9090"},
		Transfer: TransferConfig{
			IOWorkers:          32,
			CPUWorkers:         runtime.GOMAXPROCS(0),
			ComponentSize:      64 << 20,
			ComponentThreshold: 128 << 20,
			VerifyHashes:       true,
			TrackerDir:         defaultTrackerDir(),
		},
		Listing: ListingConfig{
			ChunkSize:    50000,
			ScratchDir:   os.TempDir(),
			MaxOpenFiles: 512,
		},
	}
}

func defaultTrackerDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cloudhaul/tracker"
	}
	return home + "/.cloudhaul/tracker"
}

// Load reads the YAML file at path (if non-empty), applies environment
// overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Logging.Format = getenvDefault("CLOUDHAUL_LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Level = getenvDefault("CLOUDHAUL_LOG_LEVEL", cfg.Logging.Level)

	cfg.Transfer.IOWorkers = getenvInt("CLOUDHAUL_IO_WORKERS", cfg.Transfer.IOWorkers)
	cfg.Transfer.CPUWorkers = getenvInt("CLOUDHAUL_CPU_WORKERS", cfg.Transfer.CPUWorkers)
	cfg.Transfer.ComponentSize = getenvInt64("CLOUDHAUL_COMPONENT_SIZE", cfg.Transfer.ComponentSize)
	cfg.Transfer.ComponentThreshold = getenvInt64("CLOUDHAUL_COMPONENT_THRESHOLD", cfg.Transfer.ComponentThreshold)
	cfg.Transfer.TrackerDir = getenvDefault("CLOUDHAUL_TRACKER_DIR", cfg.Transfer.TrackerDir)
	if v := os.Getenv("CLOUDHAUL_VERIFY_HASHES"); v != "" {
		cfg.Transfer.VerifyHashes = v == "true"
	}

	cfg.Listing.ChunkSize = getenvInt("CLOUDHAUL_LISTING_CHUNK_SIZE", cfg.Listing.ChunkSize)
	cfg.Listing.ScratchDir = getenvDefault("CLOUDHAUL_LISTING_SCRATCH_DIR", cfg.Listing.ScratchDir)

	if v := os.Getenv("CLOUDHAUL_METRICS_ADDRESS"); v != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = v
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	if c.Transfer.IOWorkers < 1 {
		return fmt.Errorf("transfer.io_workers must be >= 1, got %d", c.Transfer.IOWorkers)
	}
	if c.Transfer.CPUWorkers < 1 {
		return fmt.Errorf("transfer.cpu_workers must be >= 1, got %d", c.Transfer.CPUWorkers)
	}
	if c.Transfer.ComponentSize < 1 {
		return fmt.Errorf("transfer.component_size must be >= 1, got %d", c.Transfer.ComponentSize)
	}
	if c.Listing.ChunkSize < 1 {
		return fmt.Errorf("listing.chunk_size must be >= 1, got %d", c.Listing.ChunkSize)
	}
	if c.Listing.MaxOpenFiles < 2 {
		return fmt.Errorf("listing.max_open_files must be >= 2, got %d", c.Listing.MaxOpenFiles)
	}
	return nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}
