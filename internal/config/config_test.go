package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Transfer.IOWorkers != 32 {
		t.Errorf("unexpected default io_workers: %d", cfg.Transfer.IOWorkers)
	}
	if !cfg.Transfer.VerifyHashes {
		t.Error("hash verification should default on")
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
logging:
  format: json
  level: debug
transfer:
  io_workers: 8
  component_size: 1048576
listing:
  chunk_size: 100
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "debug" {
		t.Errorf("logging config not applied: %+v", cfg.Logging)
	}
	if cfg.Transfer.IOWorkers != 8 {
		t.Errorf("io_workers not applied: %d", cfg.Transfer.IOWorkers)
	}
	if cfg.Transfer.ComponentSize != 1048576 {
		t.Errorf("component_size not applied: %d", cfg.Transfer.ComponentSize)
	}
	// Unset fields keep their defaults.
	if cfg.Transfer.CPUWorkers < 1 {
		t.Errorf("cpu_workers default lost: %d", cfg.Transfer.CPUWorkers)
	}
	if cfg.Listing.ChunkSize != 100 {
		t.Errorf("chunk_size not applied: %d", cfg.Listing.ChunkSize)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CLOUDHAUL_IO_WORKERS", "4")
	t.Setenv("CLOUDHAUL_VERIFY_HASHES", "false")
	t.Setenv("CLOUDHAUL_METRICS_ADDRESS", ":9999")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Transfer.IOWorkers != 4 {
		t.Errorf("env io_workers not applied: %d", cfg.Transfer.IOWorkers)
	}
	if cfg.Transfer.VerifyHashes {
		t.Error("env verify_hashes not applied")
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Address != ":9999" {
		t.Errorf("env metrics address not applied: %+v", cfg.Metrics)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	for _, mutate := range []func(*Config){
		func(c *Config) { c.Transfer.IOWorkers = 0 },
		func(c *Config) { c.Transfer.CPUWorkers = 0 },
		func(c *Config) { c.Transfer.ComponentSize = 0 },
		func(c *Config) { c.Listing.ChunkSize = 0 },
		func(c *Config) { c.Listing.MaxOpenFiles = 1 },
	} {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("expected validation error for %+v", cfg)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
