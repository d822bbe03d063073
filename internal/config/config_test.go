package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
logging:
  level: "INFO"

core:
  enable_nfsv3: true
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Logging.Format != "text" {
		t.Errorf("expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Core.ShutdownTimeout != 30*time.Second {
		t.Errorf("expected default shutdown_timeout 30s, got %v", cfg.Core.ShutdownTimeout)
	}
	if cfg.Core.NFSPort != 2049 {
		t.Errorf("expected default NFS port 2049, got %d", cfg.Core.NFSPort)
	}
	if cfg.GSS.ContextPartitions != 16 {
		t.Errorf("expected default gss partitions 16, got %d", cfg.GSS.ContextPartitions)
	}
	if cfg.DRC.Backend != "memory" {
		t.Errorf("expected default drc backend 'memory', got %q", cfg.DRC.Backend)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	nonExistentPath := filepath.Join(tmpDir, "nonexistent.yaml")

	cfg, err := Load(nonExistentPath)
	if err != nil {
		t.Fatalf("expected no error with missing config file, got: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("expected default level 'INFO', got %q", cfg.Logging.Level)
	}
	if !cfg.Core.EnableNFSv3 {
		t.Errorf("expected NFSv3 enabled by default when no versions configured")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")
	if err := os.WriteFile(configPath, []byte("logging: [unterminated"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatalf("expected error loading invalid YAML")
	}
}

func TestValidate_RejectsBadLogLevel(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Logging.Level = "VERBOSE"

	if err := Validate(cfg); err == nil {
		t.Fatalf("expected validation error for bad log level")
	}
}

func TestValidate_BadgerRequiresPath(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.DRC.Backend = "badger"
	cfg.DRC.Path = ""

	if err := Validate(cfg); err == nil {
		t.Fatalf("expected validation error for badger backend without path")
	}
}

func TestApplyDefaults_AllNFSVersToggle(t *testing.T) {
	cfg := &Config{}
	cfg.Core.AllNFSVers = true
	ApplyDefaults(cfg)

	if !cfg.Core.EnableNFSv3 || !cfg.Core.EnableNFSv4 {
		t.Errorf("expected all_nfs_vers to enable both NFSv3 and NFSv4")
	}
}
