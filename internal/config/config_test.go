package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"courier/internal/config"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, _, exists, err := config.Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if exists {
		t.Fatal("expected exists=false for missing file")
	}
	if cfg.Upload.BatchSize != 5 || cfg.Upload.MaxRetries != 3 || cfg.Upload.ChunkThresholdMB != 25 {
		t.Fatalf("unexpected defaults: %+v", cfg.Upload)
	}
	if cfg.Logging.Format != "console" || cfg.Logging.Level != "info" {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestLoadParsesAndNormalizes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
[server]
url = "https://mms.example.com/"
api_key = "  key-123  "

[paths]
base_dir = "` + dir + `"

[upload]
batch_size = 2
polling_interval = 1
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected config at %s to be read, got %s exists=%v", path, resolved, exists)
	}
	if cfg.Server.URL != "https://mms.example.com" {
		t.Fatalf("expected trailing slash stripped, got %q", cfg.Server.URL)
	}
	if cfg.Server.APIKey != "key-123" {
		t.Fatalf("expected trimmed key, got %q", cfg.Server.APIKey)
	}
	if cfg.Upload.BatchSize != 2 || cfg.Upload.PollingInterval != 1 {
		t.Fatalf("expected file overrides, got %+v", cfg.Upload)
	}
	if cfg.Upload.MaxRetries != 3 {
		t.Fatalf("expected unset values to keep defaults, got %+v", cfg.Upload)
	}
}

func TestValidateRejectsBadURL(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.BaseDir = t.TempDir()
	cfg.Server.URL = "ftp://example.com"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestValidateRejectsBadLogFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
[paths]
base_dir = "` + dir + `"

[logging]
format = "xml"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, _, err := config.Load(path); err == nil || !strings.Contains(err.Error(), "logging.format") {
		t.Fatalf("expected logging.format error, got %v", err)
	}
}

func TestEnsureDirectoriesCreatesLayout(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.BaseDir = filepath.Join(t.TempDir(), "base")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, dir := range []string{cfg.InboxDir(), cfg.LogDir(), cfg.ProcessedDir()} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s, err=%v", dir, err)
		}
	}
	if filepath.Dir(cfg.LockPath()) != cfg.LogDir() {
		t.Fatalf("lock path should live in logs dir: %s", cfg.LockPath())
	}
}

func TestSampleConfigParses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.toml")
	if err := os.WriteFile(path, []byte(config.SampleConfig()), 0o644); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	if _, _, _, err := config.Load(path); err != nil {
		t.Fatalf("sample config should load cleanly: %v", err)
	}
}
