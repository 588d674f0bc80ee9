package testsupport

import (
	"testing"

	"courier/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config rooted in a unique temp directory per test with
// the inbox/logs/processed layout already created.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Paths.BaseDir = t.TempDir()
	cfg.Server.URL = "http://127.0.0.1:0"
	cfg.Server.APIKey = "test-key"

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	return &cfg
}

// WithServerURL points the test config at the provided server URL.
func WithServerURL(url string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Server.URL = url
	}
}

// WithAPIKey sets the API key on the test config.
func WithAPIKey(key string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Server.APIKey = key
	}
}
