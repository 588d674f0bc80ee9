package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks configuration invariants. URL and key requirements that
// depend on the selected action are enforced by the command layer, not here.
func (c *Config) Validate() error {
	if c.Server.URL != "" {
		parsed, err := url.Parse(c.Server.URL)
		if err != nil {
			return fmt.Errorf("server.url: %w", err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("server.url: unsupported scheme %q", parsed.Scheme)
		}
		if parsed.Host == "" {
			return fmt.Errorf("server.url: missing host")
		}
	}

	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}

	if strings.TrimSpace(c.Paths.BaseDir) == "" {
		return fmt.Errorf("paths.base_dir: must not be empty")
	}
	return nil
}
