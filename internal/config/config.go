package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Server contains remote service connection settings.
type Server struct {
	URL    string `toml:"url"`
	APIKey string `toml:"api_key"`
}

// Paths contains the base directory under which the inbox, logs, and
// processed directories live.
type Paths struct {
	BaseDir string `toml:"base_dir"`
}

// Upload contains batch, retry, and pacing settings for upload runs.
type Upload struct {
	BatchSize        int `toml:"batch_size"`
	PollingInterval  int `toml:"polling_interval"`
	ChunkThresholdMB int `toml:"chunk_threshold_mib"`
	MaxRetries       int `toml:"max_retries"`
	WakeupAttempts   int `toml:"wakeup_attempts"`
	WakeupInterval   int `toml:"wakeup_interval"`
	LockStaleMinutes int `toml:"lock_stale_minutes"`
}

// Watch contains settings for the inbox watch mode.
type Watch struct {
	DebounceSeconds int `toml:"debounce_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for Courier.
type Config struct {
	Server  Server  `toml:"server"`
	Paths   Paths   `toml:"paths"`
	Upload  Upload  `toml:"upload"`
	Watch   Watch   `toml:"watch"`
	Logging Logging `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration
// file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/courier/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized. The second return
// value is the resolved config path and the third reports whether a file
// was actually read.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	return defaultPath, false, nil
}

// InboxDir returns the inbox directory under the base folder.
func (c *Config) InboxDir() string { return filepath.Join(c.Paths.BaseDir, "inbox") }

// LogDir returns the logs directory under the base folder.
func (c *Config) LogDir() string { return filepath.Join(c.Paths.BaseDir, "logs") }

// ProcessedDir returns the processed directory under the base folder.
func (c *Config) ProcessedDir() string { return filepath.Join(c.Paths.BaseDir, "processed") }

// LockPath returns the instance lock token location.
func (c *Config) LockPath() string { return filepath.Join(c.LogDir(), "uploader.lock") }

// LogFilePath returns the append-only run log location.
func (c *Config) LogFilePath() string { return filepath.Join(c.LogDir(), "uploader.log") }

// HistoryDBPath returns the run-history database location.
func (c *Config) HistoryDBPath() string { return filepath.Join(c.LogDir(), "history.db") }

// LockStaleness returns the lock staleness threshold as a duration.
func (c *Config) LockStaleness() time.Duration {
	return time.Duration(c.Upload.LockStaleMinutes) * time.Minute
}

// ChunkThreshold returns the chunk threshold in bytes; files larger than
// this upload in chunks of the same size.
func (c *Config) ChunkThreshold() int64 {
	return int64(c.Upload.ChunkThresholdMB) * 1024 * 1024
}

// PollingIntervalDuration returns the busy-poll interval as a duration.
func (c *Config) PollingIntervalDuration() time.Duration {
	return time.Duration(c.Upload.PollingInterval) * time.Second
}

// WakeupIntervalDuration returns the wake-up retry interval as a duration.
func (c *Config) WakeupIntervalDuration() time.Duration {
	return time.Duration(c.Upload.WakeupInterval) * time.Second
}

// WatchDebounce returns the inbox quiet time before a watch-triggered run.
func (c *Config) WatchDebounce() time.Duration {
	return time.Duration(c.Watch.DebounceSeconds) * time.Second
}

// EnsureDirectories creates the inbox, logs, and processed directories if
// they do not already exist.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.InboxDir(), c.LogDir(), c.ProcessedDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// SampleConfig returns the embedded sample configuration document.
func SampleConfig() string {
	return sampleConfig
}

// CreateSample writes the embedded sample configuration to target.
func CreateSample(target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(target, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// ExpandPath resolves ~ and relative segments to an absolute path.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

func expandPath(pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return "", errors.New("empty path")
	}
	if pathValue == "~" || strings.HasPrefix(pathValue, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			return home, nil
		}
		pathValue = filepath.Join(home, pathValue[2:])
	}
	return filepath.Abs(pathValue)
}
