package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeServer()
	c.normalizeUpload()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	if strings.TrimSpace(c.Paths.BaseDir) == "" {
		c.Paths.BaseDir = defaultBaseDir
	}
	expanded, err := expandPath(c.Paths.BaseDir)
	if err != nil {
		return fmt.Errorf("paths.base_dir: %w", err)
	}
	c.Paths.BaseDir = expanded
	return nil
}

func (c *Config) normalizeServer() {
	c.Server.URL = strings.TrimRight(strings.TrimSpace(c.Server.URL), "/")
	c.Server.APIKey = strings.TrimSpace(c.Server.APIKey)
}

func (c *Config) normalizeUpload() {
	if c.Upload.BatchSize <= 0 {
		c.Upload.BatchSize = defaultBatchSize
	}
	if c.Upload.PollingInterval <= 0 {
		c.Upload.PollingInterval = defaultPollingInterval
	}
	if c.Upload.ChunkThresholdMB <= 0 {
		c.Upload.ChunkThresholdMB = defaultChunkThresholdMB
	}
	if c.Upload.MaxRetries <= 0 {
		c.Upload.MaxRetries = defaultMaxRetries
	}
	if c.Upload.WakeupAttempts <= 0 {
		c.Upload.WakeupAttempts = defaultWakeupAttempts
	}
	if c.Upload.WakeupInterval <= 0 {
		c.Upload.WakeupInterval = defaultWakeupInterval
	}
	if c.Upload.LockStaleMinutes <= 0 {
		c.Upload.LockStaleMinutes = defaultLockStaleMinutes
	}
	if c.Watch.DebounceSeconds <= 0 {
		c.Watch.DebounceSeconds = defaultWatchDebounce
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
