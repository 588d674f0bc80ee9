package main

import (
	"errors"
	"log/slog"
	"strings"
	"sync"

	"courier/internal/config"
	"courier/internal/logging"
	"courier/internal/uploader"
)

// commandFlags holds the persistent flag values shared by every subcommand.
// Non-empty values override whatever the config file supplies.
type commandFlags struct {
	configPath      string
	serverURL       string
	apiKey          string
	folder          string
	batchSize       int
	pollingInterval int
	verbose         bool
}

type commandContext struct {
	flags *commandFlags

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(flags *commandFlags) *commandContext {
	return &commandContext{flags: flags}
}

// ensureConfig loads the configuration once, applies flag overrides, and
// creates the folder layout. Later calls return the cached result.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, _, _, err := config.Load(strings.TrimSpace(c.flags.configPath))
		if err != nil {
			c.configErr = err
			return
		}
		c.applyOverrides(cfg)
		if err := cfg.Validate(); err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) applyOverrides(cfg *config.Config) {
	if v := strings.TrimSpace(c.flags.serverURL); v != "" {
		cfg.Server.URL = v
	}
	if v := strings.TrimSpace(c.flags.apiKey); v != "" {
		cfg.Server.APIKey = v
	}
	if v := strings.TrimSpace(c.flags.folder); v != "" {
		if expanded, err := config.ExpandPath(v); err == nil {
			v = expanded
		}
		cfg.Paths.BaseDir = v
	}
	if c.flags.batchSize > 0 {
		cfg.Upload.BatchSize = c.flags.batchSize
	}
	if c.flags.pollingInterval > 0 {
		cfg.Upload.PollingInterval = c.flags.pollingInterval
	}
	if c.flags.verbose {
		cfg.Logging.Level = "debug"
	}
}

// newLogger builds the run logger writing to both the terminal and the log
// file inside the configured folder.
func (c *commandContext) newLogger(cfg *config.Config) (*slog.Logger, error) {
	return logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", cfg.LogFilePath()},
	})
}

// quietLogger is for read-only commands where run logs would drown the
// rendered output; it writes to the log file only.
func (c *commandContext) quietLogger(cfg *config.Config) (*slog.Logger, error) {
	return logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		Format:      "json",
		OutputPaths: []string{cfg.LogFilePath()},
	})
}

func (c *commandContext) newOrchestrator(cfg *config.Config, logger *slog.Logger) *uploader.Orchestrator {
	return uploader.New(cfg, logger)
}

// requireServer loads the config and insists on a server URL, which the
// config file may legitimately leave empty until first use.
func (c *commandContext) requireServer() (*config.Config, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Server.URL) == "" {
		return nil, errors.New("no server URL configured; set server.url in the config file or pass --url")
	}
	return cfg, nil
}
