// Package config loads, normalizes, and validates the TOML configuration and
// derives the inbox/logs/processed directory layout from the base folder.
package config
