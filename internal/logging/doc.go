// Package logging builds slog loggers with console and JSON handlers and
// provides standardized field keys and context helpers for the upload
// pipeline.
package logging
