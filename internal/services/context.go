package services

import "context"

type contextKey string

const (
	runIDKey    contextKey = "run_id"
	fileNameKey contextKey = "file"
	attemptKey  contextKey = "attempt"
)

// WithRunID annotates context with the upload run identifier.
func WithRunID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, runIDKey, id)
}

// RunIDFromContext extracts the upload run identifier if present.
func RunIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(runIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithFileName annotates context with the logical name of the file in flight.
func WithFileName(ctx context.Context, name string) context.Context {
	if name == "" {
		return ctx
	}
	return context.WithValue(ctx, fileNameKey, name)
}

// FileNameFromContext returns the in-flight file name if present.
func FileNameFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(fileNameKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithAttempt annotates context with the 1-based transfer attempt number.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	if attempt <= 0 {
		return ctx
	}
	return context.WithValue(ctx, attemptKey, attempt)
}

// AttemptFromContext returns the transfer attempt number if present.
func AttemptFromContext(ctx context.Context) (int, bool) {
	if v, ok := ctx.Value(attemptKey).(int); ok && v > 0 {
		return v, true
	}
	return 0, false
}
