// Package services provides error classification markers and context helpers
// shared by the upload pipeline components.
package services
