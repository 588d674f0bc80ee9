// Package instancelock prevents two uploader processes from working the same
// inbox at once using a JSON token file with staleness and liveness checks.
package instancelock
