// Package uploader orchestrates upload runs: it takes the instance lock,
// wakes the remote service, claims inbox files one at a time, transfers them
// whole or in chunks with retry, archives delivered files, and writes a run
// report. Watch mode wraps the same run loop behind an inbox watcher.
package uploader
