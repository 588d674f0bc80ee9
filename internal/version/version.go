// Package version carries the release version stamped into the CLI and the
// User-Agent header.
package version

// Version is the courier release version.
const Version = "1.4.0"
