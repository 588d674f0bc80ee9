// Package report defines the run-result model and persists each run as a
// timestamped JSON report.
package report
