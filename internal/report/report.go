package report

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"courier/internal/logging"
)

// Outcome is the terminal state of one file within a run.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Delivered reports whether the outcome means the server holds the file.
func (o Outcome) Delivered() bool {
	return o == OutcomeSuccess || o == OutcomeDuplicate
}

// FileResult records the fate of a single inbox file.
type FileResult struct {
	Name      string        `json:"name"`
	Outcome   Outcome       `json:"status"`
	SizeBytes int64         `json:"sizeBytes,omitempty"`
	Attempts  int           `json:"attempts,omitempty"`
	Elapsed   time.Duration `json:"elapsedMs,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// RunResult aggregates one upload run. It is created when the run starts,
// mutated as files finish, and persisted once at run end.
type RunResult struct {
	ID         string       `json:"runId"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
	Total      int          `json:"total"`
	Successful int          `json:"successful"`
	Failed     int          `json:"failed"`
	Skipped    int          `json:"skipped"`
	Files      []FileResult `json:"files"`
	Aborted    string       `json:"aborted,omitempty"`
}

// Record appends a per-file result and bumps the matching counter.
func (r *RunResult) Record(file FileResult) {
	r.Files = append(r.Files, file)
	switch file.Outcome {
	case OutcomeSuccess, OutcomeDuplicate:
		r.Successful++
	case OutcomeFailed:
		r.Failed++
	case OutcomeSkipped:
		r.Skipped++
	}
}

// Writer persists run results as JSON reports in the logs directory.
type Writer struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

// NewWriter constructs a report writer targeting dir.
func NewWriter(dir string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Writer{
		dir:    dir,
		logger: logger.With(logging.String(logging.FieldComponent, "report")),
		now:    time.Now,
	}
}

// Write serializes the run result to a timestamp-named report file and
// returns its path. Failures are the caller's to log; they must not change
// the run's exit status.
func (w *Writer) Write(result *RunResult) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("ensure report directory: %w", err)
	}

	path := filepath.Join(w.dir, fmt.Sprintf("upload-report-%s.json", w.now().Format("20060102-150405")))
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	w.logger.Info("run report written", logging.String("path", path))
	return path, nil
}
