package uploader

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"courier/internal/claim"
	"courier/internal/config"
	"courier/internal/history"
	"courier/internal/instancelock"
	"courier/internal/logging"
	"courier/internal/report"
	"courier/internal/transport"
)

// Orchestrator drives an upload run: instance lock, server wake-up, inbox
// scan, per-file claim/transfer/finalize, batch pacing, and the run report.
type Orchestrator struct {
	cfg      *config.Config
	client   *transport.Client
	lock     *instancelock.Manager
	claims   *claim.Store
	reporter *report.Writer
	hist     *history.Store
	logger   *slog.Logger

	// lastPing holds the most recent decoded ping response for the run;
	// the host-approval gate reads it after wake-up.
	lastPing *transport.PingResponse

	sleep func(context.Context, time.Duration) error
	now   func() time.Time
}

// New constructs an orchestrator with default dependencies derived from the
// config. The history store is optional: an open failure is logged and run
// recording is skipped, mirroring report-write failures.
func New(cfg *config.Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NewNop()
	}

	hist, err := history.Open(cfg.HistoryDBPath())
	if err != nil {
		logger.Warn("history store unavailable, runs will not be recorded", logging.Error(err))
		hist = nil
	}

	return NewWithDependencies(
		cfg,
		transport.New(cfg.Server.URL, cfg.Server.APIKey, logger),
		instancelock.New(cfg.LockPath(), cfg.LockStaleness(), logger),
		claim.New(cfg.InboxDir(), cfg.ProcessedDir(), logger),
		report.NewWriter(cfg.LogDir(), logger),
		hist,
		logger,
	)
}

// NewWithDependencies allows injecting collaborators (used in tests).
func NewWithDependencies(
	cfg *config.Config,
	client *transport.Client,
	lock *instancelock.Manager,
	claims *claim.Store,
	reporter *report.Writer,
	hist *history.Store,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Orchestrator{
		cfg:      cfg,
		client:   client,
		lock:     lock,
		claims:   claims,
		reporter: reporter,
		hist:     hist,
		logger:   logger.With(logging.String(logging.FieldComponent, "uploader")),
		sleep:    sleepContext,
		now:      time.Now,
	}
}

// Close releases resources held by the orchestrator.
func (o *Orchestrator) Close() error {
	if o.hist != nil {
		return o.hist.Close()
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
