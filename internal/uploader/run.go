package uploader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"courier/internal/claim"
	"courier/internal/logging"
	"courier/internal/report"
	"courier/internal/services"
	"courier/internal/transport"
)

// Run executes one upload run. Run-level failures (lock conflict, server
// unresponsive, host not approved) abort before any file is claimed and are
// returned as errors; per-file failures are absorbed into the result. The
// returned result is non-nil in every case.
func (o *Orchestrator) Run(ctx context.Context) (*report.RunResult, error) {
	result := &report.RunResult{
		ID:        uuid.NewString(),
		StartedAt: o.now(),
	}
	ctx = services.WithRunID(ctx, result.ID)
	logger := logging.WithContext(ctx, o.logger)

	if err := o.cfg.EnsureDirectories(); err != nil {
		result.Aborted = "configuration"
		return result, services.Wrap(services.ErrConfiguration, "uploader", "run", "ensure folder layout", err)
	}

	if err := o.lock.Acquire(); err != nil {
		result.Aborted = "lock conflict"
		return result, err
	}
	defer o.lock.Release()

	if restored, err := o.claims.ReclaimStale(o.cfg.LockStaleness()); err != nil {
		logger.Warn("stale claim sweep failed", logging.Error(err))
	} else if len(restored) > 0 {
		logger.Info("restored stale claims", logging.Int("count", len(restored)))
	}

	files, err := o.scanInbox()
	if err != nil {
		result.Aborted = "scan failed"
		return result, services.Wrap(services.ErrConfiguration, "uploader", "scan", "list inbox", err)
	}
	result.Total = len(files)

	if len(files) == 0 {
		logger.Info("inbox empty, nothing to upload")
		result.FinishedAt = o.now()
		return result, nil
	}
	logger.Info("starting upload run", logging.Int("files", len(files)))

	if err := o.wakeup(ctx); err != nil {
		// The server never became ready; every file is recorded failed
		// without being claimed so a future run picks them up untouched.
		for _, path := range files {
			result.Record(report.FileResult{
				Name:    filepath.Base(path),
				Outcome: report.OutcomeFailed,
				Error:   "server unavailable",
			})
		}
		result.Aborted = "server unresponsive"
		o.finish(ctx, result)
		return result, err
	}

	if err := o.gateHostApproval(); err != nil {
		for _, path := range files {
			result.Record(report.FileResult{
				Name:    filepath.Base(path),
				Outcome: report.OutcomeSkipped,
			})
		}
		result.Aborted = "host not approved"
		o.finish(ctx, result)
		return result, err
	}

	batchSize := o.cfg.Upload.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	for index, path := range files {
		if index > 0 && index%batchSize == 0 {
			if err := o.waitUntilReady(ctx); err != nil {
				logger.Warn("batch pacing interrupted", logging.Error(err))
				result.Record(report.FileResult{
					Name:    filepath.Base(path),
					Outcome: report.OutcomeFailed,
					Error:   "run interrupted",
				})
				break
			}
		}
		result.Record(o.processFile(ctx, path, index+1, len(files)))
	}

	o.finish(ctx, result)
	logger.Info("upload run complete",
		logging.Int("successful", result.Successful),
		logging.Int("failed", result.Failed),
		logging.Int("skipped", result.Skipped))
	return result, nil
}

// finish stamps the end time and persists the report and history row. Both
// writes are best-effort; failures are logged and do not change the run's
// outcome.
func (o *Orchestrator) finish(ctx context.Context, result *report.RunResult) {
	result.FinishedAt = o.now()
	if _, err := o.reporter.Write(result); err != nil {
		o.logger.Warn("failed to write run report", logging.Error(err))
	}
	if o.hist != nil {
		if err := o.hist.RecordRun(context.WithoutCancel(ctx), result); err != nil {
			o.logger.Warn("failed to record run history", logging.Error(err))
		}
	}
}

// scanInbox lists upload candidates: regular files, not hidden, not carrying
// the reserved claim suffix.
func (o *Orchestrator) scanInbox() ([]string, error) {
	entries, err := os.ReadDir(o.cfg.InboxDir())
	if err != nil {
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || claim.IsClaimed(name) {
			continue
		}
		files = append(files, filepath.Join(o.cfg.InboxDir(), name))
	}
	sort.Strings(files)
	return files, nil
}

// wakeup pings the server until it reports running with a validated key, up
// to the configured attempt budget. A running server whose key check has not
// yet passed counts as not ready.
func (o *Orchestrator) wakeup(ctx context.Context) error {
	attempts := o.cfg.Upload.WakeupAttempts
	interval := o.cfg.WakeupIntervalDuration()
	logger := logging.WithContext(ctx, o.logger)
	logger.Info("waking server", logging.Int("max_attempts", attempts), logging.Duration("interval", interval))

	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := o.client.WakeupPing(ctx)
		if err == nil && resp.Running() && (o.cfg.Server.APIKey == "" || resp.KeyValid()) {
			o.lastPing = resp
			logger.Info("server awake",
				logging.Int(logging.FieldAttempt, attempt),
				logging.String("environment", resp.Environment))
			return nil
		}
		switch {
		case err != nil && isContextErr(err):
			return services.Wrap(services.ErrServerUnresponsive, "uploader", "wakeup", "canceled", err)
		case err != nil:
			logger.Debug("wake-up ping failed", logging.Int(logging.FieldAttempt, attempt), logging.Error(err))
		case resp.Running():
			logger.Debug("server running, key not yet validated",
				logging.Int(logging.FieldAttempt, attempt),
				logging.String("key_status", resp.KeyStatus))
		}
		if attempt < attempts {
			if err := o.sleep(ctx, interval); err != nil {
				return services.Wrap(services.ErrServerUnresponsive, "uploader", "wakeup", "canceled", err)
			}
		}
	}
	return services.Wrap(services.ErrServerUnresponsive, "uploader", "wakeup",
		fmt.Sprintf("server did not respond after %d attempts", attempts), nil)
}

// gateHostApproval aborts the run when the server reports this host as
// pending or denied. An absent host status proceeds optimistically.
func (o *Orchestrator) gateHostApproval() error {
	if o.lastPing == nil {
		return nil
	}
	switch verdict := o.lastPing.HostApproval(); verdict {
	case transport.ApprovalPending, transport.ApprovalDenied:
		return services.Wrap(services.ErrHostNotApproved, "uploader", "gate",
			fmt.Sprintf("host approval is %s on the server", verdict), nil)
	default:
		return nil
	}
}

// waitUntilReady blocks while the remote reports itself busy, polling at the
// configured interval. Status errors keep the poll going; only context
// cancellation breaks out.
func (o *Orchestrator) waitUntilReady(ctx context.Context) error {
	logger := logging.WithContext(ctx, o.logger)
	for {
		status, err := o.client.Status(ctx)
		if err == nil && !status.Busy() {
			return nil
		}
		if err != nil {
			if isContextErr(err) {
				return err
			}
			logger.Warn("status poll failed, retrying", logging.Error(err))
		} else {
			counts := status.Counts()
			logger.Info("server busy, waiting",
				logging.Int("active", counts.Processing),
				logging.Int("waiting", counts.Pending),
				logging.Duration("poll_interval", o.cfg.PollingIntervalDuration()))
		}
		if err := o.sleep(ctx, o.cfg.PollingIntervalDuration()); err != nil {
			return err
		}
	}
}
