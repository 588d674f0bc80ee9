package uploader

import (
	"context"
	"errors"
	"time"

	"github.com/fsnotify/fsnotify"

	"courier/internal/logging"
	"courier/internal/services"
)

// Watch runs until the context is canceled, uploading whatever is in the
// inbox whenever files land there. New files are debounced so a burst of
// writes triggers a single run, and a slow poll backstops missed events.
func (o *Orchestrator) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "uploader", "watch", "create inbox watcher", err)
	}
	defer watcher.Close()

	if err := o.cfg.EnsureDirectories(); err != nil {
		return services.Wrap(services.ErrConfiguration, "uploader", "watch", "ensure folder layout", err)
	}
	if err := watcher.Add(o.cfg.InboxDir()); err != nil {
		return services.Wrap(services.ErrConfiguration, "uploader", "watch", "watch inbox", err)
	}

	debounce := o.cfg.WatchDebounce()
	o.logger.Info("watching inbox",
		logging.String("path", o.cfg.InboxDir()),
		logging.Duration("debounce", debounce))

	// Pick up anything that landed before the watcher started.
	o.runOnce(ctx)

	// The timer stays parked until an event arms it; the poll ticker
	// catches files that arrive without generating an event (NFS, some
	// network mounts).
	trigger := time.NewTimer(0)
	if !trigger.Stop() {
		<-trigger.C
	}
	defer trigger.Stop()

	poll := time.NewTicker(10 * o.cfg.PollingIntervalDuration())
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Rename) {
				trigger.Reset(debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			o.logger.Warn("inbox watcher error", logging.Error(err))
		case <-trigger.C:
			o.runOnce(ctx)
		case <-poll.C:
			o.runOnce(ctx)
		}
	}
}

// runOnce executes a run and absorbs its errors: in watch mode a failed or
// blocked run is retried on the next trigger rather than tearing down the
// watcher.
func (o *Orchestrator) runOnce(ctx context.Context) {
	result, err := o.Run(ctx)
	switch {
	case err == nil:
	case isContextErr(err):
	case errors.Is(err, services.ErrLockConflict):
		o.logger.Info("another instance is uploading, will retry later")
	default:
		o.logger.Error("upload run failed", logging.Error(err))
	}
	if result != nil && result.Total > 0 && err == nil {
		o.logger.Info("watch cycle finished",
			logging.Int("successful", result.Successful),
			logging.Int("failed", result.Failed))
	}
}
