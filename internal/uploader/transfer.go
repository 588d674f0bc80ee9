package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"courier/internal/logging"
	"courier/internal/report"
	"courier/internal/services"
	"courier/internal/transport"
)

// processFile claims a single inbox file, transfers it with retries, and
// either finalizes it into the processed folder or returns it to the inbox.
// The returned result is always populated; run-level state is untouched.
func (o *Orchestrator) processFile(ctx context.Context, path string, position, total int) report.FileResult {
	name := filepath.Base(path)
	ctx = services.WithFileName(ctx, name)
	logger := logging.WithContext(ctx, o.logger)
	started := o.now()

	claimed, ok := o.claims.Claim(path)
	if !ok {
		logger.Info("file already claimed by another instance, skipping")
		return report.FileResult{Name: name, Outcome: report.OutcomeSkipped}
	}

	info, err := os.Stat(claimed)
	if err != nil {
		if restored, uerr := o.claims.Unclaim(claimed); uerr != nil {
			logger.Error("failed to return file to inbox", logging.Error(uerr))
		} else {
			logger.Debug("returned file to inbox", logging.String("path", restored))
		}
		return report.FileResult{
			Name:    name,
			Outcome: report.OutcomeFailed,
			Error:   fmt.Sprintf("stat: %v", err),
			Elapsed: o.now().Sub(started),
		}
	}
	size := info.Size()

	logger.Info("uploading file",
		logging.Int("position", position),
		logging.Int("of", total),
		logging.String("size", humanize.IBytes(uint64(size))))

	attempts, err := o.transferWithRetry(ctx, claimed, name, size)
	elapsed := o.now().Sub(started)

	if err == nil || errors.Is(err, transport.ErrDuplicate) {
		outcome := report.OutcomeSuccess
		if errors.Is(err, transport.ErrDuplicate) {
			outcome = report.OutcomeDuplicate
			logger.Info("server already has this file, treating as delivered")
		}
		dest, ferr := o.claims.Finalize(claimed)
		if ferr != nil {
			// Delivered but stuck in the inbox under the claim name; a
			// later stale sweep will surface it for operator attention.
			logger.Error("failed to move delivered file", logging.Error(ferr))
			return report.FileResult{
				Name:      name,
				Outcome:   report.OutcomeFailed,
				SizeBytes: size,
				Attempts:  attempts,
				Elapsed:   elapsed,
				Error:     fmt.Sprintf("delivered but not archived: %v", ferr),
			}
		}
		logger.Info("file delivered",
			logging.Int("attempts", attempts),
			logging.Duration("elapsed", elapsed),
			logging.String("archived_to", dest))
		return report.FileResult{
			Name:      name,
			Outcome:   outcome,
			SizeBytes: size,
			Attempts:  attempts,
			Elapsed:   elapsed,
		}
	}

	if restored, uerr := o.claims.Unclaim(claimed); uerr != nil {
		logger.Error("failed to return file to inbox", logging.Error(uerr))
	} else {
		logger.Info("returned file to inbox for a later run", logging.String("path", restored))
	}
	return report.FileResult{
		Name:      name,
		Outcome:   report.OutcomeFailed,
		SizeBytes: size,
		Attempts:  attempts,
		Elapsed:   elapsed,
		Error:     err.Error(),
	}
}

// transferWithRetry pushes the file up to MaxRetries times with exponential
// backoff (1s, 2s, 4s, ...) between attempts. Each attempt starts fresh: a
// failed chunk never resumes mid-file. Returns the attempt count alongside
// the final error.
func (o *Orchestrator) transferWithRetry(ctx context.Context, path, name string, size int64) (int, error) {
	maxRetries := o.cfg.Upload.MaxRetries
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		attemptCtx := services.WithAttempt(ctx, attempt)
		logger := logging.WithContext(attemptCtx, o.logger)

		if attempt > 1 {
			backoff := time.Duration(1<<(attempt-2)) * time.Second
			logger.Info("retrying upload", logging.Duration("backoff", backoff))
			if err := o.sleep(ctx, backoff); err != nil {
				return attempt - 1, services.Wrap(services.ErrTransferFailed, "uploader", "transfer", "canceled while backing off", err)
			}
		}

		err := o.transferOnce(attemptCtx, path, name, size)
		if err == nil || errors.Is(err, transport.ErrDuplicate) {
			return attempt, err
		}
		if isContextErr(err) {
			return attempt, services.Wrap(services.ErrTransferFailed, "uploader", "transfer", "canceled", err)
		}
		logger.Warn("upload attempt failed", logging.Error(err))
		lastErr = err
	}
	return maxRetries, services.Wrap(services.ErrTransferFailed, "uploader", "transfer",
		fmt.Sprintf("gave up after %d attempts", maxRetries), lastErr)
}

// transferOnce uploads the file as one request when it fits under the chunk
// threshold, otherwise slices it into fixed-size chunks against an upload
// session. Servers without session support fall back to the single-request
// path regardless of size.
func (o *Orchestrator) transferOnce(ctx context.Context, path, name string, size int64) error {
	uploadID, err := o.client.StartSession(ctx, name, size)
	if errors.Is(err, transport.ErrNoSessions) {
		uploadID = ""
	} else if err != nil {
		return err
	}
	if uploadID == "" || size <= o.cfg.ChunkThreshold() {
		return o.uploadWhole(ctx, path, name, uploadID)
	}
	return o.uploadChunked(ctx, path, uploadID, size)
}

func (o *Orchestrator) uploadWhole(ctx context.Context, path, name, uploadID string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return o.client.UploadFile(ctx, uploadID, name, file)
}

func (o *Orchestrator) uploadChunked(ctx context.Context, path, uploadID string, size int64) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	chunkSize := o.cfg.ChunkThreshold()
	totalChunks := int((size + chunkSize - 1) / chunkSize)
	logger := logging.WithContext(ctx, o.logger)
	logger.Info("uploading in chunks",
		logging.Int("chunks", totalChunks),
		logging.String("chunk_size", humanize.IBytes(uint64(chunkSize))))

	buf := make([]byte, chunkSize)
	for index := 0; index < totalChunks; index++ {
		n, err := readChunk(file, buf)
		if err != nil {
			return fmt.Errorf("read chunk %d: %w", index, err)
		}
		if err := o.client.UploadChunk(ctx, uploadID, index, totalChunks, buf[:n]); err != nil {
			return fmt.Errorf("chunk %d of %d: %w", index+1, totalChunks, err)
		}
		logger.Debug("chunk delivered", logging.Int("chunk", index+1), logging.Int("of", totalChunks))
	}
	return nil
}

// readChunk fills buf from the reader; a short count is only valid on the
// final chunk.
func readChunk(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		err = nil
	}
	return n, err
}
