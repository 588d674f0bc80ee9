package claim

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"courier/internal/logging"
)

// ReservedSuffix marks a file as claimed by an upload in progress. Entries
// bearing it are excluded from inbox scans.
const ReservedSuffix = ".uploading"

// Store performs the atomic state transitions of inbox files: unclaimed,
// claimed, and processed. The filesystem rename is the sole concurrency
// primitive; all paths must live on a single filesystem for claims to be
// atomic (finalize tolerates a processed directory on another device).
type Store struct {
	inboxDir     string
	processedDir string
	logger       *slog.Logger
}

// New constructs a claim store over the given inbox and processed directories.
func New(inboxDir, processedDir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Store{
		inboxDir:     inboxDir,
		processedDir: processedDir,
		logger:       logger.With(logging.String(logging.FieldComponent, "claim")),
	}
}

// IsClaimed reports whether the file name carries the reserved claim suffix.
func IsClaimed(name string) bool {
	return strings.HasSuffix(name, ReservedSuffix)
}

// OriginalName strips the reserved claim suffix, recovering the logical
// file name.
func OriginalName(name string) string {
	return strings.TrimSuffix(name, ReservedSuffix)
}

// Claim reserves path for upload by renaming it with the reserved suffix.
// A false result means another process already claimed, moved, or deleted
// the file; the caller should skip it, not fail.
func (s *Store) Claim(path string) (string, bool) {
	claimedPath := path + ReservedSuffix
	if err := os.Rename(path, claimedPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("file vanished before claim", logging.String(logging.FieldFile, filepath.Base(path)))
		} else {
			s.logger.Warn("could not claim file",
				logging.String(logging.FieldFile, filepath.Base(path)),
				logging.Error(err))
		}
		return "", false
	}
	s.logger.Debug("claimed file", logging.String(logging.FieldFile, filepath.Base(path)))
	return claimedPath, true
}

// Unclaim renames a claimed file back to its original name, restoring its
// visibility to future claim attempts.
func (s *Store) Unclaim(claimedPath string) (string, error) {
	originalPath := filepath.Join(filepath.Dir(claimedPath), OriginalName(filepath.Base(claimedPath)))
	if err := os.Rename(claimedPath, originalPath); err != nil {
		return "", fmt.Errorf("unclaim %s: %w", filepath.Base(claimedPath), err)
	}
	s.logger.Debug("unclaimed file", logging.String(logging.FieldFile, filepath.Base(originalPath)))
	return originalPath, nil
}

// Finalize moves a claimed file into the processed directory under its
// original name, probing "name (1).ext", "name (2).ext", ... when the slot
// is taken. Previously processed files are never overwritten.
func (s *Store) Finalize(claimedPath string) (string, error) {
	name := OriginalName(filepath.Base(claimedPath))
	destination := s.uniqueDestination(name)
	if err := moveFile(claimedPath, destination); err != nil {
		return "", fmt.Errorf("finalize %s: %w", name, err)
	}
	if filepath.Base(destination) != name {
		s.logger.Info("processed name already taken, renamed",
			logging.String(logging.FieldFile, name),
			logging.String("destination", filepath.Base(destination)))
	}
	return destination, nil
}

// ReclaimStale renames claimed entries whose modification time is older than
// maxAge back to their original names. It recovers files orphaned by an
// unclean kill mid-transfer, independent of the instance lock's own
// staleness window. Returns the restored original names.
func (s *Store) ReclaimStale(maxAge time.Duration) ([]string, error) {
	entries, err := os.ReadDir(s.inboxDir)
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	var restored []string
	for _, entry := range entries {
		if entry.IsDir() || !IsClaimed(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		originalPath, err := s.Unclaim(filepath.Join(s.inboxDir, entry.Name()))
		if err != nil {
			s.logger.Warn("failed to reclaim stale claim",
				logging.String(logging.FieldFile, entry.Name()),
				logging.Error(err))
			continue
		}
		s.logger.Info("reclaimed stale claim",
			logging.String(logging.FieldFile, filepath.Base(originalPath)),
			logging.Duration("age", time.Since(info.ModTime())))
		restored = append(restored, filepath.Base(originalPath))
	}
	return restored, nil
}

func (s *Store) uniqueDestination(name string) string {
	base := filepath.Join(s.processedDir, name)
	if _, err := os.Stat(base); errors.Is(err, fs.ErrNotExist) {
		return base
	}

	stem := strings.TrimSuffix(name, filepath.Ext(name))
	ext := filepath.Ext(name)
	for counter := 1; ; counter++ {
		candidate := filepath.Join(s.processedDir, fmt.Sprintf("%s (%d)%s", stem, counter, ext))
		if _, err := os.Stat(candidate); errors.Is(err, fs.ErrNotExist) {
			return candidate
		}
	}
}

func moveFile(sourcePath, targetPath string) error {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return fmt.Errorf("create target directory: %w", err)
	}
	if err := os.Rename(sourcePath, targetPath); err != nil {
		var linkErr *os.LinkError
		if errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV) {
			if err := copyFileContents(sourcePath, targetPath); err != nil {
				return fmt.Errorf("copy file across devices: %w", err)
			}
			if err := os.Remove(sourcePath); err != nil {
				return fmt.Errorf("remove source after copy: %w", err)
			}
			return nil
		}
		return fmt.Errorf("move file: %w", err)
	}
	return nil
}

func copyFileContents(sourcePath, targetPath string) error {
	source, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer source.Close()

	info, err := source.Stat()
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}

	dest, err := os.OpenFile(targetPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	if _, err := io.Copy(dest, source); err != nil {
		dest.Close()
		return fmt.Errorf("copy data: %w", err)
	}
	if err := dest.Sync(); err != nil {
		dest.Close()
		return fmt.Errorf("sync destination: %w", err)
	}
	if err := dest.Close(); err != nil {
		return fmt.Errorf("close destination: %w", err)
	}
	return nil
}
