package recording

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/oszuidwest/zwfm-loopback/internal/eventlog"
	"github.com/oszuidwest/zwfm-loopback/internal/util"
)

// cleanupHour is the local hour of the daily retention run.
const cleanupHour = 3

// Cleaner removes recordings older than the retention period.
type Cleaner struct {
	dir           string
	storage       Storage
	prefix        string
	retentionDays int
	events        *eventlog.Logger
	inUse         func(path string) bool
	now           func() time.Time
}

// CleanerOptions configures a Cleaner. InUse reports files that must be kept,
// such as the recording currently being written.
type CleanerOptions struct {
	Dir           string
	Storage       Storage
	Prefix        string
	RetentionDays int
	Events        *eventlog.Logger
	InUse         func(path string) bool
}

// NewCleaner returns a Cleaner for opts.
func NewCleaner(opts CleanerOptions) *Cleaner {
	inUse := opts.InUse
	if inUse == nil {
		inUse = func(string) bool { return false }
	}
	return &Cleaner{
		dir:           opts.Dir,
		storage:       opts.Storage,
		prefix:        opts.Prefix,
		retentionDays: opts.RetentionDays,
		events:        opts.Events,
		inUse:         inUse,
		now:           time.Now,
	}
}

// SetClock replaces the time source.
func (c *Cleaner) SetClock(now func() time.Time) {
	c.now = now
}

// Run runs the cleanup every day at 03:00 until ctx is canceled.
func (c *Cleaner) Run(ctx context.Context) error {
	for {
		now := c.now()
		next := time.Date(now.Year(), now.Month(), now.Day(), cleanupHour, 0, 0, 0, now.Location())
		if now.After(next) {
			next = next.Add(24 * time.Hour)
		}

		slog.Info("cleanup scheduler: next run scheduled", "at", next.Format(time.DateTime))

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-timer.C:
			c.Cleanup(ctx)
		case <-ctx.Done():
			timer.Stop()
			slog.Info("cleanup scheduler stopped")
			return nil
		}
	}
}

// Cleanup removes expired local files and remote objects once and returns
// how many of each were deleted. Retention 0 keeps everything.
func (c *Cleaner) Cleanup(ctx context.Context) (local, remote int) {
	if c.retentionDays <= 0 {
		return 0, 0
	}
	cutoff := c.cutoff()

	local = c.cleanupLocalFiles(cutoff)
	if local > 0 {
		c.logEvent("local", local)
	}

	if c.storage != nil {
		remote = c.cleanupRemoteFiles(ctx, cutoff)
		if remote > 0 {
			c.logEvent("s3", remote)
		}
	}

	slog.Info("cleanup: completed", "local", local, "remote", remote)
	return local, remote
}

// cutoff is the start of the oldest day that is kept.
func (c *Cleaner) cutoff() time.Time {
	now := c.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return today.AddDate(0, 0, -c.retentionDays)
}

// cleanupLocalFiles removes recordings and their summaries dated before cutoff.
func (c *Cleaner) cleanupLocalFiles(cutoff time.Time) int {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		slog.Warn("cleanup: failed to read local directory", "path", c.dir, "error", err)
		return 0
	}

	var deleted int
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !IsRecordingFile(name) {
			continue
		}

		fileDate, ok := util.ExtractDateFromFilename(name)
		if !ok || !fileDate.Before(cutoff) {
			continue
		}

		filePath := filepath.Join(c.dir, name)
		if c.inUse(filePath) {
			continue
		}

		if err := os.Remove(filePath); err != nil {
			slog.Warn("cleanup: failed to delete local file", "path", filePath, "error", err)
			continue
		}
		if err := removeIfExists(SummaryPath(filePath)); err != nil {
			slog.Warn("cleanup: failed to delete summary", "path", SummaryPath(filePath), "error", err)
		}
		deleted++
		slog.Debug("cleanup: deleted local file", "file", name)
	}
	return deleted
}

// cleanupRemoteFiles removes archived recordings dated before cutoff.
func (c *Cleaner) cleanupRemoteFiles(ctx context.Context, cutoff time.Time) int {
	ctx, cancel := context.WithTimeoutCause(ctx, 5*time.Minute, errors.New("s3 cleanup timeout"))
	defer cancel()

	keys, err := c.storage.List(ctx, c.prefix)
	if err != nil {
		slog.Warn("cleanup: failed to list S3 objects", "prefix", c.prefix, "error", err)
	}

	var deleted int
	for _, key := range keys {
		fileDate, ok := util.ExtractDateFromFilename(path.Base(key))
		if !ok || !fileDate.Before(cutoff) {
			continue
		}
		if err := c.storage.Delete(ctx, key); err != nil {
			slog.Warn("cleanup: failed to delete S3 object", "key", key, "error", err)
			continue
		}
		deleted++
		slog.Debug("cleanup: deleted S3 object", "key", key)
	}
	return deleted
}

func (c *Cleaner) logEvent(storageType string, deleted int) {
	if err := c.events.LogUpload(eventlog.CleanupCompleted, "", &eventlog.UploadDetails{
		FilesDeleted: deleted,
		StorageType:  storageType,
	}); err != nil {
		slog.Warn("failed to write event log", "error", err)
	}
}
