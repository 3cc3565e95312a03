package recording

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-loopback/internal/eventlog"
	"github.com/oszuidwest/zwfm-loopback/internal/util"
)

// Upload defaults.
const (
	DefaultQueueSize    = 16
	DefaultRetryInitial = time.Minute
	DefaultRetryMax     = time.Hour

	uploadTimeout = 5 * time.Minute
	drainTimeout  = 30 * time.Second
)

// UploaderOptions configures an Uploader. A nil Storage disables archiving and
// a nil Summarizer disables summaries.
type UploaderOptions struct {
	Storage      Storage
	Prefix       string
	Summarizer   Summarizer
	Events       *eventlog.Logger
	QueueSize    int
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// pendingUpload tracks a job through archiving and summarization.
type pendingUpload struct {
	job          Job
	key          string
	archived     bool
	summarized   bool
	firstAttempt time.Time
	retryCount   int
	lastError    string
}

// Uploader drains finished recordings on its own goroutine. Failed jobs go to
// a retry queue that is retried with exponential backoff for MaxUploadRetryAge.
type Uploader struct {
	storage    Storage
	prefix     string
	summarizer Summarizer
	events     *eventlog.Logger

	queue   chan Job
	backoff *util.Backoff

	mu         sync.Mutex
	retryQueue []*pendingUpload
	now        func() time.Time
}

// NewUploader returns an Uploader. Call Run to start processing.
func NewUploader(opts UploaderOptions) *Uploader {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = DefaultRetryInitial
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = DefaultRetryMax
	}
	return &Uploader{
		storage:    opts.Storage,
		prefix:     opts.Prefix,
		summarizer: opts.Summarizer,
		events:     opts.Events,
		queue:      make(chan Job, opts.QueueSize),
		backoff:    util.NewBackoff(opts.RetryInitial, opts.RetryMax),
		now:        time.Now,
	}
}

// SetClock replaces the time source used for the retry age limit.
func (u *Uploader) SetClock(now func() time.Time) {
	u.mu.Lock()
	u.now = now
	u.mu.Unlock()
}

// Enabled reports whether any upload step is configured.
func (u *Uploader) Enabled() bool {
	return u.storage != nil || u.summarizer != nil
}

// Enqueue hands a finished recording to the worker without blocking.
func (u *Uploader) Enqueue(job Job) error {
	if !u.Enabled() {
		slog.Info("no upload configured, recording kept locally", "path", job.Path)
		return nil
	}

	select {
	case u.queue <- job:
		slog.Info("queued recording for upload", "file", filepath.Base(job.Path), "bytes", job.Size)
		u.logEvent(eventlog.UploadQueued, job, &eventlog.UploadDetails{
			Filename: filepath.Base(job.Path),
			S3Key:    u.keyFor(job.Path),
		})
		return nil
	default:
		slog.Warn("upload queue full", "file", filepath.Base(job.Path))
		return ErrQueueFull
	}
}

// PendingRetries returns the number of jobs waiting for a retry.
func (u *Uploader) PendingRetries() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.retryQueue)
}

// Run processes the queue until ctx is canceled, then drains queued jobs
// with a short deadline.
func (u *Uploader) Run(ctx context.Context) error {
	var retryTimer *time.Timer
	var retryC <-chan time.Time
	defer func() {
		if retryTimer != nil {
			retryTimer.Stop()
		}
	}()

	for {
		if retryC == nil && u.PendingRetries() > 0 {
			retryTimer = time.NewTimer(u.backoff.Next())
			retryC = retryTimer.C
		}

		select {
		case <-ctx.Done():
			u.drain(context.WithoutCancel(ctx))
			return nil
		case job := <-u.queue:
			u.process(ctx, job)
		case <-retryC:
			retryC = nil
			u.processRetryQueue(ctx)
			if u.PendingRetries() == 0 {
				u.backoff.Reset()
			}
		}
	}
}

func (u *Uploader) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	for {
		select {
		case job := <-u.queue:
			u.process(ctx, job)
		default:
			return
		}
	}
}

// process makes the first attempt for a job.
func (u *Uploader) process(ctx context.Context, job Job) {
	u.mu.Lock()
	p := &pendingUpload{job: job, key: u.keyFor(job.Path), firstAttempt: u.now()}
	u.mu.Unlock()

	if err := u.attempt(ctx, p); err != nil {
		p.lastError = err.Error()
		u.addToRetryQueue(p)
	}
}

// attempt runs the steps that have not succeeded yet.
func (u *Uploader) attempt(ctx context.Context, p *pendingUpload) error {
	name := filepath.Base(p.job.Path)

	if _, err := os.Stat(p.job.Path); os.IsNotExist(err) {
		slog.Warn("recording no longer exists, skipping upload", "path", p.job.Path)
		return nil
	}

	if u.storage != nil && !p.archived {
		if err := u.archive(ctx, p); err != nil {
			slog.Error("upload failed", "file", name, "s3_key", p.key, "error", err)
			u.logEvent(eventlog.UploadFailed, p.job, &eventlog.UploadDetails{
				Filename: name, S3Key: p.key, Error: err.Error(), RetryCount: p.retryCount,
			})
			return err
		}
		p.archived = true
		slog.Info("upload completed", "file", name, "s3_key", p.key)
		u.logEvent(eventlog.UploadCompleted, p.job, &eventlog.UploadDetails{Filename: name, S3Key: p.key})
	}

	if u.summarizer != nil && !p.summarized {
		summaryPath, err := u.summarize(ctx, p.job.Path)
		if err != nil {
			slog.Error("summary failed", "file", name, "error", err)
			u.logEvent(eventlog.UploadFailed, p.job, &eventlog.UploadDetails{
				Filename: name, Error: err.Error(), RetryCount: p.retryCount,
			})
			return err
		}
		p.summarized = true
		slog.Info("summary completed", "file", name, "summary", summaryPath)
		u.logEvent(eventlog.SummaryCompleted, p.job, &eventlog.UploadDetails{Filename: name, SummaryPath: summaryPath})
	}

	return nil
}

func (u *Uploader) archive(ctx context.Context, p *pendingUpload) error {
	ctx, cancel := context.WithTimeoutCause(ctx, uploadTimeout, errors.New("s3 upload timeout"))
	defer cancel()

	file, err := os.Open(p.job.Path)
	if err != nil {
		return util.WrapError("open recording", err)
	}
	defer util.SafeCloseFunc(file, "recording")()

	info, err := file.Stat()
	if err != nil {
		return util.WrapError("stat recording", err)
	}

	return u.storage.Put(ctx, p.key, file, info.Size(), ContentType)
}

func (u *Uploader) summarize(ctx context.Context, path string) (string, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, summaryTimeout, errors.New("summary timeout"))
	defer cancel()

	summary, err := u.summarizer.Summarize(ctx, path)
	if err != nil {
		return "", err
	}
	return WriteSummary(path, summary)
}

// addToRetryQueue adds a failed job to the retry queue.
func (u *Uploader) addToRetryQueue(p *pendingUpload) {
	u.mu.Lock()
	defer u.mu.Unlock()

	// Prevent duplicates
	for _, q := range u.retryQueue {
		if q.job.Path == p.job.Path {
			return
		}
	}
	u.retryQueue = append(u.retryQueue, p)

	slog.Info("upload queued for retry", "file", filepath.Base(p.job.Path))
}

// processRetryQueue attempts every pending job once.
func (u *Uploader) processRetryQueue(ctx context.Context) {
	u.mu.Lock()
	pending := u.retryQueue
	u.retryQueue = nil
	now := u.now()
	u.mu.Unlock()

	for _, p := range pending {
		name := filepath.Base(p.job.Path)

		if now.Sub(p.firstAttempt) > MaxUploadRetryAge {
			slog.Warn("upload abandoned after 24h", "file", name, "attempts", p.retryCount+1, "error", p.lastError)
			u.logEvent(eventlog.UploadAbandoned, p.job, &eventlog.UploadDetails{
				Filename: name, S3Key: p.key, RetryCount: p.retryCount, Error: "exceeded 24h retry limit",
			})
			continue
		}

		p.retryCount++
		slog.Info("retrying upload", "file", name, "attempt", p.retryCount)
		u.logEvent(eventlog.UploadRetry, p.job, &eventlog.UploadDetails{Filename: name, S3Key: p.key, RetryCount: p.retryCount})

		if err := u.attempt(ctx, p); err != nil {
			p.lastError = err.Error()
			u.addToRetryQueue(p)
		}
	}
}

// keyFor returns the object key of a recording: <prefix><filename>.
func (u *Uploader) keyFor(path string) string {
	return u.prefix + filepath.Base(path)
}

func (u *Uploader) logEvent(t eventlog.EventType, job Job, details *eventlog.UploadDetails) {
	if err := u.events.LogUpload(t, job.RecordingID, details); err != nil {
		slog.Warn("failed to write event log", "type", t, "error", err)
	}
}
