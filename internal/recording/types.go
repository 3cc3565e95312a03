// Package recording hands finished loopback recordings to the upload
// collaborator: S3 archiving, summarization, retries and retention cleanup.
package recording

import (
	"errors"
	"time"
)

// Sentinel errors for upload operations.
var (
	// ErrQueueFull is returned when the upload queue cannot take another job.
	ErrQueueFull = errors.New("upload queue full")

	// ErrS3NotConfigured is returned when S3 settings are incomplete.
	ErrS3NotConfigured = errors.New("S3 is not configured")

	// ErrSummaryFailed is returned when a summarizer produced no usable summary.
	ErrSummaryFailed = errors.New("summary failed")
)

// Job describes one finished recording handed over by the owner context.
type Job struct {
	RecordingID string
	Path        string
	Size        int64
	Duration    time.Duration
	StartedAt   time.Time
}

// ContentType is the MIME type of every recording file.
const ContentType = "audio/wav"

// MaxUploadRetryAge is the maximum age for retrying uploads.
const MaxUploadRetryAge = 24 * time.Hour
