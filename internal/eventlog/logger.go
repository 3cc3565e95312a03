// Package eventlog records capture, device and upload events in a single
// JSON lines file.
package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType represents the type of event.
type EventType string

// Capture event types.
const (
	RecordingStarted EventType = "recording_started"
	RecordingStopped EventType = "recording_stopped"
	RecordingFailed  EventType = "recording_failed"
	CaptureSilent    EventType = "capture_silent"
)

// Device event types.
const (
	SwitchStarted        EventType = "switch_started"
	SwitchCompleted      EventType = "switch_completed"
	SwitchRejected       EventType = "switch_rejected"
	RoutingVerified      EventType = "routing_verified"
	RoutingSuboptimal    EventType = "routing_suboptimal"
	AggregateCreated     EventType = "aggregate_created"
	AggregateDestroyed   EventType = "aggregate_destroyed"
	AggregateFailed      EventType = "aggregate_failed"
	DevicesChanged       EventType = "devices_changed"
	DefaultInputChanged  EventType = "default_input_changed"
	DefaultOutputChanged EventType = "default_output_changed"
)

// Upload event types.
const (
	UploadQueued     EventType = "upload_queued"
	UploadCompleted  EventType = "upload_completed"
	UploadFailed     EventType = "upload_failed"
	UploadRetry      EventType = "upload_retry"
	UploadAbandoned  EventType = "upload_abandoned"
	SummaryCompleted EventType = "summary_completed"
	CleanupCompleted EventType = "cleanup_completed"
)

// Event represents a single log entry with type-specific details.
type Event struct {
	Timestamp   time.Time `json:"ts"`
	Type        EventType `json:"type"`
	RecordingID string    `json:"recording_id,omitempty"`
	Message     string    `json:"msg,omitempty"`
	Details     any       `json:"details,omitempty"`
}

// CaptureDetails contains recording-specific event details.
type CaptureDetails struct {
	Device     string  `json:"device,omitempty"`
	Path       string  `json:"path,omitempty"`
	Bytes      int64   `json:"bytes,omitempty"`
	DurationMs int64   `json:"duration_ms,omitempty"`
	SampleRate uint32  `json:"sample_rate,omitempty"`
	Channels   uint32  `json:"channels,omitempty"`
	Level      float64 `json:"level,omitempty"`
	Below      bool    `json:"below_threshold,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// DeviceDetails contains device and routing event details.
type DeviceDetails struct {
	Device string   `json:"device,omitempty"`
	From   string   `json:"from,omitempty"`
	Output string   `json:"output,omitempty"`
	UID    string   `json:"uid,omitempty"`
	Count  int      `json:"count,omitempty"`
	Advice []string `json:"advice,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// UploadDetails contains upload-specific event details.
type UploadDetails struct {
	Filename     string `json:"filename,omitempty"`
	S3Key        string `json:"s3_key,omitempty"`
	SummaryPath  string `json:"summary_path,omitempty"`
	Error        string `json:"error,omitempty"`
	RetryCount   int    `json:"retry,omitempty"`
	FilesDeleted int    `json:"files_deleted,omitempty"`
	StorageType  string `json:"storage_type,omitempty"` // "local" or "s3" for cleanup
}

// Logger writes events to a JSON lines file.
type Logger struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
	encoder  *json.Encoder
}

// DefaultLogPath returns the event log path under the user config directory.
func DefaultLogPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "zwfm-loopback", "events.jsonl")
}

// NewLogger creates a new event logger at the specified path.
func NewLogger(filePath string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &Logger{
		filePath: filePath,
		file:     file,
		encoder:  json.NewEncoder(file),
	}, nil
}

// Log writes an event to the log file. A nil Logger discards the event.
func (l *Logger) Log(event *Event) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return l.encoder.Encode(event)
}

// LogCapture logs a capture event.
func (l *Logger) LogCapture(eventType EventType, recordingID, message string, details *CaptureDetails) error {
	return l.Log(&Event{Type: eventType, RecordingID: recordingID, Message: message, Details: details})
}

// LogDevice logs a device or routing event.
func (l *Logger) LogDevice(eventType EventType, message string, details *DeviceDetails) error {
	return l.Log(&Event{Type: eventType, Message: message, Details: details})
}

// LogUpload logs an upload event.
func (l *Logger) LogUpload(eventType EventType, recordingID string, details *UploadDetails) error {
	return l.Log(&Event{Type: eventType, RecordingID: recordingID, Details: details})
}

// Close closes the log file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// Path returns the path to the log file.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.filePath
}

// TypeFilter specifies which event types to include when reading.
type TypeFilter string

// Filter constants for ReadLast.
const (
	FilterAll     TypeFilter = ""
	FilterCapture TypeFilter = "capture"
	FilterDevice  TypeFilter = "device"
	FilterUpload  TypeFilter = "upload"
)

// ErrUnknownFilter is returned by ParseFilter.
var ErrUnknownFilter = errors.New("unknown event filter")

// ParseFilter validates a filter name.
func ParseFilter(s string) (TypeFilter, error) {
	switch f := TypeFilter(s); f {
	case FilterAll, FilterCapture, FilterDevice, FilterUpload:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFilter, s)
	}
}

// Matches reports whether t passes the filter.
func (f TypeFilter) Matches(t EventType) bool {
	switch f {
	case FilterCapture:
		return IsCaptureEvent(t)
	case FilterDevice:
		return IsDeviceEvent(t)
	case FilterUpload:
		return IsUploadEvent(t)
	default:
		return true
	}
}

// MaxReadLimit is the maximum number of events that can be read at once.
const MaxReadLimit = 500

// ReadLast reads events from the log file with pagination support.
// Returns up to n events starting from offset, filtered by type, newest
// first, and whether more events exist beyond the returned page.
func ReadLast(filePath string, n, offset int, filter TypeFilter) ([]Event, bool, error) {
	n = min(n, MaxReadLimit)
	if n <= 0 {
		return []Event{}, false, nil
	}
	offset = max(offset, 0)

	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, false, nil
		}
		return nil, false, err
	}
	defer file.Close() //nolint:errcheck // Read-only operation, close error not critical

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}

	events := make([]Event, 0, n)
	matched := 0
	for i := len(lines) - 1; i >= 0; i-- {
		var event Event
		if err := json.Unmarshal([]byte(lines[i]), &event); err != nil {
			continue // Skip malformed lines
		}
		if !filter.Matches(event.Type) {
			continue
		}

		matched++
		if matched <= offset {
			continue
		}
		if len(events) == n {
			return events, true, nil
		}
		events = append(events, event)
	}
	return events, false, nil
}

// IsCaptureEvent returns true if the event type is a capture event.
func IsCaptureEvent(t EventType) bool {
	switch t {
	case RecordingStarted, RecordingStopped, RecordingFailed, CaptureSilent:
		return true
	}
	return false
}

// IsDeviceEvent returns true if the event type is a device or routing event.
func IsDeviceEvent(t EventType) bool {
	switch t {
	case SwitchStarted, SwitchCompleted, SwitchRejected, RoutingVerified, RoutingSuboptimal,
		AggregateCreated, AggregateDestroyed, AggregateFailed,
		DevicesChanged, DefaultInputChanged, DefaultOutputChanged:
		return true
	}
	return false
}

// IsUploadEvent returns true if the event type is an upload event.
func IsUploadEvent(t EventType) bool {
	switch t {
	case UploadQueued, UploadCompleted, UploadFailed, UploadRetry, UploadAbandoned,
		SummaryCompleted, CleanupCompleted:
		return true
	}
	return false
}
