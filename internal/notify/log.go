package notify

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/oszuidwest/zwfm-loopback/internal/util"
)

// LogEntry represents a single line in the notification log.
type LogEntry struct {
	Timestamp string   `json:"timestamp"` // RFC3339 timestamp
	Event     string   `json:"event"`     // Advisory kind or "test"
	Message   string   `json:"message,omitempty"`
	Device    string   `json:"device,omitempty"`
	Advice    []string `json:"advice,omitempty"`
}

// LogAdvisory appends an advisory to the notification log.
func LogAdvisory(logPath string, a *Advisory) error {
	return appendLogEntry(logPath, &LogEntry{
		Timestamp: timestampUTC(),
		Event:     string(a.Kind),
		Message:   a.Message,
		Device:    a.Device,
		Advice:    a.Advice,
	})
}

// WriteTestLog writes a test log entry.
func WriteTestLog(logPath string) error {
	if logPath == "" {
		return fmt.Errorf("log file path not configured")
	}

	return appendLogEntry(logPath, &LogEntry{
		Timestamp: timestampUTC(),
		Event:     "test",
	})
}

// appendLogEntry appends a log entry to the file.
func appendLogEntry(logPath string, entry *LogEntry) error {
	if !util.IsConfigured(logPath) {
		return nil
	}

	jsonData, err := json.Marshal(entry)
	if err != nil {
		return util.WrapError("marshal log entry", err)
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return util.WrapError("open log file", err)
	}
	defer util.SafeCloseFunc(f, "log file")()

	if _, err := f.Write(append(jsonData, '\n')); err != nil {
		return util.WrapError("write log entry", err)
	}

	return nil
}
