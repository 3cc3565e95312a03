package server

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/oszuidwest/zwfm-loopback/internal/config"
	"github.com/oszuidwest/zwfm-loopback/internal/eventlog"
	"github.com/oszuidwest/zwfm-loopback/internal/notify"
)

// EventsPage is the data of an events/list result.
type EventsPage struct {
	Events  []eventlog.Event `json:"events"`
	HasMore bool             `json:"has_more"`
}

// ReadEvents reads one page of the event log, newest first.
func ReadEvents(path string, req *EventsListRequest) (EventsPage, error) {
	name := req.Filter
	if name == "all" {
		name = ""
	}
	filter, err := eventlog.ParseFilter(name)
	if err != nil {
		return EventsPage{}, err
	}
	events, hasMore, err := eventlog.ReadLast(path, cmp.Or(req.Limit, DefaultEventsLimit), req.Offset, filter)
	if err != nil {
		return EventsPage{}, err
	}
	if events == nil {
		events = []eventlog.Event{}
	}
	return EventsPage{Events: events, HasMore: hasMore}, nil
}

// handleEvents routes events/* commands
func (h *CommandHandler) handleEvents(action string, cmd WSCommand, send chan<- any) {
	if action != "list" {
		slog.Warn("unknown events action", "action", action)
		return
	}
	var req EventsListRequest
	if !DecodeAndValidate(cmd, send, &req) {
		return
	}
	HandleActionAsync(cmd, send, func() (any, error) {
		return ReadEvents(h.eventLogPath, &req)
	}, nil)
}

// runTest dispatches to the notification channel under test.
func (h *CommandHandler) runTest(testType string) error {
	cfg := h.cfg.Snapshot()
	switch testType {
	case "webhook":
		if !cfg.HasWebhook() {
			return fmt.Errorf("webhook URL not configured")
		}
		return notify.SendTestWebhook(cfg.WebhookURL)
	case "log":
		if !cfg.HasLogPath() {
			return fmt.Errorf("log file path not configured")
		}
		return notify.WriteTestLog(cfg.LogPath)
	default:
		return fmt.Errorf("unknown test type: %s", testType)
	}
}

// handleTest executes a notification test and sends the result to the client.
// testCmd should be in format "test_<type>" (e.g., "test_webhook").
func (h *CommandHandler) handleTest(send chan<- any, testCmd string) {
	testType := strings.TrimPrefix(testCmd, "test_")
	cmd := WSCommand{Type: "notifications/" + testType + "/test"}

	HandleActionAsync(cmd, send, func() (any, error) {
		if err := h.runTest(testType); err != nil {
			slog.Error("test failed", "command", testCmd, "error", err)
			return nil, err
		}
		slog.Info("test succeeded", "command", testCmd)
		return nil, nil
	}, nil)
}

// handleWebhookUpdate processes a notifications/webhook/update command.
func (h *CommandHandler) handleWebhookUpdate(cmd WSCommand, send chan<- any) {
	HandleCommand(cmd, send, func(req *WebhookUpdateRequest) error {
		return h.cfg.SetWebhookURL(req.URL)
	})
}

// handleLogUpdate processes a notifications/log/update command.
func (h *CommandHandler) handleLogUpdate(cmd WSCommand, send chan<- any) {
	HandleCommand(cmd, send, func(req *LogUpdateRequest) error {
		return h.cfg.SetLogPath(req.Path)
	})
}

// handleMonitorUpdate processes a settings/monitor command. It persists the
// preference and applies it to the running session.
func (h *CommandHandler) handleMonitorUpdate(cmd WSCommand, send chan<- any) {
	var req MonitorUpdateRequest
	if !DecodeAndValidate(cmd, send, &req) {
		return
	}
	enabled := *req.Enabled
	if err := h.cfg.SetMonitorWhenIdle(enabled); err != nil {
		SendError(send, cmd.Type, err)
		return
	}
	h.runAsync(cmd, send, nil, func(ctx context.Context) (any, error) {
		if h.ctl.Status().Recording {
			return nil, nil
		}
		if enabled {
			return nil, h.ctl.StartMonitoring(ctx)
		}
		return nil, h.ctl.StopMonitoring(ctx)
	})
}

// handleRegenerateAPIKey processes a settings/regenerate-key command.
func (h *CommandHandler) handleRegenerateAPIKey(cmd WSCommand, send chan<- any) {
	HandleActionAsync(cmd, send, func() (any, error) {
		newKey, err := config.GenerateAPIKey()
		if err != nil {
			return nil, err
		}

		if err := h.cfg.SetAPIKey(newKey); err != nil {
			return nil, err
		}

		slog.Info("API key regenerated")

		return map[string]string{"api_key": newKey}, nil
	}, nil)
}
