package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/oszuidwest/zwfm-loopback/internal/aggregate"
	"github.com/oszuidwest/zwfm-loopback/internal/audio"
	"github.com/oszuidwest/zwfm-loopback/internal/capture"
	"github.com/oszuidwest/zwfm-loopback/internal/config"
	"github.com/oszuidwest/zwfm-loopback/internal/session"
	"github.com/oszuidwest/zwfm-loopback/internal/switcher"
)

// commandTimeout bounds how long a command waits for the owner context.
// A device switch sleeps twice, so this is generous.
const commandTimeout = 30 * time.Second

// DefaultEventsLimit is the page size of events/list when none is given.
const DefaultEventsLimit = 50

// WSCommand is a command received from a WebSocket client.
type WSCommand struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Controller is the capture session as seen by clients.
type Controller interface {
	Status() session.Status
	RefreshDevices(ctx context.Context) ([]audio.Device, error)
	SelectDevice(ctx context.Context, id audio.DeviceID) (switcher.Outcome, error)
	StartRecording(ctx context.Context) (string, error)
	StopRecording(ctx context.Context) (capture.Result, error)
	SetupCombinedOutputRouting(ctx context.Context) (aggregate.Routing, error)
	VerifyRouting(ctx context.Context) (switcher.RoutingReport, error)
	StartMonitoring(ctx context.Context) error
	StopMonitoring(ctx context.Context) error
}

// CommandHandler processes WebSocket commands.
type CommandHandler struct {
	cfg          *config.Config
	ctl          Controller
	eventLogPath string
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(cfg *config.Config, ctl Controller, eventLogPath string) *CommandHandler {
	return &CommandHandler{
		cfg:          cfg,
		ctl:          ctl,
		eventLogPath: eventLogPath,
	}
}

// Handle processes a WebSocket command and performs the requested action.
// Commands use slash-style format: namespace/action (e.g., "devices/select", "recording/start").
// triggerStatusUpdate runs once the command has taken effect.
func (h *CommandHandler) Handle(cmd WSCommand, send chan<- any, triggerStatusUpdate func()) {
	parts := strings.SplitN(cmd.Type, "/", 3)
	namespace := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	subaction := ""
	if len(parts) > 2 {
		subaction = parts[2]
	}

	switch namespace {
	case "devices":
		h.handleDevices(action, cmd, send, triggerStatusUpdate)
	case "recording":
		h.handleRecording(action, cmd, send, triggerStatusUpdate)
	case "routing":
		h.handleRouting(action, cmd, send, triggerStatusUpdate)
	case "monitoring":
		h.handleMonitoring(action, cmd, send, triggerStatusUpdate)
	case "events":
		h.handleEvents(action, cmd, send)
	case "notifications":
		h.handleNotifications(action, subaction, cmd, send)
	case "settings":
		h.handleSettings(action, cmd, send)
	case "status":
		h.handleStatus(action, send)
	default:
		slog.Warn("unknown WebSocket command", "type", cmd.Type)
		return
	}

	triggerStatusUpdate()
}

// --- Namespace handlers ---

// handleDevices routes devices/* commands
func (h *CommandHandler) handleDevices(action string, cmd WSCommand, send chan<- any, after func()) {
	switch action {
	case "refresh":
		h.runAsync(cmd, send, after, func(ctx context.Context) (any, error) {
			return h.ctl.RefreshDevices(ctx)
		})
	case "select":
		var req SelectDeviceRequest
		if !DecodeAndValidate(cmd, send, &req) {
			return
		}
		id := audio.DeviceID(*req.ID)
		h.runAsync(cmd, send, after, func(ctx context.Context) (any, error) {
			out, err := h.ctl.SelectDevice(ctx, id)
			if err != nil {
				return nil, err
			}
			return out, nil
		})
	default:
		slog.Warn("unknown devices action", "action", action)
	}
}

// handleRecording routes recording/* commands
func (h *CommandHandler) handleRecording(action string, cmd WSCommand, send chan<- any, after func()) {
	switch action {
	case "start":
		h.runAsync(cmd, send, after, func(ctx context.Context) (any, error) {
			path, err := h.ctl.StartRecording(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]string{"path": path}, nil
		})
	case "stop":
		h.runAsync(cmd, send, after, func(ctx context.Context) (any, error) {
			res, err := h.ctl.StopRecording(ctx)
			if err != nil && res.Path == "" {
				return nil, err
			}
			if err != nil {
				slog.Warn("recording/stop: finalized with error", "path", res.Path, "error", err)
			}
			return res, nil
		})
	default:
		slog.Warn("unknown recording action", "action", action)
	}
}

// handleRouting routes routing/* commands
func (h *CommandHandler) handleRouting(action string, cmd WSCommand, send chan<- any, after func()) {
	switch action {
	case "setup":
		h.runAsync(cmd, send, after, func(ctx context.Context) (any, error) {
			r, err := h.ctl.SetupCombinedOutputRouting(ctx)
			if err != nil {
				return nil, err
			}
			return r, nil
		})
	case "verify":
		h.runAsync(cmd, send, after, func(ctx context.Context) (any, error) {
			return h.ctl.VerifyRouting(ctx)
		})
	default:
		slog.Warn("unknown routing action", "action", action)
	}
}

// handleMonitoring routes monitoring/* commands
func (h *CommandHandler) handleMonitoring(action string, cmd WSCommand, send chan<- any, after func()) {
	switch action {
	case "start":
		h.runAsync(cmd, send, after, func(ctx context.Context) (any, error) {
			return nil, h.ctl.StartMonitoring(ctx)
		})
	case "stop":
		h.runAsync(cmd, send, after, func(ctx context.Context) (any, error) {
			return nil, h.ctl.StopMonitoring(ctx)
		})
	default:
		slog.Warn("unknown monitoring action", "action", action)
	}
}

// handleNotifications routes notifications/*/* commands
func (h *CommandHandler) handleNotifications(action, subaction string, cmd WSCommand, send chan<- any) {
	switch action {
	case "webhook":
		switch subaction {
		case "update":
			h.handleWebhookUpdate(cmd, send)
		case "test":
			h.handleTest(send, "test_webhook")
		default:
			slog.Warn("unknown webhook action", "subaction", subaction)
		}
	case "log":
		switch subaction {
		case "update":
			h.handleLogUpdate(cmd, send)
		case "test":
			h.handleTest(send, "test_log")
		default:
			slog.Warn("unknown log action", "subaction", subaction)
		}
	default:
		slog.Warn("unknown notifications action", "action", action)
	}
}

// handleSettings routes settings/* commands
func (h *CommandHandler) handleSettings(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "monitor":
		h.handleMonitorUpdate(cmd, send)
	case "regenerate-key":
		h.handleRegenerateAPIKey(cmd, send)
	default:
		slog.Warn("unknown settings action", "action", action)
	}
}

// handleStatus routes status/* commands
func (h *CommandHandler) handleStatus(action string, send chan<- any) {
	switch action {
	case "get":
		// Status is sent automatically, but explicit get triggers immediate update
		slog.Debug("status/get received, status update will be triggered")
	default:
		slog.Warn("unknown status action", "action", action)
	}
}

// runAsync runs a session command off the reader goroutine so a device
// switch does not stall the connection.
func (h *CommandHandler) runAsync(cmd WSCommand, send chan<- any, after func(), fn func(ctx context.Context) (any, error)) {
	HandleActionAsync(cmd, send, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		return fn(ctx)
	}, after)
}
