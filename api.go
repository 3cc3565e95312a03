package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/oszuidwest/zwfm-loopback/internal/aggregate"
	"github.com/oszuidwest/zwfm-loopback/internal/audio"
	"github.com/oszuidwest/zwfm-loopback/internal/capture"
	"github.com/oszuidwest/zwfm-loopback/internal/server"
	"github.com/oszuidwest/zwfm-loopback/internal/session"
	"github.com/oszuidwest/zwfm-loopback/internal/switcher"
)

// apiCommandTimeout bounds how long a request waits for the session.
const apiCommandTimeout = 30 * time.Second

// API response helpers

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// parseJSON reads, parses and validates JSON from the request body.
// Returns parsed value and true on success, zero value and false on failure.
func parseJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return v, false
	}
	if err := server.Validate(&v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": server.ValidationErrors(err).Errors,
		})
		return v, false
	}
	return v, true
}

// statusFor maps session errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, switcher.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, switcher.ErrSwitchRejected),
		errors.Is(err, capture.ErrNotRecording),
		errors.Is(err, capture.ErrRecordingActive):
		return http.StatusConflict
	case errors.Is(err, aggregate.ErrNoLoopbackDevice),
		errors.Is(err, aggregate.ErrNoPhysicalOutput):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrClosed),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// call runs fn with a bounded context and writes its result or error.
func call[T any](w http.ResponseWriter, r *http.Request, fn func(ctx context.Context) (T, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), apiCommandTimeout)
	defer cancel()

	result, err := fn(ctx)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleAPIStatus returns the recorder status.
// GET /api/status
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.buildStatus())
}

// devicesResponse lists the enumerated devices and the capture device.
type devicesResponse struct {
	Devices  []audio.Device `json:"devices"`
	Selected *audio.Device  `json:"selected,omitempty"`
}

// handleAPIDevices returns the last enumerated devices.
// GET /api/devices
func (s *Server) handleAPIDevices(w http.ResponseWriter, r *http.Request) {
	st := s.ctl.Status()
	writeJSON(w, http.StatusOK, devicesResponse{Devices: st.Devices, Selected: st.Selected})
}

// handleAPIRefreshDevices re-enumerates the OS devices.
// POST /api/devices/refresh
func (s *Server) handleAPIRefreshDevices(w http.ResponseWriter, r *http.Request) {
	call(w, r, func(ctx context.Context) (devicesResponse, error) {
		devices, err := s.ctl.RefreshDevices(ctx)
		if err != nil {
			return devicesResponse{}, err
		}
		return devicesResponse{Devices: devices, Selected: s.ctl.Status().Selected}, nil
	})
}

// handleAPISelectDevice switches capture to another input.
// POST /api/devices/select
func (s *Server) handleAPISelectDevice(w http.ResponseWriter, r *http.Request) {
	req, ok := parseJSON[server.SelectDeviceRequest](w, r)
	if !ok {
		return
	}
	call(w, r, func(ctx context.Context) (switcher.Outcome, error) {
		return s.ctl.SelectDevice(ctx, audio.DeviceID(*req.ID))
	})
}

// handleAPIStartRecording starts a recording on the selected device.
// POST /api/recording/start
func (s *Server) handleAPIStartRecording(w http.ResponseWriter, r *http.Request) {
	call(w, r, func(ctx context.Context) (map[string]string, error) {
		path, err := s.ctl.StartRecording(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]string{"status": "recording_started", "path": path}, nil
	})
}

// handleAPIStopRecording stops and finalizes the active recording.
// POST /api/recording/stop
func (s *Server) handleAPIStopRecording(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), apiCommandTimeout)
	defer cancel()

	res, err := s.ctl.StopRecording(ctx)
	if err != nil && res.Path == "" {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if err != nil {
		slog.Warn("recording finalized with error", "path", res.Path, "error", err)
	}
	writeJSON(w, http.StatusOK, res)
}

// handleAPISetupRouting creates the multi-output device and binds capture to the loopback device.
// POST /api/routing/setup
func (s *Server) handleAPISetupRouting(w http.ResponseWriter, r *http.Request) {
	call(w, r, s.ctl.SetupCombinedOutputRouting)
}

// handleAPIVerifyRouting checks whether system audio reaches the capture device.
// GET /api/routing/verify
func (s *Server) handleAPIVerifyRouting(w http.ResponseWriter, r *http.Request) {
	call(w, r, s.ctl.VerifyRouting)
}

// handleAPIEvents returns one page of the event log, newest first.
// GET /api/events?limit=50&offset=0&filter=capture
func (s *Server) handleAPIEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := server.EventsListRequest{Filter: q.Get("filter")}

	var err error
	if v := q.Get("limit"); v != "" {
		if req.Limit, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, "limit must be a number")
			return
		}
	}
	if v := q.Get("offset"); v != "" {
		if req.Offset, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, "offset must be a number")
			return
		}
	}
	if err := server.Validate(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": server.ValidationErrors(err).Errors,
		})
		return
	}

	page, err := server.ReadEvents(s.eventLogPath, &req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, page)
}
