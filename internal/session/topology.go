package session

import (
	"log/slog"
	"time"

	"github.com/oszuidwest/zwfm-loopback/internal/audio"
	"github.com/oszuidwest/zwfm-loopback/internal/capture"
	"github.com/oszuidwest/zwfm-loopback/internal/eventlog"
	"github.com/oszuidwest/zwfm-loopback/internal/hal"
	"github.com/oszuidwest/zwfm-loopback/internal/notify"
	"github.com/oszuidwest/zwfm-loopback/internal/topology"
)

// handleEvent runs on the owner goroutine.
func (s *Session) handleEvent(ev hal.Event) {
	slog.Debug("topology event", "event", ev)
	switch ev {
	case hal.EventDevicesChanged:
		s.devicesChanged()
	case hal.EventDefaultInputChanged:
		s.defaultInputChanged()
	case hal.EventDefaultOutputChanged:
		s.defaultOutputChanged()
	}
}

func (s *Session) isRecording() bool {
	return s.engine.State() == capture.StateRecording
}

func (s *Session) devicesChanged() {
	devices, err := s.refresh()
	details := &eventlog.DeviceDetails{Count: len(devices)}
	if err != nil {
		details.Error = err.Error()
	}
	s.logDevice(eventlog.DevicesChanged, "device list changed", details)

	if sel, ok := s.switcher.Selected(); ok {
		if _, present := s.registry.Lookup(sel.ID); !present {
			slog.Warn("selected input device disappeared", "device", sel.Name, "recording", s.isRecording())
		}
	}
}

// lookup resolves id, refreshing once when it is not in the last enumeration.
func (s *Session) lookup(id audio.DeviceID) (audio.Device, bool) {
	if d, ok := s.registry.Lookup(id); ok {
		return d, true
	}
	if _, err := s.refresh(); err != nil {
		return audio.Device{}, false
	}
	return s.registry.Lookup(id)
}

func (s *Session) defaultInputChanged() {
	id, err := s.sys.DefaultInput()
	if err != nil {
		slog.Warn("failed to read default input", "error", err)
		return
	}
	dev, known := s.lookup(id)
	s.logDevice(eventlog.DefaultInputChanged, "default input changed", &eventlog.DeviceDetails{
		Device: dev.Name,
		From:   s.selectedName(),
	})

	var selected *audio.Device
	if d, ok := s.switcher.Selected(); ok {
		// A selected PulseAudio sink shows up as its monitor source.
		if hal.SameInput(s.sys, d.ID, id) {
			d.ID = id
		}
		selected = &d
	}

	decision := topology.DecideDefaultInput(selected, id, s.isRecording(), s.switching())
	slog.Info("default input changed", "device", dev.Name, "id", id, "decision", decision)

	switch decision {
	case topology.Adopt:
		if !known {
			slog.Warn("new default input not enumerated", "id", id)
			return
		}
		if _, err := s.switchOwned(id); err != nil {
			slog.Warn("failed to adopt new default input", "device", dev.Name, "error", err)
		}
	case topology.NotifyOnly:
		s.advise(notify.Advisory{
			Kind:    notify.KindInputChangedWhileRecording,
			Message: "The system input changed during a recording; capture continues from " + s.selectedName(),
			Device:  dev.Name,
			Advice:  []string{"stop and restart the recording to capture from the new input"},
		})
	}
}

func (s *Session) defaultOutputChanged() {
	out, ok := s.registry.FindDefaultOutput()
	if !ok {
		if _, err := s.refresh(); err == nil {
			out, ok = s.registry.FindDefaultOutput()
		}
	}
	if !ok {
		slog.Warn("default output changed to an unknown device")
		return
	}
	s.logDevice(eventlog.DefaultOutputChanged, "default output changed", &eventlog.DeviceDetails{Output: out.Name})

	if topology.OutputAdvisory(s.registry.Classifier(), s.isRecording(), out) {
		s.advise(notify.Advisory{
			Kind:    notify.KindOutputNotLoopback,
			Message: "The system output no longer feeds the loopback device; system audio is not being recorded",
			Device:  out.Name,
			Advice:  []string{"set the system output back to the loopback or multi-output device"},
		})
		return
	}
	if s.advisor != nil && out.Kind.IsVirtual() {
		s.advisor.Clear(notify.KindOutputNotLoopback)
	}
}

// --- Capture health ---

func (s *Session) scheduleHealthCheck(id string) {
	s.stopHealthCheck()
	if s.opts.HealthCheckDelay < 0 {
		return
	}
	s.health = time.AfterFunc(s.opts.HealthCheckDelay, func() {
		if !s.post(func() { s.checkHealth(id) }) {
			slog.Debug("capture health check dropped", "recording_id", id)
		}
	})
}

func (s *Session) stopHealthCheck() {
	if s.health != nil {
		s.health.Stop()
		s.health = nil
	}
}

// checkHealth warns when a recording is still below the minimum size or silent.
func (s *Session) checkHealth(id string) {
	if s.recordingID != id || !s.isRecording() {
		return
	}
	s.health = nil

	written := s.engine.RecordedBytes()
	levels := s.engine.Levels()
	minBytes := s.engine.MinViableBytes()
	if written >= minBytes && levels.Peak >= SilentLevel {
		slog.Debug("capture healthy", "bytes", written, "peak", levels.Peak)
		return
	}

	dev := s.selectedName()
	slog.Warn("capture appears silent",
		"device", dev,
		"bytes", written,
		"min_bytes", minBytes,
		"peak", levels.Peak)
	s.logCapture(eventlog.CaptureSilent, id, "capture appears silent", &eventlog.CaptureDetails{
		Device: dev,
		Path:   s.engine.RecordingPath(),
		Bytes:  written,
		Level:  levels.Peak,
	})

	var advice []string
	if r, ok := s.switcher.LastReport(); ok {
		advice = r.Advice
	}
	s.advise(notify.Advisory{
		Kind:    notify.KindCaptureSilent,
		Message: "The recording is not receiving audio",
		Device:  dev,
		Advice:  advice,
	})
}

// --- Event log ---

func (s *Session) logDevice(t eventlog.EventType, msg string, details *eventlog.DeviceDetails) {
	if err := s.events.LogDevice(t, msg, details); err != nil {
		slog.Warn("failed to write event log", "type", t, "error", err)
	}
}

func (s *Session) logCapture(t eventlog.EventType, id, msg string, details *eventlog.CaptureDetails) {
	if err := s.events.LogCapture(t, id, msg, details); err != nil {
		slog.Warn("failed to write event log", "type", t, "error", err)
	}
}
