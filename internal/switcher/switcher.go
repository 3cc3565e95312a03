// Package switcher serializes changes of the active capture input device.
package switcher

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/oszuidwest/zwfm-loopback/internal/audio"
	"github.com/oszuidwest/zwfm-loopback/internal/capture"
	"github.com/oszuidwest/zwfm-loopback/internal/hal"
)

// Sentinel errors.
var (
	ErrSwitchRejected = errors.New("device switch already in progress")
	ErrUnknownDevice  = errors.New("unknown device")
)

// Defaults.
const (
	DefaultSettleDelay = 500 * time.Millisecond
	DefaultResumeDelay = 500 * time.Millisecond
)

// State is the coordinator state.
type State int32

// Coordinator states.
const (
	StateIdle State = iota
	StateSwitching
)

func (s State) String() string {
	if s == StateSwitching {
		return "switching"
	}
	return "idle"
}

// Engine is the capture surface the coordinator drives.
type Engine interface {
	State() capture.State
	Configure(dev *audio.Device) error
	StartMonitoring() error
	StopMonitoring()
	StartRecording(path string) (*capture.Result, error)
	StopRecording() (capture.Result, error)
	RecordingPath() string
	BoundDevice() (audio.Device, bool)
}

// Devices resolves handles against the latest enumeration.
type Devices interface {
	Lookup(id audio.DeviceID) (audio.Device, bool)
	FindByUID(uid string) (audio.Device, bool)
	FindDefaultOutput() (audio.Device, bool)
	Classifier() *audio.Classifier
}

// Options configures a Coordinator.
type Options struct {
	SettleDelay time.Duration
	ResumeDelay time.Duration
	// NextPath returns a fresh sink path when a recording resumes after a switch.
	NextPath func() (string, error)
	// OnFinalized receives every recording ended by a switch.
	OnFinalized func(capture.Result)
}

// Outcome describes a completed switch.
type Outcome struct {
	Device            audio.Device
	Finalized         *capture.Result
	ResumedPath       string
	ResumedMonitoring bool
	Report            RoutingReport
}

// Coordinator runs device switches one at a time.
type Coordinator struct {
	sys     hal.System
	devices Devices
	engine  Engine
	opts    Options

	sleep func(time.Duration)

	state    atomic.Int32
	selected atomic.Pointer[audio.Device]
	report   atomic.Pointer[RoutingReport]
	built    atomic.Pointer[BuiltAggregate]
}

// New creates an idle Coordinator.
func New(sys hal.System, devices Devices, engine Engine, opts Options) *Coordinator {
	if opts.SettleDelay == 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.ResumeDelay == 0 {
		opts.ResumeDelay = DefaultResumeDelay
	}
	return &Coordinator{
		sys:     sys,
		devices: devices,
		engine:  engine,
		opts:    opts,
		sleep:   time.Sleep,
	}
}

// SetSleep replaces the function used for settling delays.
func (c *Coordinator) SetSleep(fn func(time.Duration)) {
	c.sleep = fn
}

// State returns the current state. Safe from any goroutine.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Switching reports whether a switch is in flight.
func (c *Coordinator) Switching() bool {
	return c.State() == StateSwitching
}

// Selected returns the currently selected input device.
func (c *Coordinator) Selected() (audio.Device, bool) {
	if d := c.selected.Load(); d != nil {
		return *d, true
	}
	return audio.Device{}, false
}

// SetSelected records dev as selected without touching the OS or the engine.
func (c *Coordinator) SetSelected(dev audio.Device) {
	c.selected.Store(&dev)
}

// SetBuiltAggregate records the aggregate made by routing setup. Verification
// then accepts an aggregate output only when it is that device. An empty uid
// clears it.
func (c *Coordinator) SetBuiltAggregate(uid, loopbackUID string) {
	if uid == "" {
		c.built.Store(nil)
		return
	}
	c.built.Store(&BuiltAggregate{UID: uid, LoopbackUID: loopbackUID})
}

// LastReport returns the most recent routing report.
func (c *Coordinator) LastReport() (RoutingReport, bool) {
	if r := c.report.Load(); r != nil {
		return *r, true
	}
	return RoutingReport{}, false
}

// SwitchTo makes id the capture input.
//
// A request while another switch is in flight is rejected with
// ErrSwitchRejected and changes nothing. Once accepted the switch runs to
// completion: an active recording is finalized and, after the device is
// reconfigured, a new recording is started at a fresh path. The returned
// error reports a failed reconfiguration or resume; the switch still completes.
func (c *Coordinator) SwitchTo(id audio.DeviceID) (Outcome, error) {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateSwitching)) {
		slog.Warn("device switch rejected: already switching", "target", id)
		return Outcome{}, ErrSwitchRejected
	}
	defer c.state.Store(int32(StateIdle))

	dev, ok := c.devices.Lookup(id)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %d", ErrUnknownDevice, id)
	}
	out := Outcome{Device: dev}

	engineState := c.engine.State()
	wasRecording := engineState == capture.StateRecording
	wasMonitoring := engineState == capture.StateMonitoring
	slog.Info("device switch started",
		"target", dev.Name,
		"recording", wasRecording,
		"monitoring", wasMonitoring,
		"path", c.engine.RecordingPath())

	if wasMonitoring {
		c.engine.StopMonitoring()
	}
	if wasRecording {
		res, err := c.engine.StopRecording()
		if err != nil {
			slog.Warn("recording finalized with error during switch", "path", res.Path, "error", err)
		}
		out.Finalized = &res
		if c.opts.OnFinalized != nil {
			c.opts.OnFinalized(res)
		}
	}

	if err := c.sys.SetDefaultInput(dev.ID); err != nil {
		slog.Warn("failed to set default input", "device", dev.Name, "error", err)
	}
	c.sleep(c.opts.SettleDelay)

	var errs []error
	configErr := c.engine.Configure(&dev)
	if configErr != nil {
		slog.Error("failed to configure capture for new device", "device", dev.Name, "error", configErr)
		errs = append(errs, configErr)
	}

	out.Report = c.verify(&dev)
	c.selected.Store(&dev)

	c.sleep(c.opts.ResumeDelay)
	if configErr == nil {
		if err := c.resume(wasRecording, wasMonitoring, &out); err != nil {
			errs = append(errs, err)
		}
	}

	slog.Info("device switch completed", "device", dev.Name, "resumed_path", out.ResumedPath)
	return out, errors.Join(errs...)
}

func (c *Coordinator) resume(wasRecording, wasMonitoring bool, out *Outcome) error {
	switch {
	case wasRecording:
		if c.opts.NextPath == nil {
			return errors.New("no recording path source")
		}
		path, err := c.opts.NextPath()
		if err != nil {
			return fmt.Errorf("allocate recording path: %w", err)
		}
		if _, err := c.engine.StartRecording(path); err != nil {
			slog.Error("failed to resume recording after switch", "path", path, "error", err)
			return err
		}
		out.ResumedPath = path
	case wasMonitoring:
		if err := c.engine.StartMonitoring(); err != nil {
			slog.Error("failed to resume monitoring after switch", "error", err)
			return err
		}
		out.ResumedMonitoring = true
	}
	return nil
}

// Verify runs routing verification against the current selection.
func (c *Coordinator) Verify() RoutingReport {
	return c.verify(c.selected.Load())
}

func (c *Coordinator) verify(selected *audio.Device) RoutingReport {
	in := RoutingInput{Selected: selected}
	if out, ok := c.devices.FindDefaultOutput(); ok {
		in.DefaultOutput = &out
	}
	if bound, ok := c.engine.BoundDevice(); ok {
		in.Bound = &bound
	}
	if b := c.built.Load(); b != nil {
		built := *b
		_, built.Present = c.devices.FindByUID(b.UID)
		in.Built = &built
	}

	r := Verify(cmp.Or(c.devices.Classifier(), audio.DefaultClassifier()), in)
	r.Log()
	c.report.Store(&r)
	return r
}
