// Package session is the single owner of capture and device-switch state.
//
// Commands, topology notifications and timers never touch the registry, the
// engine or the coordinator directly: they post a task to the session queue
// and Run executes tasks one at a time.
package session

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/oszuidwest/zwfm-loopback/internal/aggregate"
	"github.com/oszuidwest/zwfm-loopback/internal/audio"
	"github.com/oszuidwest/zwfm-loopback/internal/capture"
	"github.com/oszuidwest/zwfm-loopback/internal/eventlog"
	"github.com/oszuidwest/zwfm-loopback/internal/hal"
	"github.com/oszuidwest/zwfm-loopback/internal/notify"
	"github.com/oszuidwest/zwfm-loopback/internal/recording"
	"github.com/oszuidwest/zwfm-loopback/internal/registry"
	"github.com/oszuidwest/zwfm-loopback/internal/switcher"
	"github.com/oszuidwest/zwfm-loopback/internal/topology"
)

// Defaults.
const (
	DefaultQueueSize        = 64
	DefaultHealthCheckDelay = 3 * time.Second
	// SilentLevel is the peak below which a fresh recording is considered silent.
	SilentLevel = 0.01
)

// Sentinel errors for session operations.
var (
	ErrClosed         = errors.New("session closed")
	ErrAlreadyRunning = errors.New("session already running")
)

// Uploader receives finished recordings above the minimum size.
type Uploader interface {
	Enqueue(job recording.Job) error
}

// Advisor delivers operator advisories.
type Advisor interface {
	Advise(a notify.Advisory) bool
	Clear(kind notify.Kind)
	Reset()
}

// PathSource allocates recording files.
type PathSource interface {
	Next() (path, id string)
}

// Deps are the collaborators a Session drives. Uploader, Advisor and Events may be nil.
type Deps struct {
	System     hal.System
	Registry   *registry.Registry
	Aggregates *aggregate.Manager
	Engine     *capture.Engine
	Paths      PathSource
	Uploader   Uploader
	Advisor    Advisor
	Events     *eventlog.Logger
}

// Options configures a Session.
type Options struct {
	// PreferredDevice is selected at start-up when a device with this name exists.
	PreferredDevice string
	SettleDelay     time.Duration
	ResumeDelay     time.Duration
	// HealthCheckDelay is how long after a recording starts its size and level are checked.
	HealthCheckDelay time.Duration
	MonitorWhenIdle  bool
	QueueSize        int
	// OnSelect is called on the owner goroutine after the user selects a device.
	OnSelect func(audio.Device)
}

// Status is the set of observed properties.
type Status struct {
	Recording     bool                    `json:"recording"`
	Level         float64                 `json:"level"`
	Peak          float64                 `json:"peak"`
	Selected      *audio.Device           `json:"selected,omitempty"`
	Devices       []audio.Device          `json:"devices"`
	Switching     bool                    `json:"switching"`
	EngineState   string                  `json:"engine_state"`
	Format        *audio.Format           `json:"format,omitempty"`
	RecordingID   string                  `json:"recording_id,omitempty"`
	RecordingPath string                  `json:"recording_path,omitempty"`
	RecordedBytes int64                   `json:"recorded_bytes"`
	RecordingFor  time.Duration           `json:"recording_for_ns,omitempty"`
	LastRecording *capture.Result         `json:"last_recording,omitempty"`
	Routing       *switcher.RoutingReport `json:"routing,omitempty"`
	Aggregate     *aggregate.Routing      `json:"aggregate,omitempty"`
}

// published is the owner-maintained part of Status.
type published struct {
	devices     []audio.Device
	recordingID string
	startedAt   time.Time
	last        *capture.Result
	aggregate   *aggregate.Routing
}

// Session is the owner context.
type Session struct {
	sys        hal.System
	registry   *registry.Registry
	aggregates *aggregate.Manager
	engine     *capture.Engine
	switcher   *switcher.Coordinator
	paths      PathSource
	uploader   Uploader
	advisor    Advisor
	events     *eventlog.Logger
	opts       Options

	tasks   chan func()
	done    chan struct{}
	running atomic.Bool
	state   atomic.Pointer[published]
	// switchPending is held from submission of a switch until it completes.
	switchPending atomic.Bool

	// Owner-only.
	listener    *topology.Listener
	recordingID string
	startedAt   time.Time
	pendingID   string
	health      *time.Timer
	last        *capture.Result
	aggregate   *aggregate.Routing
}

// New creates a Session. Nothing touches the OS until Run.
func New(deps Deps, opts Options) *Session {
	opts.QueueSize = cmp.Or(opts.QueueSize, DefaultQueueSize)
	opts.HealthCheckDelay = cmp.Or(opts.HealthCheckDelay, DefaultHealthCheckDelay)

	s := &Session{
		sys:        deps.System,
		registry:   deps.Registry,
		aggregates: deps.Aggregates,
		engine:     deps.Engine,
		paths:      deps.Paths,
		uploader:   deps.Uploader,
		advisor:    deps.Advisor,
		events:     deps.Events,
		opts:       opts,
		tasks:      make(chan func(), opts.QueueSize),
		done:       make(chan struct{}),
	}
	s.switcher = switcher.New(deps.System, deps.Registry, deps.Engine, switcher.Options{
		SettleDelay: opts.SettleDelay,
		ResumeDelay: opts.ResumeDelay,
		NextPath:    s.nextPath,
		OnFinalized: s.finished,
	})
	s.state.Store(&published{})
	return s
}

// Coordinator returns the device switch coordinator.
func (s *Session) Coordinator() *switcher.Coordinator {
	return s.switcher
}

// Run starts up the session and executes tasks until ctx is canceled.
// An active recording is finalized and handed off before Run returns.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.done)

	s.startup()
	defer s.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case task := <-s.tasks:
			task()
		}
	}
}

// post queues fn without blocking. It reports whether fn was accepted.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.tasks <- func() { fn(); s.publish() }:
		return true
	default:
		return false
	}
}

// do runs fn on the owner goroutine and waits for its result.
func do[T any](ctx context.Context, s *Session, fn func() (T, error)) (T, error) {
	var zero T
	ch, err := submit(ctx, s, fn)
	if err != nil {
		return zero, err
	}
	return await(ctx, s, ch)
}

type result[T any] struct {
	v   T
	err error
}

// submit queues fn. The error is non-nil only when fn was not queued.
func submit[T any](ctx context.Context, s *Session, fn func() (T, error)) (<-chan result[T], error) {
	ch := make(chan result[T], 1)
	task := func() {
		v, err := fn()
		s.publish()
		ch <- result[T]{v, err}
	}

	select {
	case s.tasks <- task:
		return ch, nil
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func await[T any](ctx context.Context, s *Session, ch <-chan result[T]) (T, error) {
	var zero T
	select {
	case r := <-ch:
		return r.v, r.err
	case <-s.done:
		select {
		case r := <-ch:
			return r.v, r.err
		default:
			return zero, ErrClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// --- Commands ---

// RefreshDevices re-enumerates devices.
func (s *Session) RefreshDevices(ctx context.Context) ([]audio.Device, error) {
	return do(ctx, s, s.refresh)
}

// SelectDevice switches capture to id. A request made while another switch
// is queued or in flight is rejected immediately with switcher.ErrSwitchRejected.
func (s *Session) SelectDevice(ctx context.Context, id audio.DeviceID) (switcher.Outcome, error) {
	select {
	case <-s.done:
		return switcher.Outcome{}, ErrClosed
	default:
	}
	if !s.switchPending.CompareAndSwap(false, true) {
		s.rejected(id)
		return switcher.Outcome{}, switcher.ErrSwitchRejected
	}
	ch, err := submit(ctx, s, func() (switcher.Outcome, error) {
		defer s.switchPending.Store(false)
		out, err := s.switchTo(id)
		if err == nil && s.opts.OnSelect != nil {
			s.opts.OnSelect(out.Device)
		}
		return out, err
	})
	if err != nil {
		s.switchPending.Store(false)
		return switcher.Outcome{}, err
	}
	return await(ctx, s, ch)
}

// StartRecording starts a recording at a fresh path and returns that path.
// An active recording is finalized first.
func (s *Session) StartRecording(ctx context.Context) (string, error) {
	return do(ctx, s, s.startRecording)
}

// StopRecording finalizes the active recording. The file is complete on return.
func (s *Session) StopRecording(ctx context.Context) (capture.Result, error) {
	return do(ctx, s, s.stopRecording)
}

// SetupCombinedOutputRouting makes the first loopback device the capture
// input behind a multi-output device that also feeds a physical output.
func (s *Session) SetupCombinedOutputRouting(ctx context.Context) (aggregate.Routing, error) {
	return do(ctx, s, s.setupRouting)
}

// StartMonitoring runs the level meter without recording.
func (s *Session) StartMonitoring(ctx context.Context) error {
	_, err := do(ctx, s, func() (struct{}, error) {
		return struct{}{}, s.engine.StartMonitoring()
	})
	return err
}

// StopMonitoring stops the level meter.
func (s *Session) StopMonitoring(ctx context.Context) error {
	_, err := do(ctx, s, func() (struct{}, error) {
		s.engine.StopMonitoring()
		return struct{}{}, nil
	})
	return err
}

// VerifyRouting runs routing verification against the current selection.
func (s *Session) VerifyRouting(ctx context.Context) (switcher.RoutingReport, error) {
	return do(ctx, s, func() (switcher.RoutingReport, error) {
		r := s.switcher.Verify()
		s.routingReport(r)
		return r, nil
	})
}

// Status returns the observed properties. It never waits for the owner.
func (s *Session) Status() Status {
	p := s.state.Load()
	levels := s.engine.Levels()
	engineState := s.engine.State()

	st := Status{
		Recording:     engineState == capture.StateRecording,
		Level:         levels.Current,
		Peak:          levels.Peak,
		Devices:       slices.Clone(p.devices),
		Switching:     s.switching(),
		EngineState:   engineState.String(),
		RecordingPath: s.engine.RecordingPath(),
		RecordedBytes: s.engine.RecordedBytes(),
		LastRecording: p.last,
		Aggregate:     p.aggregate,
	}
	if st.Devices == nil {
		st.Devices = []audio.Device{}
	}
	if st.Recording {
		st.RecordingID = p.recordingID
		if !p.startedAt.IsZero() {
			st.RecordingFor = time.Since(p.startedAt)
		}
	}
	if dev, ok := s.switcher.Selected(); ok {
		st.Selected = &dev
	}
	if f, ok := s.engine.Format(); ok {
		st.Format = &f
	}
	if r, ok := s.switcher.LastReport(); ok {
		st.Routing = &r
	}
	return st
}

// switching reports whether a switch is queued or in flight.
func (s *Session) switching() bool {
	return s.switchPending.Load() || s.switcher.Switching()
}

// publish snapshots owner state for Status.
func (s *Session) publish() {
	s.state.Store(&published{
		devices:     s.registry.Devices(),
		recordingID: s.recordingID,
		startedAt:   s.startedAt,
		last:        s.last,
		aggregate:   s.aggregate,
	})
}

// --- Owner-side operations ---

func (s *Session) startup() {
	devices, err := s.refresh()
	if err != nil {
		slog.Warn("initial device enumeration failed", "error", err)
	}

	if dev, ok := s.autoSelect(devices); ok {
		s.switcher.SetSelected(dev)
		slog.Info("input device selected", "device", dev.Name, "kind", dev.Kind)
		if err := s.engine.Configure(&dev); err != nil {
			slog.Error("failed to configure capture", "device", dev.Name, "error", err)
		} else if s.opts.MonitorWhenIdle {
			if err := s.engine.StartMonitoring(); err != nil {
				slog.Warn("failed to start monitoring", "error", err)
			}
		}
		s.routingReport(s.switcher.Verify())
	} else {
		slog.Warn("no audio devices found")
	}

	s.listener = topology.NewListener(s.sys, s.post, s.handleEvent)
	if err := s.listener.Start(); err != nil {
		slog.Warn("topology notifications unavailable", "error", err)
	}
	s.publish()
}

func (s *Session) shutdown() {
	if s.listener != nil {
		s.listener.Stop()
	}
	if s.engine.State() == capture.StateRecording {
		if _, err := s.stopRecording(); err != nil {
			slog.Warn("recording finalized with error at shutdown", "error", err)
		}
	}
	s.stopHealthCheck()
	if err := s.engine.Close(); err != nil {
		slog.Warn("failed to close capture engine", "error", err)
	}
	s.publish()
}

func (s *Session) autoSelect(devices []audio.Device) (audio.Device, bool) {
	if s.opts.PreferredDevice != "" {
		if d, ok := s.registry.FindByName(s.opts.PreferredDevice); ok {
			return d, true
		}
		slog.Info("preferred device not present", "device", s.opts.PreferredDevice)
	}
	return registry.SelectPreferred(devices)
}

func (s *Session) refresh() ([]audio.Device, error) {
	devices, err := s.registry.Refresh()
	if err != nil {
		slog.Warn("device enumeration failed", "error", err)
		return devices, err
	}
	slog.Debug("devices refreshed", "count", len(devices))
	return devices, nil
}

func (s *Session) switchTo(id audio.DeviceID) (switcher.Outcome, error) {
	target, _ := s.registry.Lookup(id)
	s.logDevice(eventlog.SwitchStarted, "device switch started", &eventlog.DeviceDetails{
		Device: target.Name,
		From:   s.selectedName(),
	})

	out, err := s.switcher.SwitchTo(id)
	if errors.Is(err, switcher.ErrSwitchRejected) {
		s.rejected(id)
		return out, err
	}
	if errors.Is(err, switcher.ErrUnknownDevice) {
		return out, err
	}

	if out.ResumedPath != "" {
		s.began(s.pendingID)
	}
	details := &eventlog.DeviceDetails{Device: out.Device.Name}
	if err != nil {
		details.Error = err.Error()
	}
	s.logDevice(eventlog.SwitchCompleted, "device switch completed", details)
	s.routingReport(out.Report)
	return out, err
}

// switchOwned runs a switch the session starts itself, under the same
// guard as SelectDevice.
func (s *Session) switchOwned(id audio.DeviceID) (switcher.Outcome, error) {
	if !s.switchPending.CompareAndSwap(false, true) {
		s.rejected(id)
		return switcher.Outcome{}, switcher.ErrSwitchRejected
	}
	defer s.switchPending.Store(false)
	return s.switchTo(id)
}

func (s *Session) rejected(id audio.DeviceID) {
	name := ""
	if d, ok := s.registry.Lookup(id); ok {
		name = d.Name
	}
	s.logDevice(eventlog.SwitchRejected, "device switch rejected: already switching", &eventlog.DeviceDetails{Device: name})
}

func (s *Session) selectedName() string {
	if d, ok := s.switcher.Selected(); ok {
		return d.Name
	}
	return ""
}

// nextPath runs inside SwitchTo on the owner goroutine.
func (s *Session) nextPath() (string, error) {
	path, id := s.paths.Next()
	s.pendingID = id
	return path, nil
}

func (s *Session) startRecording() (string, error) {
	if s.engine.State() == capture.StateUninitialized {
		if dev, ok := s.switcher.Selected(); ok {
			if err := s.engine.Configure(&dev); err != nil {
				s.startFailed("", err)
				return "", err
			}
		}
	}

	path, id := s.paths.Next()
	prev, err := s.engine.StartRecording(path)
	if prev != nil {
		s.finished(*prev)
	}
	if err != nil {
		s.startFailed(id, err)
		return "", err
	}

	s.began(id)
	s.routingReport(s.switcher.Verify())
	return path, nil
}

func (s *Session) startFailed(id string, err error) {
	dev := s.selectedName()
	s.logCapture(eventlog.RecordingFailed, id, "recording failed to start", &eventlog.CaptureDetails{
		Device: dev,
		Error:  err.Error(),
	})
	s.advise(notify.Advisory{
		Kind:    notify.KindRecordingStartFailed,
		Message: "Recording could not be started: " + err.Error(),
		Device:  dev,
	})
}

// began records a recording the engine has just started.
func (s *Session) began(id string) {
	s.recordingID = id
	s.startedAt = time.Now()

	details := &eventlog.CaptureDetails{
		Device: s.selectedName(),
		Path:   s.engine.RecordingPath(),
	}
	if f, ok := s.engine.Format(); ok {
		details.SampleRate = f.SampleRate
		details.Channels = f.Channels
	}
	s.logCapture(eventlog.RecordingStarted, id, "recording started", details)
	s.scheduleHealthCheck(id)
}

func (s *Session) stopRecording() (capture.Result, error) {
	res, err := s.engine.StopRecording()
	if errors.Is(err, capture.ErrNotRecording) {
		return res, err
	}
	s.finished(res)

	if s.opts.MonitorWhenIdle {
		if err := s.engine.StartMonitoring(); err != nil {
			slog.Warn("failed to resume monitoring", "error", err)
		}
	}
	return res, err
}

// finished hands a finalized recording to the upload collaborator.
// It runs on the owner goroutine, also when called back from SwitchTo.
func (s *Session) finished(res capture.Result) {
	id := cmp.Or(s.recordingID, recording.IDFromPath(res.Path))
	s.stopHealthCheck()
	s.recordingID = ""
	s.startedAt = time.Time{}
	s.last = &res

	s.logCapture(eventlog.RecordingStopped, id, "recording stopped", &eventlog.CaptureDetails{
		Device:     s.selectedName(),
		Path:       res.Path,
		Bytes:      res.Bytes,
		DurationMs: res.Duration.Milliseconds(),
		SampleRate: res.Format.SampleRate,
		Channels:   res.Format.Channels,
		Below:      res.BelowThreshold,
	})
	if s.advisor != nil {
		s.advisor.Reset()
	}

	if res.BelowThreshold {
		slog.Warn("recording not handed off: below minimum size", "path", res.Path, "bytes", res.Bytes)
		return
	}
	if s.uploader == nil {
		return
	}
	err := s.uploader.Enqueue(recording.Job{
		RecordingID: id,
		Path:        res.Path,
		Size:        res.Bytes,
		Duration:    res.Duration,
		StartedAt:   res.StartedAt,
	})
	if err != nil {
		slog.Warn("failed to queue recording for upload", "path", res.Path, "error", err)
	}
}

func (s *Session) setupRouting() (aggregate.Routing, error) {
	// Stale aggregates are about to be destroyed.
	s.switcher.SetBuiltAggregate("", "")
	devices, err := s.refresh()
	if err != nil {
		return aggregate.Routing{}, err
	}

	var switchErr error
	routing, err := s.aggregates.SetupFullRouting(devices, func(loop audio.Device) {
		if _, err := s.refresh(); err != nil {
			slog.Warn("device refresh after aggregate creation failed", "error", err)
		}
		if _, err := s.switchOwned(loop.ID); err != nil {
			switchErr = err
		}
	})
	if routing.Destroyed > 0 {
		s.logDevice(eventlog.AggregateDestroyed, "stale multi-output devices removed", &eventlog.DeviceDetails{Count: routing.Destroyed})
	}
	if err != nil {
		s.logDevice(eventlog.AggregateFailed, "routing setup failed", &eventlog.DeviceDetails{
			Device: routing.Loopback.Name,
			Output: routing.Output.Name,
			Error:  err.Error(),
		})
		return routing, err
	}

	s.aggregate = &routing
	s.switcher.SetBuiltAggregate(routing.UID, routing.Loopback.UID)
	s.logDevice(eventlog.AggregateCreated, "multi-output device created", &eventlog.DeviceDetails{
		Device: routing.Loopback.Name,
		Output: routing.Output.Name,
		UID:    routing.UID,
	})
	if _, err := s.refresh(); err != nil {
		slog.Warn("device refresh after routing setup failed", "error", err)
	}
	s.routingReport(s.switcher.Verify())
	return routing, switchErr
}

// routingReport logs the result of a verification and advises once when it fails.
func (s *Session) routingReport(r switcher.RoutingReport) {
	if r.OK() {
		s.logDevice(eventlog.RoutingVerified, "routing verified", &eventlog.DeviceDetails{Device: r.Input, Output: r.Output})
		if s.advisor != nil {
			s.advisor.Clear(notify.KindRoutingSuboptimal)
		}
		return
	}
	s.logDevice(eventlog.RoutingSuboptimal, "routing suboptimal", &eventlog.DeviceDetails{
		Device: r.Input,
		Output: r.Output,
		Advice: r.Advice,
	})
	s.advise(notify.Advisory{
		Kind:    notify.KindRoutingSuboptimal,
		Message: "System audio may not reach the capture device",
		Device:  r.Input,
		Advice:  r.Advice,
	})
}

func (s *Session) advise(a notify.Advisory) {
	if s.advisor != nil {
		s.advisor.Advise(a)
	}
}
