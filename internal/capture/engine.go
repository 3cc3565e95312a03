// Package capture owns the live input stream, the recording sink and level metering.
package capture

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oszuidwest/zwfm-loopback/internal/audio"
)

// Sentinel errors.
var (
	ErrNotConfigured      = errors.New("capture engine not configured")
	ErrConfigureFailed    = errors.New("capture engine configuration failed")
	ErrRecordingActive    = errors.New("recording active")
	ErrNotRecording       = errors.New("not recording")
	ErrSinkCreationFailed = errors.New("recording sink creation failed")
	ErrEngineStartFailed  = errors.New("capture engine start failed")
)

// Defaults.
const (
	DefaultMinViableBytes = 1000
	DefaultQueueSize      = 256
)

// State is the engine lifecycle state.
type State int32

// Engine states.
const (
	StateUninitialized State = iota
	StateConfigured
	StateMonitoring
	StateRecording
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConfigured:
		return "configured"
	case StateMonitoring:
		return "monitoring"
	case StateRecording:
		return "recording"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// tap selects what the audio callback does with a buffer.
type tap int32

const (
	tapNone tap = iota
	tapMonitor
	tapRecord
)

// Options configures an Engine. Zero fields take defaults.
type Options struct {
	// MinViableBytes is the file size below which a finished recording is flagged.
	MinViableBytes int64
	// QueueSize is the number of buffers held between the audio thread and the sink writer.
	QueueSize int
}

// Result describes a finished recording.
type Result struct {
	Path      string        `json:"path"`
	Bytes     int64         `json:"bytes"`
	Duration  time.Duration `json:"duration"`
	Format    audio.Format  `json:"format"`
	StartedAt time.Time     `json:"started_at"`
	// BelowThreshold is set when the file is smaller than the minimum viable size.
	BelowThreshold bool `json:"below_threshold"`
}

// Engine binds one input stream and serves monitoring and recording taps on it.
//
// Lifecycle methods are meant to be called from a single owner goroutine.
// Status accessors and the audio callback may run concurrently with them.
type Engine struct {
	backend Backend
	opts    Options

	mu      sync.Mutex
	stream  Stream
	device  *audio.Device
	running bool

	state State // guarded by mu
	pub   atomic.Int32
	tap   atomic.Int32
	rec   atomic.Pointer[recording]
	meter audio.LevelMeter
}

// NewEngine creates an unconfigured Engine.
func NewEngine(backend Backend, opts Options) *Engine {
	opts.MinViableBytes = cmp.Or(opts.MinViableBytes, DefaultMinViableBytes)
	opts.QueueSize = cmp.Or(opts.QueueSize, DefaultQueueSize)
	return &Engine{backend: backend, opts: opts}
}

func (e *Engine) setState(s State) {
	e.state = s
	e.pub.Store(int32(s))
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	return State(e.pub.Load())
}

// Levels returns the most recent level reading.
func (e *Engine) Levels() audio.Levels {
	return e.meter.Levels()
}

// MinViableBytes returns the configured minimum recording size.
func (e *Engine) MinViableBytes() int64 {
	return e.opts.MinViableBytes
}

// BoundDevice returns the device the stream was configured for.
// The second value is false when unconfigured or bound to the OS default.
func (e *Engine) BoundDevice() (audio.Device, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.device == nil {
		return audio.Device{}, false
	}
	return *e.device, true
}

// Format returns the negotiated stream format.
func (e *Engine) Format() (audio.Format, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stream == nil {
		return audio.Format{}, false
	}
	return e.stream.Format(), true
}

// RecordingPath returns the path of the active recording, if any.
func (e *Engine) RecordingPath() string {
	if r := e.rec.Load(); r != nil {
		return r.path
	}
	return ""
}

// RecordedBytes returns the PCM bytes written to the active recording so far.
func (e *Engine) RecordedBytes() int64 {
	if r := e.rec.Load(); r != nil {
		return r.written.Load()
	}
	return 0
}

// onData runs on the audio thread.
func (e *Engine) onData(buf []byte) {
	switch tap(e.tap.Load()) {
	case tapNone:
		return
	case tapRecord:
		if r := e.rec.Load(); r != nil {
			r.push(buf)
		}
	}
	e.meter.Update(buf)
}

// Configure rebinds the engine to dev, or the OS default input when dev is nil.
// It may be called repeatedly. An active monitoring tap is removed.
func (e *Engine) Configure(dev *audio.Device) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateRecording {
		return ErrRecordingActive
	}
	e.teardownLocked()

	stream, err := e.backend.Open(dev, e.onData)
	if err != nil {
		e.device = nil
		e.setState(StateUninitialized)
		return fmt.Errorf("%w: %w", ErrConfigureFailed, err)
	}

	e.stream = stream
	e.device = nil
	if dev != nil {
		d := *dev
		e.device = &d
	}
	e.setState(StateConfigured)

	f := stream.Format()
	slog.Info("capture engine configured",
		"device", stream.DeviceName(),
		"sample_rate", f.SampleRate,
		"channels", f.Channels,
		"bit_depth", f.BitDepth)
	return nil
}

// teardownLocked removes taps and releases the stream.
func (e *Engine) teardownLocked() {
	if e.stream == nil {
		return
	}
	e.tap.Store(int32(tapNone))
	e.stopStreamLocked()
	if err := e.stream.Close(); err != nil {
		slog.Warn("failed to close capture stream", "error", err)
	}
	e.stream = nil
}

func (e *Engine) startStreamLocked() error {
	if e.running {
		return nil
	}
	if err := e.stream.Start(); err != nil {
		return fmt.Errorf("%w: %w", ErrEngineStartFailed, err)
	}
	e.running = true
	return nil
}

func (e *Engine) stopStreamLocked() {
	if !e.running {
		return
	}
	if err := e.stream.Stop(); err != nil {
		slog.Warn("failed to stop capture stream", "error", err)
	}
	e.running = false
}

// StartMonitoring installs the metering tap. It is a no-op while monitoring or recording.
func (e *Engine) StartMonitoring() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateUninitialized:
		return ErrNotConfigured
	case StateMonitoring, StateRecording:
		return nil
	}

	e.tap.Store(int32(tapMonitor))
	if err := e.startStreamLocked(); err != nil {
		e.tap.Store(int32(tapNone))
		return err
	}
	e.setState(StateMonitoring)
	slog.Info("monitoring started")
	return nil
}

// StopMonitoring removes the metering tap. Recording is never affected.
func (e *Engine) StopMonitoring() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateMonitoring {
		return
	}
	e.tap.Store(int32(tapNone))
	e.stopStreamLocked()
	e.setState(StateConfigured)
	slog.Info("monitoring stopped")
}

// StartRecording opens a sink at path and starts writing to it.
//
// An active recording is finalized first and returned as prev. On failure the
// engine stays in its previous non-recording state and no partial file is left.
func (e *Engine) StartRecording(path string) (prev *Result, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateUninitialized {
		return nil, ErrNotConfigured
	}
	if e.state == StateRecording {
		r, err := e.stopRecordingLocked()
		if err != nil {
			slog.Warn("previous recording finalized with error", "path", r.Path, "error", err)
		}
		prev = &r
	}

	format := e.stream.Format()
	format.BitDepth = audio.BitDepth

	sink, err := openWAVSink(path, format)
	if err != nil {
		return prev, fmt.Errorf("%w: %w", ErrSinkCreationFailed, err)
	}

	rec := newRecording(path, format, sink, e.opts.QueueSize)
	e.rec.Store(rec)
	prevTap := tap(e.tap.Swap(int32(tapRecord)))

	if err := e.startStreamLocked(); err != nil {
		e.tap.Store(int32(prevTap))
		e.rec.Store(nil)
		_ = rec.finish()
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			slog.Warn("failed to remove partial recording", "path", path, "error", rmErr)
		}
		return prev, err
	}

	e.setState(StateRecording)
	slog.Info("recording started",
		"path", path,
		"sample_rate", format.SampleRate,
		"channels", format.Channels)
	return prev, nil
}

// StopRecording finalizes the active recording. The file is complete on return.
func (e *Engine) StopRecording() (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateRecording {
		return Result{}, ErrNotRecording
	}
	return e.stopRecordingLocked()
}

func (e *Engine) stopRecordingLocked() (Result, error) {
	rec := e.rec.Load()

	e.tap.Store(int32(tapNone))
	e.stopStreamLocked()
	e.rec.Store(nil)
	e.setState(StateConfigured)

	finishErr := rec.finish()
	res := Result{
		Path:      rec.path,
		Duration:  time.Since(rec.started),
		Format:    rec.format,
		StartedAt: rec.started,
	}
	if info, err := os.Stat(rec.path); err == nil {
		res.Bytes = info.Size()
	} else if finishErr == nil {
		finishErr = err
	}
	res.BelowThreshold = res.Bytes < e.opts.MinViableBytes

	if res.BelowThreshold {
		slog.Warn("recording below minimum size", "path", res.Path, "bytes", res.Bytes, "min_bytes", e.opts.MinViableBytes)
	} else {
		slog.Info("recording stopped", "path", res.Path, "bytes", res.Bytes, "duration", res.Duration.Round(time.Millisecond))
	}
	return res, finishErr
}

// Close stops any activity and releases the stream.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	if e.state == StateRecording {
		if _, err := e.stopRecordingLocked(); err != nil {
			errs = append(errs, err)
		}
	}
	e.teardownLocked()
	e.device = nil
	e.setState(StateUninitialized)
	return errors.Join(errs...)
}
