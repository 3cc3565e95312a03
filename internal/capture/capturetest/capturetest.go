// Package capturetest provides an in-memory capture backend for tests.
package capturetest

import (
	"errors"
	"sync"

	"github.com/oszuidwest/zwfm-loopback/internal/audio"
	"github.com/oszuidwest/zwfm-loopback/internal/capture"
)

// DefaultFormat is the format reported by streams unless overridden.
var DefaultFormat = audio.Format{SampleRate: 48000, Channels: 2, BitDepth: audio.BitDepth}

// Backend records Open calls and lets tests feed buffers into the live stream.
type Backend struct {
	mu       sync.Mutex
	format   audio.Format
	openErr  error
	startErr error
	opened   []*audio.Device
	current  *Stream
}

// New returns a Backend reporting DefaultFormat.
func New() *Backend {
	return &Backend{format: DefaultFormat}
}

// SetFormat sets the format of subsequently opened streams.
func (b *Backend) SetFormat(f audio.Format) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.format = f
}

// FailOpen makes Open return err until cleared with nil.
func (b *Backend) FailOpen(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openErr = err
}

// FailStart makes Start on subsequently opened streams return err.
func (b *Backend) FailStart(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startErr = err
	if b.current != nil {
		b.current.mu.Lock()
		b.current.startErr = err
		b.current.mu.Unlock()
	}
}

// Opened returns the device of every Open call; nil entries are default-device opens.
func (b *Backend) Opened() []*audio.Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*audio.Device(nil), b.opened...)
}

// Current returns the most recently opened stream.
func (b *Backend) Current() *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Feed delivers buf to the current stream if it is running.
// It reports whether the buffer was delivered.
func (b *Backend) Feed(buf []byte) bool {
	s := b.Current()
	if s == nil {
		return false
	}
	return s.Feed(buf)
}

func (b *Backend) Open(dev *audio.Device, onData func([]byte)) (capture.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openErr != nil {
		return nil, b.openErr
	}
	var d *audio.Device
	name := "default"
	if dev != nil {
		c := *dev
		d = &c
		name = dev.Name
	}
	b.opened = append(b.opened, d)
	b.current = &Stream{name: name, format: b.format, onData: onData, startErr: b.startErr}
	return b.current, nil
}

// Stream is a fake capture.Stream.
type Stream struct {
	mu       sync.Mutex
	name     string
	format   audio.Format
	onData   func([]byte)
	startErr error
	running  bool
	closed   bool
	starts   int
}

func (s *Stream) Format() audio.Format { return s.format }
func (s *Stream) DeviceName() string   { return s.name }

func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("stream closed")
	}
	if s.startErr != nil {
		return s.startErr
	}
	s.running = true
	s.starts++
	return nil
}

// Stop holds the stream lock, so it waits for an in-flight Feed like a real device.
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	return nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.closed = true
	return nil
}

// Running reports whether the stream is started.
func (s *Stream) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Closed reports whether the stream was closed.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Feed invokes the data callback synchronously when running.
func (s *Stream) Feed(buf []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.onData(buf)
	return true
}

var _ capture.Backend = (*Backend)(nil)
