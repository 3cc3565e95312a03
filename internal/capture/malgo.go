package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/oszuidwest/zwfm-loopback/internal/audio"
)

// MalgoBackend opens capture streams through miniaudio.
type MalgoBackend struct {
	ctx  *malgo.AllocatedContext
	once sync.Once
}

// NewMalgoBackend initializes a miniaudio context with the platform default backends.
func NewMalgoBackend() (*MalgoBackend, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		slog.Debug("miniaudio", "message", strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("init malgo context: %w", err)
	}
	return &MalgoBackend{ctx: ctx}, nil
}

// Close releases the miniaudio context.
func (b *MalgoBackend) Close() error {
	var err error
	b.once.Do(func() {
		err = b.ctx.Uninit()
		b.ctx.Free()
	})
	return err
}

// Open binds a 16-bit capture stream at the device's native rate and channel count.
//
// Devices are matched by name. When no capture endpoint carries the name the
// OS default input is opened instead; the caller sets that default before
// configuring, so both paths reach the same device.
func (b *MalgoBackend) Open(dev *audio.Device, onData func([]byte)) (Stream, error) {
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 0
	cfg.SampleRate = 0

	name := "default"
	if dev != nil {
		infos, err := b.ctx.Devices(malgo.Capture)
		if err != nil {
			return nil, fmt.Errorf("enumerate capture devices: %w", err)
		}
		matched := false
		for _, info := range infos {
			if info.Name() == dev.Name {
				cfg.Capture.DeviceID = info.ID.Pointer()
				name = info.Name()
				matched = true
				break
			}
		}
		if !matched {
			slog.Debug("capture device not matched by name, using default input", "device", dev.Name)
		}
	}

	device, err := malgo.InitDevice(b.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			onData(input)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init capture device: %w", err)
	}

	return &malgoStream{
		device: device,
		name:   name,
		format: audio.Format{
			SampleRate: device.SampleRate(),
			Channels:   device.CaptureChannels(),
			BitDepth:   audio.BitDepth,
		},
	}, nil
}

type malgoStream struct {
	device *malgo.Device
	name   string
	format audio.Format
	closed bool
}

func (s *malgoStream) Format() audio.Format { return s.format }
func (s *malgoStream) DeviceName() string   { return s.name }

func (s *malgoStream) Start() error {
	if s.closed {
		return errors.New("stream closed")
	}
	return s.device.Start()
}

func (s *malgoStream) Stop() error {
	if s.closed || !s.device.IsStarted() {
		return nil
	}
	return s.device.Stop()
}

func (s *malgoStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.device.Uninit()
	return nil
}
