package capture

import "github.com/oszuidwest/zwfm-loopback/internal/audio"

// Backend opens input streams on capture devices.
type Backend interface {
	// Open binds a stream to dev, or to the OS default input when dev is nil.
	// onData is invoked on the audio thread with interleaved S16LE samples;
	// the buffer is only valid for the duration of the call.
	Open(dev *audio.Device, onData func([]byte)) (Stream, error)
}

// Stream is a bound, startable input stream.
type Stream interface {
	// Format is the negotiated format. BitDepth is always 16.
	Format() audio.Format
	// DeviceName is the name of the device the backend actually opened.
	DeviceName() string
	Start() error
	// Stop blocks until no further data callbacks are delivered.
	Stop() error
	Close() error
}
