// Package hal is the boundary to the operating system audio subsystem.
//
// Everything above this package works with audio.DeviceID handles and typed
// errors; raw OS status codes only appear inside StatusError values returned
// from here.
package hal

import (
	"errors"
	"fmt"

	"github.com/oszuidwest/zwfm-loopback/internal/audio"
)

// Sentinel errors.
var (
	// ErrUnsupported is returned by New on platforms without a backend.
	ErrUnsupported = errors.New("audio hardware control is not supported on this platform")
	// ErrNoDevice indicates a handle that does not refer to an enumerable device.
	ErrNoDevice = errors.New("no such audio device")
	// ErrAlreadyListening is returned when a second topology listener is registered.
	ErrAlreadyListening = errors.New("topology listener already registered")
)

// StatusError carries a raw status code reported by the OS for a failed call.
type StatusError struct {
	Op     string
	Status int32
	Detail string // last line of the tool's stderr, when there is one
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: os status %d: %s", e.Op, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s: os status %d", e.Op, e.Status)
}

// Event is a topology change notification.
type Event int

// Topology events.
const (
	EventDevicesChanged Event = iota + 1
	EventDefaultInputChanged
	EventDefaultOutputChanged
)

func (e Event) String() string {
	switch e {
	case EventDevicesChanged:
		return "devices_changed"
	case EventDefaultInputChanged:
		return "default_input_changed"
	case EventDefaultOutputChanged:
		return "default_output_changed"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// AggregateDescription describes a multi-output device to create.
// MemberUIDs[0] is the clock source.
type AggregateDescription struct {
	Name              string
	UID               string
	MemberUIDs        []string
	DriftCompensation bool
	OutputChannels    int
}

// System is the OS audio device API.
//
// Implementations must be safe for concurrent use. Listen callbacks run on an
// OS thread and must not call back into the System.
type System interface {
	DeviceIDs() ([]audio.DeviceID, error)
	DeviceName(id audio.DeviceID) (string, error)
	DeviceUID(id audio.DeviceID) (string, error)

	DefaultInput() (audio.DeviceID, error)
	DefaultOutput() (audio.DeviceID, error)
	SetDefaultInput(id audio.DeviceID) error
	SetDefaultOutput(id audio.DeviceID) error

	CreateAggregate(desc AggregateDescription) (audio.DeviceID, error)
	DestroyAggregate(id audio.DeviceID) error

	// Listen registers fn for topology events until stop is called.
	Listen(fn func(Event)) (stop func(), err error)
}

// ChannelCounter is implemented by backends that can report stream channel counts.
type ChannelCounter interface {
	InputChannels(id audio.DeviceID) (int, error)
	OutputChannels(id audio.DeviceID) (int, error)
}

// InputAliaser is implemented by backends where one capture input has two
// handles, such as a PulseAudio sink and its monitor source.
type InputAliaser interface {
	// InputAlias returns the handle DefaultInput reports after SetDefaultInput(id).
	InputAlias(id audio.DeviceID) audio.DeviceID
}

// SameInput reports whether a and b name the same capture input on sys.
func SameInput(sys System, a, b audio.DeviceID) bool {
	if a == b {
		return true
	}
	al, ok := sys.(InputAliaser)
	if !ok {
		return false
	}
	return al.InputAlias(a) == al.InputAlias(b)
}

// New returns the backend for the current platform.
func New() (System, error) {
	return newSystem()
}

// KindFromChannels derives a kind from stream channel counts.
// Used only when name matching gives no answer.
func KindFromChannels(in, out int) audio.DeviceKind {
	switch {
	case in > 0 && out == 0:
		return audio.KindPhysicalInput
	case out > 0 && in == 0:
		return audio.KindPhysicalOutput
	default:
		return audio.KindUnknown
	}
}
