package audio

import "fmt"

// DeviceID is the opaque numeric handle the OS assigns to an audio endpoint.
// It is unique for the lifetime of the process but not stable across reboots.
type DeviceID uint32

// DeviceKind is the derived classification of an audio endpoint.
type DeviceKind string

// Device kinds.
const (
	KindPhysicalOutput  DeviceKind = "physical_output"
	KindPhysicalInput   DeviceKind = "physical_input"
	KindVirtualLoopback DeviceKind = "virtual_loopback"
	KindAggregate       DeviceKind = "aggregate"
	KindUnknown         DeviceKind = "unknown"
)

// IsVirtual reports whether the kind is a synthetic endpoint (loopback or aggregate).
func (k DeviceKind) IsVirtual() bool {
	return k == KindVirtualLoopback || k == KindAggregate
}

// Device represents one OS-level audio endpoint.
type Device struct {
	// ID is the numeric handle, only meaningful within the enumeration pass it came from.
	ID DeviceID `json:"id"`
	// Name is the display name.
	Name string `json:"name"`
	// UID is the stable string identifier used to build aggregate devices.
	UID string `json:"uid,omitempty"`
	// Kind is the classification derived from the name.
	Kind DeviceKind `json:"kind"`
}

// String returns the device name with its handle.
func (d Device) String() string {
	return fmt.Sprintf("%s (%d)", d.Name, d.ID)
}

// BitDepth is the sample size of every recording sink.
const BitDepth = 16

// Format describes a negotiated PCM stream.
type Format struct {
	SampleRate uint32 `json:"sample_rate"`
	Channels   uint32 `json:"channels"`
	BitDepth   int    `json:"bit_depth"`
}

// BytesPerFrame returns the size of one interleaved frame.
func (f Format) BytesPerFrame() int {
	return int(f.Channels) * f.BitDepth / 8
}

// Levels is a published level meter reading, both values in [0,1].
type Levels struct {
	Current float64 `json:"current"`
	Peak    float64 `json:"peak"`
}
