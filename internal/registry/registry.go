// Package registry enumerates and classifies the audio devices known to the OS.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/oszuidwest/zwfm-loopback/internal/audio"
	"github.com/oszuidwest/zwfm-loopback/internal/hal"
)

// ErrDeviceQueryFailed indicates the OS device enumeration call failed.
var ErrDeviceQueryFailed = errors.New("device query failed")

// Registry holds the most recent device enumeration.
type Registry struct {
	sys        hal.System
	classifier *audio.Classifier

	mu      sync.RWMutex
	devices []audio.Device
}

// New creates a Registry. A nil classifier uses the default keyword rules.
func New(sys hal.System, classifier *audio.Classifier) *Registry {
	if classifier == nil {
		classifier = audio.DefaultClassifier()
	}
	return &Registry{sys: sys, classifier: classifier}
}

// Classifier returns the classification policy in use.
func (r *Registry) Classifier() *audio.Classifier {
	return r.classifier
}

// Refresh re-enumerates all devices in OS order.
//
// Devices whose name cannot be resolved are dropped. If the enumeration
// itself fails, the published list is cleared, an empty list is returned and
// the error wraps ErrDeviceQueryFailed.
func (r *Registry) Refresh() ([]audio.Device, error) {
	ids, err := r.sys.DeviceIDs()
	if err != nil {
		r.publish(nil)
		return []audio.Device{}, fmt.Errorf("%w: %w", ErrDeviceQueryFailed, err)
	}

	devices := make([]audio.Device, 0, len(ids))
	for _, id := range ids {
		d, ok := r.resolve(id)
		if !ok {
			continue
		}
		devices = append(devices, d)
	}

	r.publish(devices)
	return slices.Clone(devices), nil
}

func (r *Registry) resolve(id audio.DeviceID) (audio.Device, bool) {
	name, err := r.sys.DeviceName(id)
	if err != nil || name == "" {
		slog.Debug("skipping device without name", "id", id, "error", err)
		return audio.Device{}, false
	}

	uid, err := r.sys.DeviceUID(id)
	if err != nil {
		slog.Debug("device uid unavailable", "device", name, "error", err)
		uid = ""
	}

	d := audio.Device{ID: id, Name: name, UID: uid}
	d.Kind = r.Classify(d)
	return d, true
}

// Classify derives a device kind from its name. Channel metadata is only
// consulted when no keyword matches and the backend can report it.
func (r *Registry) Classify(d audio.Device) audio.DeviceKind {
	kind := r.classifier.Classify(d.Name)
	if kind != audio.KindUnknown {
		return kind
	}

	counter, ok := r.sys.(hal.ChannelCounter)
	if !ok {
		return kind
	}
	in, inErr := counter.InputChannels(d.ID)
	out, outErr := counter.OutputChannels(d.ID)
	if inErr != nil || outErr != nil {
		return kind
	}
	return hal.KindFromChannels(in, out)
}

func (r *Registry) publish(devices []audio.Device) {
	r.mu.Lock()
	r.devices = devices
	r.mu.Unlock()
}

// Devices returns a copy of the last published enumeration.
func (r *Registry) Devices() []audio.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.devices)
}

// Lookup finds a device by handle in the last enumeration.
func (r *Registry) Lookup(id audio.DeviceID) (audio.Device, bool) {
	return find(r.Devices(), func(d audio.Device) bool { return d.ID == id })
}

// FindByUID finds a device by UID in the last enumeration.
func (r *Registry) FindByUID(uid string) (audio.Device, bool) {
	if uid == "" {
		return audio.Device{}, false
	}
	return find(r.Devices(), func(d audio.Device) bool { return d.UID == uid })
}

// FindByName finds the first device with the given name in the last enumeration.
func (r *Registry) FindByName(name string) (audio.Device, bool) {
	return find(r.Devices(), func(d audio.Device) bool { return d.Name == name })
}

func find(devices []audio.Device, match func(audio.Device) bool) (audio.Device, bool) {
	i := slices.IndexFunc(devices, match)
	if i < 0 {
		return audio.Device{}, false
	}
	return devices[i], true
}

// FindDefaultInput queries the OS default input directly.
func (r *Registry) FindDefaultInput() (audio.Device, bool) {
	return r.findDefault(r.sys.DefaultInput, "input")
}

// FindDefaultOutput queries the OS default output directly.
func (r *Registry) FindDefaultOutput() (audio.Device, bool) {
	return r.findDefault(r.sys.DefaultOutput, "output")
}

func (r *Registry) findDefault(query func() (audio.DeviceID, error), which string) (audio.Device, bool) {
	id, err := query()
	if err != nil {
		slog.Debug("default device unavailable", "direction", which, "error", err)
		return audio.Device{}, false
	}
	return r.resolve(id)
}

// Preferred applies the auto-selection policy to the last enumeration.
func (r *Registry) Preferred() (audio.Device, bool) {
	return SelectPreferred(r.Devices())
}

// SelectPreferred returns the first virtual loopback device, or the first
// device when none is present.
func SelectPreferred(devices []audio.Device) (audio.Device, bool) {
	if d, ok := find(devices, func(d audio.Device) bool { return d.Kind == audio.KindVirtualLoopback }); ok {
		return d, true
	}
	if len(devices) == 0 {
		return audio.Device{}, false
	}
	return devices[0], true
}
