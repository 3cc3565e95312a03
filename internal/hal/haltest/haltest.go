// Package haltest provides an in-memory hal.System for tests.
package haltest

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/oszuidwest/zwfm-loopback/internal/audio"
	"github.com/oszuidwest/zwfm-loopback/internal/hal"
)

// Device is a fake OS device.
type Device struct {
	ID   audio.DeviceID
	Name string
	UID  string
	// Input and Output channel counts, reported through hal.ChannelCounter.
	Input, Output int
}

// System is a fake hal.System. The zero value is not usable; use New.
type System struct {
	mu        sync.Mutex
	devices   map[audio.DeviceID]Device
	order     []audio.DeviceID
	input     audio.DeviceID
	output    audio.DeviceID
	nextID    audio.DeviceID
	aggregate map[audio.DeviceID]hal.AggregateDescription
	listeners map[int]func(hal.Event)
	nextL     int
	alias     map[audio.DeviceID]audio.DeviceID

	// Failure injection.
	ListErr      error
	NameErr      map[audio.DeviceID]error
	UIDErr       map[audio.DeviceID]error
	CreateErr    error
	DestroyErr   error
	SetInputErr  error
	SetOutputErr error
	DefaultErr   error
	ListenErr    error
	calls        []string
}

// New returns a System populated with devs in enumeration order.
func New(devs ...Device) *System {
	s := &System{
		devices:   make(map[audio.DeviceID]Device),
		aggregate: make(map[audio.DeviceID]hal.AggregateDescription),
		listeners: make(map[int]func(hal.Event)),
		alias:     make(map[audio.DeviceID]audio.DeviceID),
		NameErr:   make(map[audio.DeviceID]error),
		UIDErr:    make(map[audio.DeviceID]error),
		nextID:    1000,
	}
	for _, d := range devs {
		s.add(d)
	}
	return s
}

func (s *System) add(d Device) {
	if _, ok := s.devices[d.ID]; !ok {
		s.order = append(s.order, d.ID)
	}
	s.devices[d.ID] = d
}

func (s *System) record(call string) {
	s.calls = append(s.calls, call)
}

// Calls returns the mutating calls made so far, e.g. "set_default_input 3".
func (s *System) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// AddDevice adds or replaces a device without emitting an event.
func (s *System) AddDevice(d Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.add(d)
}

// RemoveDevice removes a device without emitting an event.
func (s *System) RemoveDevice(id audio.DeviceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, id)
	s.order = slices.DeleteFunc(s.order, func(o audio.DeviceID) bool { return o == id })
}

// SetDefaults sets the default devices without emitting events.
func (s *System) SetDefaults(input, output audio.DeviceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.input, s.output = input, output
}

// SetInputAlias makes SetDefaultInput(id) select alias as the default input,
// the way a PulseAudio sink selects its monitor source.
func (s *System) SetInputAlias(id, alias audio.DeviceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alias[id] = alias
}

// InputAlias implements hal.InputAliaser.
func (s *System) InputAlias(id audio.DeviceID) audio.DeviceID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.alias[id]; ok {
		return a
	}
	return id
}

// Defaults returns the current default input and output.
func (s *System) Defaults() (input, output audio.DeviceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input, s.output
}

// Aggregates returns the live aggregates created through CreateAggregate.
func (s *System) Aggregates() map[audio.DeviceID]hal.AggregateDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.aggregate)
}

// Emit delivers ev synchronously to every registered listener.
func (s *System) Emit(ev hal.Event) {
	s.mu.Lock()
	fns := slices.Collect(maps.Values(s.listeners))
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Listening reports the number of registered listeners.
func (s *System) Listening() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

func (s *System) DeviceIDs() ([]audio.DeviceID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	return slices.Clone(s.order), nil
}

func (s *System) get(id audio.DeviceID) (Device, error) {
	d, ok := s.devices[id]
	if !ok {
		return Device{}, fmt.Errorf("%w: %d", hal.ErrNoDevice, id)
	}
	return d, nil
}

func (s *System) DeviceName(id audio.DeviceID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.NameErr[id]; err != nil {
		return "", err
	}
	d, err := s.get(id)
	return d.Name, err
}

func (s *System) DeviceUID(id audio.DeviceID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.UIDErr[id]; err != nil {
		return "", err
	}
	d, err := s.get(id)
	return d.UID, err
}

func (s *System) InputChannels(id audio.DeviceID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.get(id)
	return d.Input, err
}

func (s *System) OutputChannels(id audio.DeviceID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.get(id)
	return d.Output, err
}

func (s *System) DefaultInput() (audio.DeviceID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DefaultErr != nil {
		return 0, s.DefaultErr
	}
	if s.input == 0 {
		return 0, hal.ErrNoDevice
	}
	return s.input, nil
}

func (s *System) DefaultOutput() (audio.DeviceID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DefaultErr != nil {
		return 0, s.DefaultErr
	}
	if s.output == 0 {
		return 0, hal.ErrNoDevice
	}
	return s.output, nil
}

func (s *System) SetDefaultInput(id audio.DeviceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(fmt.Sprintf("set_default_input %d", id))
	if s.SetInputErr != nil {
		return s.SetInputErr
	}
	if _, err := s.get(id); err != nil {
		return err
	}
	s.input = id
	if a, ok := s.alias[id]; ok {
		s.input = a
	}
	return nil
}

func (s *System) SetDefaultOutput(id audio.DeviceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(fmt.Sprintf("set_default_output %d", id))
	if s.SetOutputErr != nil {
		return s.SetOutputErr
	}
	if _, err := s.get(id); err != nil {
		return err
	}
	s.output = id
	return nil
}

func (s *System) CreateAggregate(desc hal.AggregateDescription) (audio.DeviceID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("create_aggregate " + desc.Name)
	if s.CreateErr != nil {
		return 0, s.CreateErr
	}
	s.nextID++
	id := s.nextID
	s.add(Device{ID: id, Name: desc.Name, UID: desc.UID, Output: desc.OutputChannels})
	s.aggregate[id] = desc
	return id, nil
}

func (s *System) DestroyAggregate(id audio.DeviceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(fmt.Sprintf("destroy_aggregate %d", id))
	if s.DestroyErr != nil {
		return s.DestroyErr
	}
	if _, err := s.get(id); err != nil {
		return err
	}
	delete(s.devices, id)
	delete(s.aggregate, id)
	s.order = slices.DeleteFunc(s.order, func(o audio.DeviceID) bool { return o == id })
	return nil
}

func (s *System) Listen(fn func(hal.Event)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListenErr != nil {
		return nil, s.ListenErr
	}
	s.nextL++
	key := s.nextL
	s.listeners[key] = fn
	return func() {
		s.mu.Lock()
		delete(s.listeners, key)
		s.mu.Unlock()
	}, nil
}

var (
	_ hal.System         = (*System)(nil)
	_ hal.ChannelCounter = (*System)(nil)
	_ hal.InputAliaser   = (*System)(nil)
)
