//go:build darwin

package hal

/*
#cgo LDFLAGS: -framework CoreAudio -framework CoreFoundation

#include <stdlib.h>
#include "coreaudio_darwin.h"
*/
import "C"

import (
	"sync"
	"unsafe"

	"github.com/oszuidwest/zwfm-loopback/internal/audio"
)

const maxStringLen = 512

// Global handler for the CoreAudio property listener. Only one at a time.
var (
	listenerFn func(Event)
	listenerMu sync.RWMutex
)

//export halPropertyChanged
func halPropertyChanged(event C.int) {
	listenerMu.RLock()
	fn := listenerFn
	listenerMu.RUnlock()

	if fn != nil {
		fn(Event(event))
	}
}

// coreAudio is the macOS backend.
type coreAudio struct {
	mu sync.Mutex // serializes aggregate creation and listener registration
}

func newSystem() (System, error) {
	return &coreAudio{}, nil
}

func statusErr(op string, st C.OSStatus) error {
	if st == 0 {
		return nil
	}
	return &StatusError{Op: op, Status: int32(st)}
}

func (s *coreAudio) DeviceIDs() ([]audio.DeviceID, error) {
	var count C.UInt32
	if err := statusErr("query device list size", C.halDeviceIDs(nil, &count)); err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}

	ids := make([]C.AudioObjectID, count)
	if err := statusErr("query device list", C.halDeviceIDs(&ids[0], &count)); err != nil {
		return nil, err
	}

	out := make([]audio.DeviceID, 0, count)
	for _, id := range ids[:count] {
		out = append(out, audio.DeviceID(id))
	}
	return out, nil
}

func (s *coreAudio) deviceString(id audio.DeviceID, which C.int, op string) (string, error) {
	buf := (*C.char)(C.malloc(maxStringLen))
	defer C.free(unsafe.Pointer(buf))

	if err := statusErr(op, C.halDeviceString(C.AudioObjectID(id), which, buf, maxStringLen)); err != nil {
		return "", err
	}
	return C.GoString(buf), nil
}

func (s *coreAudio) DeviceName(id audio.DeviceID) (string, error) {
	return s.deviceString(id, C.halStringName, "query device name")
}

func (s *coreAudio) DeviceUID(id audio.DeviceID) (string, error) {
	return s.deviceString(id, C.halStringUID, "query device uid")
}

func (s *coreAudio) defaultDevice(output C.int, op string) (audio.DeviceID, error) {
	var id C.AudioObjectID
	if err := statusErr(op, C.halGetDefault(output, &id)); err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, ErrNoDevice
	}
	return audio.DeviceID(id), nil
}

func (s *coreAudio) DefaultInput() (audio.DeviceID, error) {
	return s.defaultDevice(0, "query default input")
}

func (s *coreAudio) DefaultOutput() (audio.DeviceID, error) {
	return s.defaultDevice(1, "query default output")
}

func (s *coreAudio) SetDefaultInput(id audio.DeviceID) error {
	return statusErr("set default input", C.halSetDefault(0, C.AudioObjectID(id)))
}

func (s *coreAudio) SetDefaultOutput(id audio.DeviceID) error {
	return statusErr("set default output", C.halSetDefault(1, C.AudioObjectID(id)))
}

func (s *coreAudio) channels(id audio.DeviceID, output C.int) (int, error) {
	var n C.UInt32
	if err := statusErr("query stream configuration", C.halChannels(C.AudioObjectID(id), output, &n)); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *coreAudio) InputChannels(id audio.DeviceID) (int, error) {
	return s.channels(id, 0)
}

func (s *coreAudio) OutputChannels(id audio.DeviceID) (int, error) {
	return s.channels(id, 1)
}

func (s *coreAudio) CreateAggregate(desc AggregateDescription) (audio.DeviceID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := C.CString(desc.Name)
	defer C.free(unsafe.Pointer(name))
	uid := C.CString(desc.UID)
	defer C.free(unsafe.Pointer(uid))

	members := make([]*C.char, 0, len(desc.MemberUIDs))
	for _, m := range desc.MemberUIDs {
		members = append(members, C.CString(m))
	}
	defer func() {
		for _, m := range members {
			C.free(unsafe.Pointer(m))
		}
	}()
	if len(members) == 0 {
		return 0, &StatusError{Op: "create aggregate device", Status: -1}
	}

	drift := C.int(0)
	if desc.DriftCompensation {
		drift = 1
	}

	var id C.AudioObjectID
	st := C.halCreateAggregate(name, uid, &members[0], C.int(len(members)), drift, C.int(desc.OutputChannels), &id)
	if err := statusErr("create aggregate device", st); err != nil {
		return 0, err
	}
	return audio.DeviceID(id), nil
}

func (s *coreAudio) DestroyAggregate(id audio.DeviceID) error {
	return statusErr("destroy aggregate device", C.halDestroyAggregate(C.AudioObjectID(id)))
}

func (s *coreAudio) Listen(fn func(Event)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	listenerMu.Lock()
	if listenerFn != nil {
		listenerMu.Unlock()
		return nil, ErrAlreadyListening
	}
	listenerFn = fn
	listenerMu.Unlock()

	if err := statusErr("add property listener", C.halListen(1)); err != nil {
		C.halListen(0)
		clearListener()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			C.halListen(0)
			clearListener()
		})
	}, nil
}

func clearListener() {
	listenerMu.Lock()
	listenerFn = nil
	listenerMu.Unlock()
}
