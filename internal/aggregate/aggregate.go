// Package aggregate creates and tears down the multi-output device that feeds
// both a physical output and the virtual loopback device.
package aggregate

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-loopback/internal/audio"
	"github.com/oszuidwest/zwfm-loopback/internal/hal"
)

// Sentinel errors.
var (
	ErrMemberUIDUnresolved = errors.New("aggregate member uid unresolved")
	ErrCreationRejected    = errors.New("aggregate creation rejected")
	ErrDestructionRejected = errors.New("aggregate destruction rejected")
	ErrNoLoopbackDevice    = errors.New("no virtual loopback device found")
	ErrNoPhysicalOutput    = errors.New("no physical output device found")
)

// Defaults.
const (
	DefaultNamePattern    = "Multi-Output"
	DefaultDisplayName    = "Loopback Multi-Output"
	DefaultUIDPrefix      = "nl.zuidwest.loopback.multi-output"
	DefaultSettleDelay    = 500 * time.Millisecond
	DefaultOutputChannels = 2
)

// Spec describes an aggregate to create.
type Spec struct {
	DisplayName string
	// PrimaryMemberUID is the physical output. It provides the clock.
	PrimaryMemberUID string
	// SecondaryMemberUID is the virtual loopback device.
	SecondaryMemberUID string
	DriftCompensation  bool
}

// Options configures a Manager. Zero fields take defaults.
type Options struct {
	NamePattern       string
	DisplayName       string
	UIDPrefix         string
	SettleDelay       time.Duration
	OutputChannels    int
	DriftCompensation bool
}

// Routing is the outcome of a successful SetupFullRouting.
type Routing struct {
	Loopback  audio.Device
	Output    audio.Device
	Aggregate audio.DeviceID
	UID       string
	// Destroyed counts stale aggregates removed before creation.
	Destroyed int
}

// Manager owns aggregate device lifecycle.
type Manager struct {
	sys        hal.System
	classifier *audio.Classifier
	opts       Options

	// Overridable in tests.
	now   func() time.Time
	sleep func(time.Duration)

	mu      sync.Mutex
	lastUID string
	seq     int
}

// New creates a Manager.
func New(sys hal.System, classifier *audio.Classifier, opts Options) *Manager {
	if classifier == nil {
		classifier = audio.DefaultClassifier()
	}
	opts.NamePattern = cmp.Or(opts.NamePattern, DefaultNamePattern)
	opts.DisplayName = cmp.Or(opts.DisplayName, DefaultDisplayName)
	opts.UIDPrefix = cmp.Or(opts.UIDPrefix, DefaultUIDPrefix)
	opts.OutputChannels = cmp.Or(opts.OutputChannels, DefaultOutputChannels)
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}

	return &Manager{
		sys:        sys,
		classifier: classifier,
		opts:       opts,
		now:        time.Now,
		sleep:      time.Sleep,
	}
}

// SetClock replaces the time source and sleep function.
func (m *Manager) SetClock(now func() time.Time, sleep func(time.Duration)) {
	m.now = now
	m.sleep = sleep
}

// FindExisting returns the handles of previously created aggregates.
func (m *Manager) FindExisting(devices []audio.Device) []audio.DeviceID {
	var ids []audio.DeviceID
	for _, d := range devices {
		if audio.ContainsAny(d.Name, m.opts.NamePattern) {
			ids = append(ids, d.ID)
		}
	}
	return ids
}

// Create builds a new aggregate. Both member UIDs must be enumerable now.
func (m *Manager) Create(spec Spec) (audio.DeviceID, string, error) {
	if err := m.resolveMembers(spec.PrimaryMemberUID, spec.SecondaryMemberUID); err != nil {
		return 0, "", err
	}

	uid := m.nextUID()
	desc := hal.AggregateDescription{
		Name:              cmp.Or(spec.DisplayName, m.opts.DisplayName),
		UID:               uid,
		MemberUIDs:        []string{spec.PrimaryMemberUID, spec.SecondaryMemberUID},
		DriftCompensation: spec.DriftCompensation,
		OutputChannels:    m.opts.OutputChannels,
	}

	id, err := m.sys.CreateAggregate(desc)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %w", ErrCreationRejected, err)
	}

	slog.Info("aggregate device created", "id", id, "uid", uid, "members", desc.MemberUIDs)
	return id, uid, nil
}

// resolveMembers checks that every uid belongs to a currently enumerable device.
func (m *Manager) resolveMembers(uids ...string) error {
	ids, err := m.sys.DeviceIDs()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMemberUIDUnresolved, err)
	}

	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		if uid, err := m.sys.DeviceUID(id); err == nil && uid != "" {
			known[uid] = true
		}
	}

	for _, uid := range uids {
		if uid == "" || !known[uid] {
			return fmt.Errorf("%w: %q", ErrMemberUIDUnresolved, uid)
		}
	}
	return nil
}

// nextUID returns a timestamp-derived UID, suffixed when called twice within a second.
func (m *Manager) nextUID() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	uid := fmt.Sprintf("%s.aggregate.%s", m.opts.UIDPrefix, m.now().Format("20060102150405"))
	if uid == m.lastUID {
		m.seq++
		return fmt.Sprintf("%s.%d", uid, m.seq)
	}
	m.lastUID = uid
	m.seq = 0
	return uid
}

// Destroy removes an aggregate.
func (m *Manager) Destroy(id audio.DeviceID) error {
	if err := m.sys.DestroyAggregate(id); err != nil {
		return fmt.Errorf("%w: %w", ErrDestructionRejected, err)
	}
	slog.Info("aggregate device destroyed", "id", id)
	return nil
}

// SetupFullRouting makes system audio both audible and capturable.
//
// It locates the loopback device and a physical output, replaces stale
// aggregates with a fresh one, makes it the default output and finally calls
// onLoopbackSelected so the caller can switch capture to the loopback device.
// On failure the system is left in whatever state the failed step reached.
func (m *Manager) SetupFullRouting(devices []audio.Device, onLoopbackSelected func(audio.Device)) (Routing, error) {
	loopback, ok := m.findLoopback(devices)
	if !ok {
		slog.Warn("routing setup aborted: no loopback device", "devices", len(devices))
		return Routing{}, ErrNoLoopbackDevice
	}
	slog.Info("loopback device found", "device", loopback.Name, "id", loopback.ID)

	m.sleep(m.opts.SettleDelay)

	output, ok := m.pickOutput(devices)
	if !ok {
		slog.Warn("routing setup aborted: no physical output candidate")
		return Routing{}, ErrNoPhysicalOutput
	}
	slog.Info("physical output selected", "device", output.Name, "id", output.ID)

	r := Routing{Loopback: loopback, Output: output}
	for _, id := range m.FindExisting(devices) {
		if err := m.Destroy(id); err != nil {
			slog.Warn("failed to destroy stale aggregate", "id", id, "error", err)
			continue
		}
		r.Destroyed++
	}

	id, uid, err := m.Create(Spec{
		DisplayName:        m.opts.DisplayName,
		PrimaryMemberUID:   output.UID,
		SecondaryMemberUID: loopback.UID,
		DriftCompensation:  m.opts.DriftCompensation,
	})
	if err != nil {
		slog.Error("routing setup aborted: aggregate creation failed", "error", err)
		return r, err
	}
	r.Aggregate, r.UID = id, uid

	if err := m.sys.SetDefaultOutput(id); err != nil {
		slog.Warn("failed to set aggregate as default output", "id", id, "error", err)
	} else {
		slog.Info("default output set to aggregate", "id", id)
	}

	if onLoopbackSelected != nil {
		onLoopbackSelected(loopback)
	}
	return r, nil
}

func (m *Manager) findLoopback(devices []audio.Device) (audio.Device, bool) {
	i := slices.IndexFunc(devices, func(d audio.Device) bool {
		return d.Kind == audio.KindVirtualLoopback
	})
	if i < 0 {
		return audio.Device{}, false
	}
	return devices[i], true
}

// pickOutput selects the aggregate's physical member. Virtual devices are
// never candidates. If no device classifies as a physical output, the current
// default output is used when it is not virtual. Built-in devices win ties.
func (m *Manager) pickOutput(devices []audio.Device) (audio.Device, bool) {
	var candidates []audio.Device
	for _, d := range devices {
		if d.Kind == audio.KindPhysicalOutput {
			candidates = append(candidates, d)
		}
	}

	if len(candidates) == 0 {
		if d, ok := m.defaultOutput(devices); ok {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		return audio.Device{}, false
	}

	if i := slices.IndexFunc(candidates, func(d audio.Device) bool { return m.classifier.IsBuiltIn(d.Name) }); i >= 0 {
		return candidates[i], true
	}
	return candidates[0], true
}

func (m *Manager) defaultOutput(devices []audio.Device) (audio.Device, bool) {
	id, err := m.sys.DefaultOutput()
	if err != nil {
		return audio.Device{}, false
	}
	i := slices.IndexFunc(devices, func(d audio.Device) bool { return d.ID == id })
	if i < 0 || devices[i].Kind.IsVirtual() || audio.ContainsAny(devices[i].Name, m.opts.NamePattern) {
		return audio.Device{}, false
	}
	return devices[i], true
}
