// Package topology turns OS device notifications into work on the owner goroutine.
package topology

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/oszuidwest/zwfm-loopback/internal/audio"
	"github.com/oszuidwest/zwfm-loopback/internal/hal"
)

// ErrAlreadyStarted is returned by Start on a running Listener.
var ErrAlreadyStarted = errors.New("topology listener already started")

// Listener subscribes to hal events and forwards each one as a task.
//
// The hal callback runs on an OS thread, so it never touches state itself: it
// only hands a closure to post, which must enqueue it for the owner goroutine.
type Listener struct {
	sys    hal.System
	post   func(func()) bool
	handle func(hal.Event)

	mu   sync.Mutex
	stop func()
}

// NewListener creates a Listener. handle runs on whatever goroutine drains post.
func NewListener(sys hal.System, post func(func()) bool, handle func(hal.Event)) *Listener {
	return &Listener{sys: sys, post: post, handle: handle}
}

// Start registers with the OS.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stop != nil {
		return ErrAlreadyStarted
	}
	stop, err := l.sys.Listen(l.forward)
	if err != nil {
		return err
	}
	l.stop = stop
	slog.Info("topology listener started")
	return nil
}

func (l *Listener) forward(ev hal.Event) {
	if !l.post(func() { l.handle(ev) }) {
		slog.Warn("topology event dropped", "event", ev)
	}
}

// Stop unregisters from the OS. Safe to call more than once.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stop == nil {
		return
	}
	l.stop()
	l.stop = nil
	slog.Info("topology listener stopped")
}

// Decision is the reaction to a default input change.
type Decision int

// Decisions.
const (
	// Ignore: nothing to do.
	Ignore Decision = iota
	// Adopt: switch capture to the new default.
	Adopt
	// NotifyOnly: tell the user, keep capturing from the current device.
	NotifyOnly
)

func (d Decision) String() string {
	switch d {
	case Adopt:
		return "adopt"
	case NotifyOnly:
		return "notify"
	default:
		return "ignore"
	}
}

// DecideDefaultInput applies the default input policy. A change is adopted
// only when idle; an active recording is never moved to another device.
func DecideDefaultInput(selected *audio.Device, newDefault audio.DeviceID, recording, switching bool) Decision {
	switch {
	case selected != nil && selected.ID == newDefault:
		return Ignore
	case switching:
		return Ignore
	case recording:
		return NotifyOnly
	default:
		return Adopt
	}
}

// OutputAdvisory reports whether a default output change while recording
// means system audio no longer reaches the loopback device.
func OutputAdvisory(c *audio.Classifier, recording bool, output audio.Device) bool {
	if !recording {
		return false
	}
	kind := c.Classify(output.Name)
	return kind != audio.KindVirtualLoopback && kind != audio.KindAggregate
}
