//go:build linux

package hal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-loopback/internal/audio"
	"github.com/oszuidwest/zwfm-loopback/internal/util"
)

const pactlTimeout = 5 * time.Second

// commandRunner runs pactl. Swapped out in tests.
type commandRunner interface {
	Output(ctx context.Context, args ...string) (string, error)
	Stream(ctx context.Context, args ...string) (io.ReadCloser, func() error, error)
}

type execRunner struct{}

func (execRunner) Output(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "pactl", args...)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", &StatusError{
				Op:     "pactl " + strings.Join(args, " "),
				Status: int32(exitErr.ExitCode()),
				Detail: util.ExtractLastError(string(exitErr.Stderr)),
			}
		}
		return "", fmt.Errorf("pactl %s: %w", args[0], err)
	}
	return string(out), nil
}

func (execRunner) Stream(ctx context.Context, args ...string) (io.ReadCloser, func() error, error) {
	cmd := exec.CommandContext(ctx, "pactl", args...)
	// Let pactl disconnect from the server before it is killed.
	cmd.Cancel = func() error { return util.GracefulSignal(cmd.Process) }
	cmd.WaitDelay = time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start pactl: %w", err)
	}
	return stdout, cmd.Wait, nil
}

// pulse is the PulseAudio/PipeWire backend driven through pactl.
type pulse struct {
	run commandRunner

	mu        sync.Mutex // serializes module loading and listener registration
	listening bool
}

func newSystem() (System, error) {
	if _, err := exec.LookPath("pactl"); err != nil {
		return nil, fmt.Errorf("%w: pactl not found", ErrUnsupported)
	}
	return &pulse{run: execRunner{}}, nil
}

func (p *pulse) pactl(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pactlTimeout)
	defer cancel()
	return p.run.Output(ctx, args...)
}

func (p *pulse) list(objects string) ([]shortEntry, error) {
	out, err := p.pactl("list", "short", objects)
	if err != nil {
		return nil, err
	}
	return parseShortList(out), nil
}

type pulseDevice struct {
	id     audio.DeviceID
	name   string
	source bool
}

func (p *pulse) devices() ([]pulseDevice, error) {
	sinks, err := p.list("sinks")
	if err != nil {
		return nil, err
	}
	sources, err := p.list("sources")
	if err != nil {
		return nil, err
	}

	devs := make([]pulseDevice, 0, len(sinks)+len(sources))
	for _, s := range sinks {
		devs = append(devs, pulseDevice{id: sinkID(s.Index), name: s.Name})
	}
	for _, s := range sources {
		devs = append(devs, pulseDevice{id: sourceID(s.Index), name: s.Name, source: true})
	}
	return devs, nil
}

func (p *pulse) lookup(id audio.DeviceID) (pulseDevice, error) {
	devs, err := p.devices()
	if err != nil {
		return pulseDevice{}, err
	}
	for _, d := range devs {
		if d.id == id {
			return d, nil
		}
	}
	return pulseDevice{}, fmt.Errorf("%w: %d", ErrNoDevice, id)
}

func (p *pulse) lookupName(name string, source bool) (audio.DeviceID, error) {
	devs, err := p.devices()
	if err != nil {
		return 0, err
	}
	for _, d := range devs {
		if d.name == name && d.source == source {
			return d.id, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrNoDevice, name)
}

func (p *pulse) DeviceIDs() ([]audio.DeviceID, error) {
	devs, err := p.devices()
	if err != nil {
		return nil, err
	}
	ids := make([]audio.DeviceID, 0, len(devs))
	for _, d := range devs {
		ids = append(ids, d.id)
	}
	return ids, nil
}

func (p *pulse) DeviceName(id audio.DeviceID) (string, error) {
	d, err := p.lookup(id)
	if err != nil {
		return "", err
	}
	return d.name, nil
}

// DeviceUID returns the PulseAudio object name, which is stable across restarts.
func (p *pulse) DeviceUID(id audio.DeviceID) (string, error) {
	return p.DeviceName(id)
}

func (p *pulse) defaultName(source bool) (string, error) {
	cmd := "get-default-sink"
	if source {
		cmd = "get-default-source"
	}
	out, err := p.pactl(cmd)
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(out)
	if name == "" {
		return "", ErrNoDevice
	}
	return name, nil
}

func (p *pulse) DefaultInput() (audio.DeviceID, error) {
	name, err := p.defaultName(true)
	if err != nil {
		return 0, err
	}
	return p.lookupName(name, true)
}

func (p *pulse) DefaultOutput() (audio.DeviceID, error) {
	name, err := p.defaultName(false)
	if err != nil {
		return 0, err
	}
	return p.lookupName(name, false)
}

// SetDefaultInput accepts a sink handle and selects its monitor source.
func (p *pulse) SetDefaultInput(id audio.DeviceID) error {
	d, err := p.lookup(id)
	if err != nil {
		return err
	}
	name := d.name
	if !d.source {
		name += monitorSuffix
	}
	_, err = p.pactl("set-default-source", name)
	return err
}

// InputAlias maps a sink to its monitor source. Sources map to themselves.
func (p *pulse) InputAlias(id audio.DeviceID) audio.DeviceID {
	d, err := p.lookup(id)
	if err != nil || d.source {
		return id
	}
	monitor, err := p.lookupName(d.name+monitorSuffix, true)
	if err != nil {
		return id
	}
	return monitor
}

func (p *pulse) SetDefaultOutput(id audio.DeviceID) error {
	d, err := p.lookup(id)
	if err != nil {
		return err
	}
	if d.source {
		return fmt.Errorf("%w: %s is not a sink", ErrNoDevice, d.name)
	}
	_, err = p.pactl("set-default-sink", d.name)
	return err
}

func (p *pulse) CreateAggregate(desc AggregateDescription) (audio.DeviceID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.pactl(combineSinkArgs(desc)...); err != nil {
		return 0, err
	}
	return p.lookupName(desc.UID, false)
}

func (p *pulse) DestroyAggregate(id audio.DeviceID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	d, err := p.lookup(id)
	if err != nil {
		return err
	}
	modules, err := p.list("modules")
	if err != nil {
		return err
	}
	for _, m := range modules {
		if m.Name == "module-combine-sink" && moduleArg(m.Rest, "sink_name") == d.name {
			_, err := p.pactl("unload-module", fmt.Sprint(m.Index))
			return err
		}
	}
	return fmt.Errorf("%w: no combine module owns %s", ErrNoDevice, d.name)
}

func (p *pulse) Listen(fn func(Event)) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.listening {
		return nil, ErrAlreadyListening
	}

	ctx, cancel := context.WithCancel(context.Background())
	stdout, wait, err := p.run.Stream(ctx, "subscribe")
	if err != nil {
		cancel()
		return nil, err
	}
	p.listening = true

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.readEvents(stdout, fn)
		if err := wait(); err != nil && ctx.Err() == nil {
			slog.Warn("pactl subscribe exited", "error", err)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			p.mu.Lock()
			p.listening = false
			p.mu.Unlock()
		})
	}, nil
}

// readEvents translates subscribe output into topology events until EOF.
func (p *pulse) readEvents(r io.Reader, fn func(Event)) {
	lastIn, _ := p.defaultName(true)
	lastOut, _ := p.defaultName(false)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		ev, ok := parseSubscribeLine(scanner.Text())
		if !ok {
			continue
		}
		switch {
		case ev.devicesChanged():
			fn(EventDevicesChanged)
		case ev.serverChanged():
			if in, err := p.defaultName(true); err == nil && in != lastIn {
				lastIn = in
				fn(EventDefaultInputChanged)
			}
			if out, err := p.defaultName(false); err == nil && out != lastOut {
				lastOut = out
				fn(EventDefaultOutputChanged)
			}
		}
	}
}
