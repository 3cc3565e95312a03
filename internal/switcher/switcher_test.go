package switcher_test

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-loopback/internal/audio"
	"github.com/oszuidwest/zwfm-loopback/internal/capture"
	"github.com/oszuidwest/zwfm-loopback/internal/capture/capturetest"
	"github.com/oszuidwest/zwfm-loopback/internal/hal/haltest"
	"github.com/oszuidwest/zwfm-loopback/internal/registry"
	"github.com/oszuidwest/zwfm-loopback/internal/switcher"
)

type fixture struct {
	sys       *haltest.System
	reg       *registry.Registry
	backend   *capturetest.Backend
	engine    *capture.Engine
	coord     *switcher.Coordinator
	dir       string
	finalized []capture.Result
	sleeps    []time.Duration
	paths     atomic.Int32
	mu        sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		sys: haltest.New(
			haltest.Device{ID: 1, Name: "Built-in Output", UID: "builtin"},
			haltest.Device{ID: 2, Name: "BlackHole 2ch", UID: "bh2"},
			haltest.Device{ID: 3, Name: "USB Mic", UID: "usbmic"},
			haltest.Device{ID: 4, Name: "BlackHole 16ch", UID: "bh16"},
		),
		backend: capturetest.New(),
		dir:     t.TempDir(),
	}
	f.sys.SetDefaults(3, 2)
	f.reg = registry.New(f.sys, nil)
	_, err := f.reg.Refresh()
	require.NoError(t, err)

	f.engine = capture.NewEngine(f.backend, capture.Options{})
	t.Cleanup(func() { _ = f.engine.Close() })

	f.coord = switcher.New(f.sys, f.reg, f.engine, switcher.Options{
		NextPath: f.nextPath,
		OnFinalized: func(r capture.Result) {
			f.mu.Lock()
			f.finalized = append(f.finalized, r)
			f.mu.Unlock()
		},
	})
	f.coord.SetSleep(func(d time.Duration) {
		f.mu.Lock()
		f.sleeps = append(f.sleeps, d)
		f.mu.Unlock()
	})
	return f
}

func (f *fixture) nextPath() (string, error) {
	n := f.paths.Add(1)
	return filepath.Join(f.dir, fmt.Sprintf("rec-%d.wav", n)), nil
}

func (f *fixture) selectDevice(t *testing.T, id audio.DeviceID) {
	t.Helper()
	dev, ok := f.reg.Lookup(id)
	require.True(t, ok)
	require.NoError(t, f.engine.Configure(&dev))
	f.coord.SetSelected(dev)
}

func samples(n int) []byte {
	buf := make([]byte, 2*n)
	for i := range n {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(int16(2000)))
	}
	return buf
}

// -----------------------------------------------------------------------------
// SwitchTo
// -----------------------------------------------------------------------------

func TestSwitchTo_Idle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.selectDevice(t, 3)

	out, err := f.coord.SwitchTo(2)
	require.NoError(t, err)
	assert.Equal(t, "BlackHole 2ch", out.Device.Name)
	assert.Nil(t, out.Finalized)
	assert.Empty(t, out.ResumedPath)

	in, _ := f.sys.Defaults()
	assert.Equal(t, audio.DeviceID(2), in)

	sel, ok := f.coord.Selected()
	require.True(t, ok)
	assert.Equal(t, audio.DeviceID(2), sel.ID)

	bound, ok := f.engine.BoundDevice()
	require.True(t, ok)
	assert.Equal(t, audio.DeviceID(2), bound.ID)

	assert.Equal(t, capture.StateConfigured, f.engine.State())
	assert.Equal(t, switcher.StateIdle, f.coord.State())
	assert.Equal(t, []time.Duration{switcher.DefaultSettleDelay, switcher.DefaultResumeDelay}, f.sleeps)
	assert.True(t, out.Report.OK(), out.Report.Advice)
}

func TestSwitchTo_RestartsRecordingAtNewPath(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.selectDevice(t, 2)
	p1, _ := f.nextPath()
	_, err := f.engine.StartRecording(p1)
	require.NoError(t, err)
	require.True(t, f.backend.Feed(samples(2048)))

	out, err := f.coord.SwitchTo(4)
	require.NoError(t, err)

	require.NotNil(t, out.Finalized)
	assert.Equal(t, p1, out.Finalized.Path)
	assert.Positive(t, out.Finalized.Bytes)
	require.Len(t, f.finalized, 1)
	assert.Equal(t, p1, f.finalized[0].Path)

	require.NotEmpty(t, out.ResumedPath)
	assert.NotEqual(t, p1, out.ResumedPath)
	assert.Equal(t, out.ResumedPath, f.engine.RecordingPath())
	assert.Equal(t, capture.StateRecording, f.engine.State())

	bound, _ := f.engine.BoundDevice()
	assert.Equal(t, audio.DeviceID(4), bound.ID)
}

func TestSwitchTo_ResumesMonitoring(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.selectDevice(t, 3)
	require.NoError(t, f.engine.StartMonitoring())

	out, err := f.coord.SwitchTo(2)
	require.NoError(t, err)
	assert.True(t, out.ResumedMonitoring)
	assert.Equal(t, capture.StateMonitoring, f.engine.State())
	assert.True(t, f.backend.Current().Running())
}

func TestSwitchTo_UnknownDevice(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.coord.SwitchTo(99)
	require.ErrorIs(t, err, switcher.ErrUnknownDevice)
	assert.Equal(t, switcher.StateIdle, f.coord.State())
	assert.Empty(t, f.sys.Calls())
}

func TestSwitchTo_DefaultInputFailureContinues(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sys.SetInputErr = errors.New("permission denied")

	out, err := f.coord.SwitchTo(2)
	require.NoError(t, err)
	assert.Equal(t, audio.DeviceID(2), out.Device.ID)
	bound, _ := f.engine.BoundDevice()
	assert.Equal(t, audio.DeviceID(2), bound.ID)
}

func TestSwitchTo_ConfigureFailureSkipsResume(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.selectDevice(t, 2)
	p1, _ := f.nextPath()
	_, err := f.engine.StartRecording(p1)
	require.NoError(t, err)

	f.backend.FailOpen(errors.New("device vanished"))
	out, err := f.coord.SwitchTo(4)
	require.ErrorIs(t, err, capture.ErrConfigureFailed)
	require.NotNil(t, out.Finalized)
	assert.Empty(t, out.ResumedPath)
	assert.Equal(t, capture.StateUninitialized, f.engine.State())
	assert.False(t, out.Report.EngineBound)
	assert.Equal(t, switcher.StateIdle, f.coord.State())
}

func TestSwitchTo_ConcurrentRequestsRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.selectDevice(t, 2)
	p1, _ := f.nextPath()
	_, err := f.engine.StartRecording(p1)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.coord.SetSleep(func(time.Duration) {
		once.Do(func() {
			close(entered)
			<-release
		})
	})

	var first switcher.Outcome
	var firstErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		first, firstErr = f.coord.SwitchTo(4)
	}()

	<-entered
	assert.True(t, f.coord.Switching())
	_, err = f.coord.SwitchTo(3)
	require.ErrorIs(t, err, switcher.ErrSwitchRejected)

	close(release)
	<-done
	require.NoError(t, firstErr)
	assert.Equal(t, audio.DeviceID(4), first.Device.ID)

	sel, _ := f.coord.Selected()
	assert.Equal(t, audio.DeviceID(4), sel.ID)
	assert.Equal(t, switcher.StateIdle, f.coord.State())
}

func TestSwitchTo_RejectionLeavesRecordingUntouched(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.selectDevice(t, 2)
	p1, _ := f.nextPath()
	_, err := f.engine.StartRecording(p1)
	require.NoError(t, err)

	// A coordinator over the same engine that is stuck mid-switch.
	entered := make(chan struct{})
	release := make(chan struct{})
	blocked := switcher.New(f.sys, f.reg, &stubEngine{}, switcher.Options{})
	blocked.SetSleep(func(time.Duration) {
		select {
		case <-entered:
		default:
			close(entered)
			<-release
		}
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = blocked.SwitchTo(3)
	}()
	<-entered

	require.True(t, f.backend.Feed(samples(1024)))
	before := waitBytes(t, f.engine, 2048)

	_, err = blocked.SwitchTo(4)
	require.ErrorIs(t, err, switcher.ErrSwitchRejected)

	require.True(t, f.backend.Feed(samples(1024)))
	after := waitBytes(t, f.engine, 4096)
	assert.Greater(t, after, before)
	assert.Equal(t, p1, f.engine.RecordingPath())
	assert.Equal(t, capture.StateRecording, f.engine.State())

	close(release)
	<-done
}

func waitBytes(t *testing.T, e *capture.Engine, want int64) int64 {
	t.Helper()
	require.Eventually(t, func() bool { return e.RecordedBytes() >= want }, time.Second, 5*time.Millisecond)
	return e.RecordedBytes()
}

// stubEngine is an idle engine that accepts everything.
type stubEngine struct{}

func (stubEngine) State() capture.State                           { return capture.StateConfigured }
func (stubEngine) Configure(*audio.Device) error                  { return nil }
func (stubEngine) StartMonitoring() error                         { return nil }
func (stubEngine) StopMonitoring()                                {}
func (stubEngine) StartRecording(string) (*capture.Result, error) { return nil, nil }
func (stubEngine) StopRecording() (capture.Result, error)         { return capture.Result{}, nil }
func (stubEngine) RecordingPath() string                          { return "" }
func (stubEngine) BoundDevice() (audio.Device, bool)              { return audio.Device{}, false }

// -----------------------------------------------------------------------------
// Routing verification
// -----------------------------------------------------------------------------

func TestVerify(t *testing.T) {
	t.Parallel()

	c := audio.DefaultClassifier()
	bh := &audio.Device{ID: 2, Name: "BlackHole 2ch", UID: "bh2"}
	mic := &audio.Device{ID: 3, Name: "USB Mic"}
	speakers := &audio.Device{ID: 1, Name: "Built-in Output"}
	multi := &audio.Device{ID: 9, Name: "Loopback Multi-Output", UID: "multi"}
	stale := &audio.Device{ID: 8, Name: "Loopback Multi-Output", UID: "multi-old"}
	built := &switcher.BuiltAggregate{UID: "multi", LoopbackUID: "bh2", Present: true}
	builtForOther := &switcher.BuiltAggregate{UID: "multi", LoopbackUID: "bh16", Present: true}
	gone := &switcher.BuiltAggregate{UID: "multi", LoopbackUID: "bh2"}

	tests := []struct {
		name                        string
		in                          switcher.RoutingInput
		input, output, bound, valid bool
		advice                      int
	}{
		{"all good", switcher.RoutingInput{Selected: bh, DefaultOutput: bh, Bound: bh}, true, true, true, true, 0},
		{"output through aggregate", switcher.RoutingInput{Selected: bh, DefaultOutput: multi, Bound: bh}, true, true, true, true, 0},
		{"speakers as output", switcher.RoutingInput{Selected: bh, DefaultOutput: speakers, Bound: bh}, true, false, true, false, 1},
		{"mic input", switcher.RoutingInput{Selected: mic, DefaultOutput: bh, Bound: mic}, false, true, true, false, 1},
		{"engine on other device", switcher.RoutingInput{Selected: bh, DefaultOutput: bh, Bound: mic}, true, true, false, false, 1},
		{"nothing known", switcher.RoutingInput{}, false, false, false, false, 3},
		{"through the aggregate built from it", switcher.RoutingInput{Selected: bh, DefaultOutput: multi, Bound: bh, Built: built}, true, true, true, true, 0},
		{"through another aggregate", switcher.RoutingInput{Selected: bh, DefaultOutput: stale, Bound: bh, Built: built}, true, false, true, false, 1},
		{"aggregate built from another loopback", switcher.RoutingInput{Selected: bh, DefaultOutput: multi, Bound: bh, Built: builtForOther}, true, false, true, false, 1},
		{"built aggregate gone", switcher.RoutingInput{Selected: bh, DefaultOutput: multi, Bound: bh, Built: gone}, true, false, true, false, 1},
		{"loopback output ignores built aggregate", switcher.RoutingInput{Selected: bh, DefaultOutput: bh, Bound: bh, Built: gone}, true, true, true, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := switcher.Verify(c, tt.in)
			assert.Equal(t, tt.input, r.InputIsLoopback)
			assert.Equal(t, tt.output, r.OutputRoutesToLoopback)
			assert.Equal(t, tt.bound, r.EngineBound)
			assert.Equal(t, tt.valid, r.OK())
			assert.Len(t, r.Advice, tt.advice)
			if tt.valid {
				assert.NoError(t, r.Err())
			} else {
				assert.ErrorIs(t, r.Err(), switcher.ErrRoutingSuboptimal)
			}
		})
	}
}

func TestCoordinatorVerify_BuiltAggregate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sys.AddDevice(haltest.Device{ID: 10, Name: "Loopback Multi-Output", UID: "multi-new"})
	f.sys.AddDevice(haltest.Device{ID: 11, Name: "Loopback Multi-Output", UID: "multi-old"})
	_, err := f.reg.Refresh()
	require.NoError(t, err)
	f.selectDevice(t, 2)

	f.sys.SetDefaults(2, 11)
	assert.True(t, f.coord.Verify().OutputRoutesToLoopback, "any aggregate is accepted before routing setup")

	f.coord.SetBuiltAggregate("multi-new", "bh2")
	assert.False(t, f.coord.Verify().OutputRoutesToLoopback)

	f.sys.SetDefaults(2, 10)
	assert.True(t, f.coord.Verify().OK())

	f.sys.RemoveDevice(10)
	f.sys.SetDefaults(2, 11)
	_, err = f.reg.Refresh()
	require.NoError(t, err)
	r := f.coord.Verify()
	assert.False(t, r.OutputRoutesToLoopback)
	require.Len(t, r.Advice, 1)
	assert.Contains(t, r.Advice[0], "run routing setup again")

	f.coord.SetBuiltAggregate("", "")
	assert.True(t, f.coord.Verify().OutputRoutesToLoopback)
}

func TestCoordinatorVerify_StoresReport(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, ok := f.coord.LastReport()
	assert.False(t, ok)

	f.selectDevice(t, 3)
	r := f.coord.Verify()
	assert.False(t, r.OK())

	last, ok := f.coord.LastReport()
	require.True(t, ok)
	assert.Equal(t, "USB Mic", last.Input)
}
