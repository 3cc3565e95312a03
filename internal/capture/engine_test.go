package capture_test

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-loopback/internal/audio"
	"github.com/oszuidwest/zwfm-loopback/internal/capture"
	"github.com/oszuidwest/zwfm-loopback/internal/capture/capturetest"
)

var loopback = &audio.Device{ID: 2, Name: "BlackHole 2ch", Kind: audio.KindVirtualLoopback}

// tone returns n interleaved S16LE samples of constant value v.
func tone(v int16, n int) []byte {
	buf := make([]byte, 2*n)
	for i := range n {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
	}
	return buf
}

func newEngine(t *testing.T) (*capture.Engine, *capturetest.Backend) {
	t.Helper()
	b := capturetest.New()
	e := capture.NewEngine(b, capture.Options{})
	t.Cleanup(func() { _ = e.Close() })
	return e, b
}

func configured(t *testing.T) (*capture.Engine, *capturetest.Backend) {
	t.Helper()
	e, b := newEngine(t)
	require.NoError(t, e.Configure(loopback))
	return e, b
}

// -----------------------------------------------------------------------------
// Configure
// -----------------------------------------------------------------------------

func TestConfigure(t *testing.T) {
	t.Parallel()

	e, b := newEngine(t)
	assert.Equal(t, capture.StateUninitialized, e.State())

	require.NoError(t, e.Configure(loopback))
	assert.Equal(t, capture.StateConfigured, e.State())
	d, ok := e.BoundDevice()
	require.True(t, ok)
	assert.Equal(t, loopback.ID, d.ID)

	// Idempotent: reconfiguring closes the old stream.
	first := b.Current()
	require.NoError(t, e.Configure(loopback))
	assert.True(t, first.Closed())
	assert.Len(t, b.Opened(), 2)
}

func TestConfigure_DefaultDevice(t *testing.T) {
	t.Parallel()

	e, b := newEngine(t)
	require.NoError(t, e.Configure(nil))
	_, ok := e.BoundDevice()
	assert.False(t, ok)
	assert.Nil(t, b.Opened()[0])
}

func TestConfigure_Failure(t *testing.T) {
	t.Parallel()

	e, b := newEngine(t)
	b.FailOpen(errors.New("no such device"))
	require.ErrorIs(t, e.Configure(loopback), capture.ErrConfigureFailed)
	assert.Equal(t, capture.StateUninitialized, e.State())
	assert.ErrorIs(t, e.StartMonitoring(), capture.ErrNotConfigured)
}

func TestConfigure_RejectedWhileRecording(t *testing.T) {
	t.Parallel()

	e, _ := configured(t)
	_, err := e.StartRecording(filepath.Join(t.TempDir(), "a.wav"))
	require.NoError(t, err)
	assert.ErrorIs(t, e.Configure(loopback), capture.ErrRecordingActive)
}

// -----------------------------------------------------------------------------
// Monitoring
// -----------------------------------------------------------------------------

func TestMonitoring(t *testing.T) {
	t.Parallel()

	e, b := configured(t)
	require.NoError(t, e.StartMonitoring())
	require.NoError(t, e.StartMonitoring())
	assert.Equal(t, capture.StateMonitoring, e.State())

	require.True(t, b.Feed(tone(16384, 512)))
	assert.Greater(t, e.Levels().Current, 0.0)

	e.StopMonitoring()
	assert.Equal(t, capture.StateConfigured, e.State())
	assert.False(t, b.Current().Running())
	assert.False(t, b.Feed(tone(16384, 512)))
}

func TestMonitoring_StartFailure(t *testing.T) {
	t.Parallel()

	e, b := configured(t)
	b.FailStart(errors.New("device busy"))
	require.ErrorIs(t, e.StartMonitoring(), capture.ErrEngineStartFailed)
	assert.Equal(t, capture.StateConfigured, e.State())
}

func TestStopMonitoring_DoesNotAffectRecording(t *testing.T) {
	t.Parallel()

	e, b := configured(t)
	_, err := e.StartRecording(filepath.Join(t.TempDir(), "a.wav"))
	require.NoError(t, err)

	e.StopMonitoring()
	assert.Equal(t, capture.StateRecording, e.State())
	assert.True(t, b.Current().Running())
}

// -----------------------------------------------------------------------------
// Recording
// -----------------------------------------------------------------------------

func TestRecording_WritesWAV(t *testing.T) {
	t.Parallel()

	e, b := configured(t)
	path := filepath.Join(t.TempDir(), "rec.wav")

	prev, err := e.StartRecording(path)
	require.NoError(t, err)
	assert.Nil(t, prev)
	assert.Equal(t, capture.StateRecording, e.State())
	assert.Equal(t, path, e.RecordingPath())

	for range 10 {
		require.True(t, b.Feed(tone(1000, 1024)))
	}

	res, err := e.StopRecording()
	require.NoError(t, err)
	assert.Equal(t, capture.StateConfigured, e.State())
	assert.Equal(t, path, res.Path)
	assert.False(t, res.BelowThreshold)
	assert.Equal(t, capturetest.DefaultFormat, res.Format)
	assert.Empty(t, e.RecordingPath())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), res.Bytes)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	dec := wav.NewDecoder(f)
	require.True(t, dec.IsValidFile())
	pcm, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, uint32(48000), dec.SampleRate)
	assert.Equal(t, uint16(2), dec.NumChans)
	assert.Equal(t, uint16(16), dec.BitDepth)
	require.Len(t, pcm.Data, 10*1024)
	assert.Equal(t, 1000, pcm.Data[0])
	assert.Equal(t, 1000, pcm.Data[len(pcm.Data)-1])
}

func TestRecording_NegotiatedFormat(t *testing.T) {
	t.Parallel()

	e, b := newEngine(t)
	b.SetFormat(audio.Format{SampleRate: 44100, Channels: 1, BitDepth: 32})
	require.NoError(t, e.Configure(loopback))

	_, err := e.StartRecording(filepath.Join(t.TempDir(), "mono.wav"))
	require.NoError(t, err)
	res, err := e.StopRecording()
	require.NoError(t, err)
	assert.Equal(t, audio.Format{SampleRate: 44100, Channels: 1, BitDepth: 16}, res.Format)
}

func TestRecording_StartWhileRecordingFinalizesPrevious(t *testing.T) {
	t.Parallel()

	e, b := configured(t)
	dir := t.TempDir()
	p1, p2 := filepath.Join(dir, "one.wav"), filepath.Join(dir, "two.wav")

	_, err := e.StartRecording(p1)
	require.NoError(t, err)
	require.True(t, b.Feed(tone(500, 4096)))

	prev, err := e.StartRecording(p2)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, p1, prev.Path)
	assert.Equal(t, p2, e.RecordingPath())

	require.True(t, b.Feed(tone(500, 1024)))
	second, err := e.StopRecording()
	require.NoError(t, err)

	// Each file holds only its own audio.
	assert.Equal(t, int64(4096*2), prev.Bytes-(second.Bytes-1024*2))
}

func TestRecording_SinkCreationFailed(t *testing.T) {
	t.Parallel()

	e, _ := configured(t)
	_, err := e.StartRecording(filepath.Join(t.TempDir(), "missing", "dir", "rec.wav"))
	require.ErrorIs(t, err, capture.ErrSinkCreationFailed)
	assert.Equal(t, capture.StateConfigured, e.State())
}

func TestRecording_EngineStartFailedLeavesNoFile(t *testing.T) {
	t.Parallel()

	e, b := configured(t)
	b.FailStart(errors.New("hal error"))
	path := filepath.Join(t.TempDir(), "rec.wav")

	_, err := e.StartRecording(path)
	require.ErrorIs(t, err, capture.ErrEngineStartFailed)
	assert.Equal(t, capture.StateConfigured, e.State())
	assert.NoFileExists(t, path)
	assert.Empty(t, e.RecordingPath())
}

func TestRecording_FromMonitoring(t *testing.T) {
	t.Parallel()

	e, b := configured(t)
	require.NoError(t, e.StartMonitoring())
	_, err := e.StartRecording(filepath.Join(t.TempDir(), "rec.wav"))
	require.NoError(t, err)
	assert.Equal(t, capture.StateRecording, e.State())

	// Monitoring is a no-op while recording.
	require.NoError(t, e.StartMonitoring())
	assert.Equal(t, capture.StateRecording, e.State())

	require.True(t, b.Feed(tone(8000, 256)))
	assert.Greater(t, e.Levels().Current, 0.0)
}

func TestStopRecording_NotRecording(t *testing.T) {
	t.Parallel()

	e, _ := configured(t)
	_, err := e.StopRecording()
	assert.ErrorIs(t, err, capture.ErrNotRecording)
}

func TestRecording_MinimumSizeGate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		samples int
		below   bool
	}{
		{"tiny", 228, true},
		{"normal", 24978, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e, b := configured(t)
			_, err := e.StartRecording(filepath.Join(t.TempDir(), "rec.wav"))
			require.NoError(t, err)
			require.True(t, b.Feed(tone(100, tt.samples)))

			res, err := e.StopRecording()
			require.NoError(t, err)
			assert.Equal(t, tt.below, res.BelowThreshold)
			assert.Positive(t, res.Bytes)
		})
	}
}

func TestRecording_ConcurrentFeedAndStop(t *testing.T) {
	t.Parallel()

	e, b := configured(t)
	_, err := e.StartRecording(filepath.Join(t.TempDir(), "rec.wav"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Go(func() {
		for range 200 {
			b.Feed(tone(1, 128))
		}
	})
	_, err = e.StopRecording()
	require.NoError(t, err)
	wg.Wait()
}
