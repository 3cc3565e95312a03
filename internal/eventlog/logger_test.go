package eventlog_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-loopback/internal/eventlog"
)

func newLogger(t *testing.T) *eventlog.Logger {
	t.Helper()
	l, err := eventlog.NewLogger(filepath.Join(t.TempDir(), "logs", "events.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestReadLast_NewestFirstWithPaging(t *testing.T) {
	t.Parallel()

	l := newLogger(t)
	for i := range 5 {
		require.NoError(t, l.LogCapture(eventlog.RecordingStarted, fmt.Sprint(i), "", nil))
	}

	got, more, err := eventlog.ReadLast(l.Path(), 2, 0, eventlog.FilterAll)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, more)
	assert.Equal(t, "4", got[0].RecordingID)
	assert.Equal(t, "3", got[1].RecordingID)

	got, more, err = eventlog.ReadLast(l.Path(), 2, 3, eventlog.FilterAll)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.False(t, more)
	assert.Equal(t, "1", got[0].RecordingID)
	assert.Equal(t, "0", got[1].RecordingID)
}

func TestReadLast_Filter(t *testing.T) {
	t.Parallel()

	l := newLogger(t)
	require.NoError(t, l.LogCapture(eventlog.RecordingStarted, "a", "", &eventlog.CaptureDetails{Path: "/tmp/a.wav"}))
	require.NoError(t, l.LogDevice(eventlog.SwitchCompleted, "", &eventlog.DeviceDetails{Device: "BlackHole 2ch"}))
	require.NoError(t, l.LogUpload(eventlog.UploadQueued, "a", &eventlog.UploadDetails{Filename: "a.wav"}))
	require.NoError(t, l.LogDevice(eventlog.AggregateCreated, "", nil))

	tests := []struct {
		filter eventlog.TypeFilter
		want   []eventlog.EventType
	}{
		{eventlog.FilterAll, []eventlog.EventType{eventlog.AggregateCreated, eventlog.UploadQueued, eventlog.SwitchCompleted, eventlog.RecordingStarted}},
		{eventlog.FilterCapture, []eventlog.EventType{eventlog.RecordingStarted}},
		{eventlog.FilterDevice, []eventlog.EventType{eventlog.AggregateCreated, eventlog.SwitchCompleted}},
		{eventlog.FilterUpload, []eventlog.EventType{eventlog.UploadQueued}},
	}
	for _, tt := range tests {
		got, more, err := eventlog.ReadLast(l.Path(), 10, 0, tt.filter)
		require.NoError(t, err)
		assert.False(t, more)
		types := make([]eventlog.EventType, 0, len(got))
		for _, e := range got {
			types = append(types, e.Type)
		}
		assert.Equal(t, tt.want, types, "filter %q", tt.filter)
	}
}

func TestReadLast_FilteredPaging(t *testing.T) {
	t.Parallel()

	l := newLogger(t)
	for i := range 3 {
		require.NoError(t, l.LogCapture(eventlog.RecordingStarted, fmt.Sprint(i), "", nil))
		require.NoError(t, l.LogDevice(eventlog.DevicesChanged, "", nil))
	}

	got, more, err := eventlog.ReadLast(l.Path(), 1, 1, eventlog.FilterCapture)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].RecordingID)
	assert.True(t, more)
}

func TestReadLast_MissingFileAndMalformedLines(t *testing.T) {
	t.Parallel()

	got, more, err := eventlog.ReadLast(filepath.Join(t.TempDir(), "nope.jsonl"), 10, 0, eventlog.FilterAll)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.False(t, more)

	path := filepath.Join(t.TempDir(), "bad.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("not json\n{\"type\":\"upload_failed\"}\n"), 0o644))
	got, _, err = eventlog.ReadLast(path, 10, 0, eventlog.FilterAll)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, eventlog.UploadFailed, got[0].Type)
}

func TestReadLast_Limits(t *testing.T) {
	t.Parallel()

	l := newLogger(t)
	require.NoError(t, l.LogCapture(eventlog.RecordingStopped, "x", "", nil))

	got, _, err := eventlog.ReadLast(l.Path(), 0, 0, eventlog.FilterAll)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestParseFilter(t *testing.T) {
	t.Parallel()

	f, err := eventlog.ParseFilter("device")
	require.NoError(t, err)
	assert.Equal(t, eventlog.FilterDevice, f)

	_, err = eventlog.ParseFilter("stream")
	assert.ErrorIs(t, err, eventlog.ErrUnknownFilter)
}

func TestNilLogger(t *testing.T) {
	t.Parallel()

	var l *eventlog.Logger
	assert.NoError(t, l.LogDevice(eventlog.DevicesChanged, "", nil))
	assert.NoError(t, l.Close())
	assert.Empty(t, l.Path())
}
