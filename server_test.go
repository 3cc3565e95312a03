package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-loopback/internal/aggregate"
	"github.com/oszuidwest/zwfm-loopback/internal/audio"
	"github.com/oszuidwest/zwfm-loopback/internal/capture"
	"github.com/oszuidwest/zwfm-loopback/internal/config"
	"github.com/oszuidwest/zwfm-loopback/internal/eventlog"
	"github.com/oszuidwest/zwfm-loopback/internal/notify"
	"github.com/oszuidwest/zwfm-loopback/internal/session"
	"github.com/oszuidwest/zwfm-loopback/internal/switcher"
)

const testAPIKey = "test-key"

type stubController struct {
	mu        sync.Mutex
	recording bool
	selected  *audio.Device
	devices   []audio.Device
	switching bool
}

func newStubController() *stubController {
	return &stubController{devices: []audio.Device{
		{ID: 1, Name: "Built-in Output", Kind: audio.KindPhysicalOutput},
		{ID: 2, Name: "BlackHole 2ch", Kind: audio.KindVirtualLoopback},
	}}
}

func (c *stubController) Status() session.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return session.Status{
		Recording: c.recording,
		Level:     0.25,
		Peak:      0.5,
		Selected:  c.selected,
		Devices:   c.devices,
	}
}

func (c *stubController) RefreshDevices(context.Context) ([]audio.Device, error) {
	return c.Status().Devices, nil
}

func (c *stubController) SelectDevice(_ context.Context, id audio.DeviceID) (switcher.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.switching {
		return switcher.Outcome{}, switcher.ErrSwitchRejected
	}
	for _, d := range c.devices {
		if d.ID == id {
			c.selected = &d
			return switcher.Outcome{Device: d}, nil
		}
	}
	return switcher.Outcome{}, switcher.ErrUnknownDevice
}

func (c *stubController) StartRecording(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recording {
		return "", capture.ErrRecordingActive
	}
	c.recording = true
	return "/tmp/rec.wav", nil
}

func (c *stubController) StopRecording(context.Context) (capture.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.recording {
		return capture.Result{}, capture.ErrNotRecording
	}
	c.recording = false
	return capture.Result{Path: "/tmp/rec.wav", Bytes: 2048}, nil
}

func (c *stubController) SetupCombinedOutputRouting(context.Context) (aggregate.Routing, error) {
	return aggregate.Routing{}, aggregate.ErrNoPhysicalOutput
}

func (c *stubController) VerifyRouting(context.Context) (switcher.RoutingReport, error) {
	return switcher.RoutingReport{InputIsLoopback: true, Input: "BlackHole 2ch"}, nil
}

func (c *stubController) StartMonitoring(context.Context) error { return nil }
func (c *stubController) StopMonitoring(context.Context) error  { return nil }

type apiFixture struct {
	ctl     *stubController
	handler http.Handler
	logPath string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	t.Setenv(config.EnvAPIKey, testAPIKey)

	dir := t.TempDir()
	cfg := config.New(filepath.Join(dir, "config.json"))
	require.NoError(t, cfg.Load())

	f := &apiFixture{ctl: newStubController(), logPath: filepath.Join(dir, "events.jsonl")}
	srv := NewServer(cfg, f.ctl, f.logPath, NewVersionChecker(nil))
	f.handler = srv.SetupRoutes()
	return f
}

func (f *apiFixture) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("X-API-Key", testAPIKey)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

// --- Authentication ---

func TestAPIKeyAuth(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong header", "nope", "", http.StatusUnauthorized},
		{"header", testAPIKey, "", http.StatusOK},
		{"query", "", "?api_key=" + testAPIKey, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/status"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("X-API-Key", tt.header)
			}
			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
		})
	}
}

func TestAPI_MethodNotAllowed(t *testing.T) {
	f := newAPIFixture(t)

	rec, _ := f.do(t, http.MethodGet, "/api/recording/start", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// --- Status and devices ---

func TestAPIStatus(t *testing.T) {
	f := newAPIFixture(t)

	rec, body := f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "status", body["type"])

	sess := body["session"].(map[string]any)
	assert.Equal(t, false, sess["recording"])
	assert.Len(t, sess["devices"].([]any), 2)
	assert.Equal(t, "dev", body["version"].(map[string]any)["current"])
}

func TestAPISelectDevice(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"ok", `{"id": 2}`, http.StatusOK},
		{"unknown", `{"id": 7}`, http.StatusNotFound},
		{"missing id", `{}`, http.StatusBadRequest},
		{"bad json", `{`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := f.do(t, http.MethodPost, "/api/devices/select", tt.body)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	_, body := f.do(t, http.MethodGet, "/api/devices", "")
	assert.Equal(t, "BlackHole 2ch", body["selected"].(map[string]any)["name"])
}

func TestAPISelectDevice_WhileSwitching(t *testing.T) {
	f := newAPIFixture(t)
	f.ctl.switching = true

	rec, body := f.do(t, http.MethodPost, "/api/devices/select", `{"id": 2}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, switcher.ErrSwitchRejected.Error(), body["error"])
}

// --- Recording ---

func TestAPIRecording(t *testing.T) {
	f := newAPIFixture(t)

	rec, body := f.do(t, http.MethodPost, "/api/recording/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/tmp/rec.wav", body["path"])

	rec, _ = f.do(t, http.MethodPost, "/api/recording/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, body = f.do(t, http.MethodPost, "/api/recording/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2048), body["bytes"])

	rec, _ = f.do(t, http.MethodPost, "/api/recording/stop", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// --- Routing ---

func TestAPIRouting(t *testing.T) {
	f := newAPIFixture(t)

	rec, body := f.do(t, http.MethodPost, "/api/routing/setup", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, aggregate.ErrNoPhysicalOutput.Error(), body["error"])

	rec, body = f.do(t, http.MethodGet, "/api/routing/verify", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["input_is_loopback"])
}

// --- Events ---

func TestAPIEvents(t *testing.T) {
	f := newAPIFixture(t)

	logger, err := eventlog.NewLogger(f.logPath)
	require.NoError(t, err)
	for range 3 {
		require.NoError(t, logger.LogDevice(eventlog.DevicesChanged, "device list changed", &eventlog.DeviceDetails{Count: 2}))
	}
	require.NoError(t, logger.LogUpload(eventlog.UploadQueued, "rec01", nil))
	require.NoError(t, logger.Close())

	rec, body := f.do(t, http.MethodGet, "/api/events?filter=device&limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["events"].([]any), 2)
	assert.Equal(t, true, body["has_more"])

	rec, body = f.do(t, http.MethodGet, "/api/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	events := body["events"].([]any)
	require.Len(t, events, 4)
	assert.Equal(t, string(eventlog.UploadQueued), events[0].(map[string]any)["type"])

	rec, _ = f.do(t, http.MethodGet, "/api/events?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/events?limit=1000", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// --- Version check ---

func TestIsNewerVersion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		latest, current string
		want            bool
	}{
		{"1.2.0", "1.1.9", true},
		{"v1.2.0", "1.2.0", false},
		{"1.2.0", "1.10.0", false},
		{"2.0.0", "v1.9.9", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isNewerVersion(tt.latest, tt.current), "%s > %s", tt.latest, tt.current)
	}
}

type recordingAdvisor struct {
	mu     sync.Mutex
	advice []notify.Advisory
}

func (a *recordingAdvisor) Advise(adv notify.Advisory) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.advice = append(a.advice, adv)
	return true
}

func (a *recordingAdvisor) Advice() []notify.Advisory {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]notify.Advisory(nil), a.advice...)
}

func releaseFeed(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	gh := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(gh.Close)
	return gh
}

func TestVersionChecker_Check(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	gh := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "zwfm-loopback/dev", r.Header.Get("User-Agent"))
		if r.Header.Get("If-None-Match") == `"abc"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"abc"`)
		_, _ = w.Write([]byte(`{"tag_name": "v9.1.0"}`))
	}))
	t.Cleanup(gh.Close)

	advisor := &recordingAdvisor{}
	vc := newVersionChecker(gh.URL, gh.Client(), "dev", advisor)
	require.NoError(t, vc.check(context.Background()))
	assert.Equal(t, "9.1.0", vc.Info().Latest)

	require.NoError(t, vc.check(context.Background()))
	assert.Equal(t, "9.1.0", vc.Info().Latest)
	assert.Equal(t, int32(2), requests.Load())

	// The development build never reports an update.
	assert.False(t, vc.Info().UpdateAvail)
	assert.Empty(t, advisor.Advice())
}

func TestVersionChecker_AdvisesNewerReleaseOnce(t *testing.T) {
	t.Parallel()

	gh := releaseFeed(t, http.StatusOK, `{"tag_name": "v1.2.0", "html_url": "https://github.com/oszuidwest/zwfm-loopback/releases/tag/v1.2.0"}`)
	advisor := &recordingAdvisor{}
	vc := newVersionChecker(gh.URL, gh.Client(), "v1.0.0", advisor)

	require.NoError(t, vc.check(context.Background()))
	require.NoError(t, vc.check(context.Background()))

	advice := advisor.Advice()
	require.Len(t, advice, 1)
	assert.Equal(t, notify.KindUpdateAvailable, advice[0].Kind)
	assert.Contains(t, advice[0].Message, "1.2.0")
	require.Len(t, advice[0].Advice, 1)
	assert.Contains(t, advice[0].Advice[0], "/releases/tag/v1.2.0")

	info := vc.Info()
	assert.Equal(t, "1.0.0", info.Current)
	assert.True(t, info.UpdateAvail)
	assert.Contains(t, info.ReleaseURL, "/releases/tag/v1.2.0")
}

func TestVersionChecker_OlderReleaseIsQuiet(t *testing.T) {
	t.Parallel()

	gh := releaseFeed(t, http.StatusOK, `{"tag_name": "v1.2.0"}`)
	advisor := &recordingAdvisor{}
	vc := newVersionChecker(gh.URL, gh.Client(), "1.10.0", advisor)

	require.NoError(t, vc.check(context.Background()))
	assert.False(t, vc.Info().UpdateAvail)
	assert.Empty(t, vc.Info().ReleaseURL)
	assert.Empty(t, advisor.Advice())
}

func TestVersionChecker_SkipsPrerelease(t *testing.T) {
	t.Parallel()

	gh := releaseFeed(t, http.StatusOK, `{"tag_name": "v10.0.0-rc1", "prerelease": true}`)
	vc := newVersionChecker(gh.URL, gh.Client(), "1.0.0", nil)
	assert.NoError(t, vc.check(context.Background()))
	assert.Empty(t, vc.Info().Latest)
}

func TestVersionChecker_FeedErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		body      string
		wantErr   bool
		retryable bool
	}{
		{"no releases", http.StatusNotFound, "", false, false},
		{"rate limited", http.StatusTooManyRequests, "", true, true},
		{"server error", http.StatusBadGateway, "", true, true},
		{"bad request", http.StatusBadRequest, "", true, false},
		{"garbage", http.StatusOK, "{", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gh := releaseFeed(t, tt.status, tt.body)
			vc := newVersionChecker(gh.URL, gh.Client(), "1.0.0", nil)

			err := vc.check(context.Background())
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.retryable, errors.Is(err, errReleaseUnavailable))
		})
	}
}

func TestVersionChecker_RunUntilCanceled(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	gh := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		_, _ = w.Write([]byte(`{"tag_name": "v1.0.0"}`))
	}))
	t.Cleanup(gh.Close)

	vc := newVersionChecker(gh.URL, gh.Client(), "1.0.0", nil)
	vc.delay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- vc.Run(ctx) }()

	require.Eventually(t, func() bool { return vc.Info().Latest == "1.0.0" }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, int32(1), requests.Load())
}
