package config_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-loopback/internal/config"
	"github.com/oszuidwest/zwfm-loopback/internal/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_CreatesDefaultFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := config.New(path)
	require.NoError(t, cfg.Load())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	snap := cfg.Snapshot()
	assert.Equal(t, config.DefaultWebPort, snap.WebPort)
	assert.Equal(t, "info", snap.LogLevel)
	assert.Equal(t, config.DefaultAggregateName, snap.AggregateName)
	assert.Equal(t, 500*time.Millisecond, snap.SettleDelay)
	assert.Equal(t, 500*time.Millisecond, snap.ResumeDelay)
	assert.Equal(t, 3*time.Second, snap.HealthCheckDelay)
	assert.Equal(t, int64(1000), snap.MinRecordingBytes)
	assert.Equal(t, types.DefaultRetentionDays, snap.RetentionDays)
	assert.Equal(t, config.DefaultRecordingDir(), snap.RecordingDir)
	assert.False(t, snap.HasS3())
	assert.False(t, snap.HasSummary())
}

func TestLoad_ReadsValues(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{
		"system": {"port": 9090, "api_key": "file-key"},
		"log": {"level": "DEBUG"},
		"audio": {"loopback_keywords": ["Rogue"], "settle_delay_ms": 250, "monitor_when_idle": true},
		"recording": {"directory": "/var/lib/loopback", "retention_days": 7},
		"upload": {
			"s3": {"bucket": "b", "access_key_id": "a", "secret_access_key": "s"},
			"summary": {"mode": "api", "url": "https://summarize.example/api"}
		},
		"notifications": {"webhook": {"url": "https://hooks.example"}}
	}`)

	cfg := config.New(path)
	require.NoError(t, cfg.Load())
	snap := cfg.Snapshot()

	assert.Equal(t, 9090, snap.WebPort)
	assert.Equal(t, "file-key", snap.APIKey)
	assert.Equal(t, "debug", snap.LogLevel)
	assert.Equal(t, []string{"Rogue"}, snap.LoopbackKeywords)
	assert.Equal(t, 250*time.Millisecond, snap.SettleDelay)
	assert.True(t, snap.MonitorWhenIdle)
	assert.Equal(t, "/var/lib/loopback", snap.RecordingDir)
	assert.Equal(t, 7, snap.RetentionDays)
	assert.True(t, snap.HasS3())
	assert.True(t, snap.HasSummary())
	assert.True(t, snap.HasWebhook())
	assert.False(t, snap.HasLogPath())
}

func TestLoad_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"port out of range", `{"system": {"port": 70000}}`},
		{"unknown log level", `{"log": {"level": "verbose"}}`},
		{"negative delay", `{"audio": {"settle_delay_ms": -1}}`},
		{"negative retention", `{"recording": {"retention_days": -3}}`},
		{"path traversal", `{"recording": {"directory": "/tmp/../etc"}}`},
		{"api mode without url", `{"upload": {"summary": {"mode": "api"}}}`},
		{"unknown summary mode", `{"upload": {"summary": {"mode": "whisper"}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := config.New(writeConfig(t, tt.body))
			assert.Error(t, cfg.Load())
		})
	}
}

// Environment overrides cannot run in parallel.
func TestLoad_EnvOverridesAreNotPersisted(t *testing.T) {
	t.Setenv(config.EnvAPIKey, "env-key")
	t.Setenv(config.EnvS3SecretAccessKey, "env-secret")
	t.Setenv(config.EnvOpenAIAPIKey, "sk-env")

	path := writeConfig(t, `{"system": {"api_key": "file-key"}, "upload": {"summary": {"mode": "openai"}}}`)
	cfg := config.New(path)
	require.NoError(t, cfg.Load())

	snap := cfg.Snapshot()
	assert.Equal(t, "env-key", snap.APIKey)
	assert.Equal(t, "env-secret", snap.S3.SecretAccessKey)
	assert.Equal(t, "sk-env", snap.Summary.OpenAIAPIKey)
	assert.Equal(t, types.DefaultOpenAIModel, snap.Summary.OpenAIModel)
	assert.True(t, snap.HasSummary())

	require.NoError(t, cfg.SetPreferredDevice("BlackHole 2ch"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk map[string]any
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.NotContains(t, string(data), "env-key")
	assert.NotContains(t, string(data), "env-secret")
	assert.Contains(t, string(data), "BlackHole 2ch")
}

func TestSnapshot_IsACopy(t *testing.T) {
	t.Parallel()

	cfg := config.New(writeConfig(t, `{"audio": {"built_in_keywords": ["MacBook"]}}`))
	require.NoError(t, cfg.Load())

	snap := cfg.Snapshot()
	snap.BuiltInKeywords[0] = "changed"
	assert.Equal(t, []string{"MacBook"}, cfg.Snapshot().BuiltInKeywords)
}

func TestSnapshot_SlogLevel(t *testing.T) {
	t.Parallel()

	snap := config.Snapshot{LogLevel: "warn"}
	assert.Equal(t, "WARN", snap.SlogLevel().String())

	snap.LogLevel = ""
	assert.Equal(t, "INFO", snap.SlogLevel().String())
}

func TestGenerateAPIKey(t *testing.T) {
	t.Parallel()

	a, err := config.GenerateAPIKey()
	require.NoError(t, err)
	b, err := config.GenerateAPIKey()
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}
