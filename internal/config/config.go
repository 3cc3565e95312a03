// Package config provides application configuration management.
package config

import (
	"cmp"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-loopback/internal/types"
	"github.com/oszuidwest/zwfm-loopback/internal/util"
)

// Configuration defaults are used when values are not specified.
const (
	DefaultWebPort            = 8080
	DefaultLogLevel           = "info"
	DefaultAggregateName      = "Loopback Multi-Output"
	DefaultSettleDelayMs      = 500
	DefaultResumeDelayMs      = 500
	DefaultRoutingSettleMs    = 500
	DefaultMinRecordingBytes  = 1000
	DefaultHealthCheckDelayMs = 3000
)

// Environment variables that override secrets from the config file.
const (
	EnvAPIKey              = "LOOPBACK_API_KEY"
	EnvS3AccessKeyID       = "LOOPBACK_S3_ACCESS_KEY_ID"
	EnvS3SecretAccessKey   = "LOOPBACK_S3_SECRET_ACCESS_KEY"
	EnvSummaryClientSecret = "LOOPBACK_SUMMARY_CLIENT_SECRET"
	EnvOpenAIAPIKey        = "OPENAI_API_KEY"
)

var logLevels = []string{"debug", "info", "warn", "error"}

// SystemConfig holds system-level settings that require restart.
type SystemConfig struct {
	Port   int    `json:"port"`    // HTTP server port
	APIKey string `json:"api_key"` // API key for REST and WebSocket access
}

// LoggingConfig holds process logging settings.
type LoggingConfig struct {
	Level        string `json:"level"`          // debug, info, warn or error
	EventLogPath string `json:"event_log_path"` // JSON lines event log (empty = default location)
}

// AudioConfig holds device classification and capture timing settings.
type AudioConfig struct {
	PreferredDevice    string   `json:"preferred_device"`      // Device name selected at start-up when present
	AggregateName      string   `json:"aggregate_name"`        // Display name of the combined output device
	LoopbackKeywords   []string `json:"loopback_keywords"`     // Extra name fragments classified as loopback
	BuiltInKeywords    []string `json:"built_in_keywords"`     // Name fragments of the preferred physical output
	SettleDelayMs      int64    `json:"settle_delay_ms"`       // Wait after changing the default input
	ResumeDelayMs      int64    `json:"resume_delay_ms"`       // Wait before resuming capture after a switch
	RoutingSettleMs    int64    `json:"routing_settle_ms"`     // Wait after selecting the loopback during routing setup
	MinRecordingBytes  int64    `json:"min_recording_bytes"`   // Smallest file handed to the upload collaborator
	HealthCheckDelayMs int64    `json:"health_check_delay_ms"` // Delay before checking a fresh recording
	MonitorWhenIdle    bool     `json:"monitor_when_idle"`     // Keep the level meter running while not recording
}

// RecordingConfig holds local recording storage settings.
type RecordingConfig struct {
	Directory     string `json:"directory"`      // Where recordings are written (empty = temp dir)
	RetentionDays int    `json:"retention_days"` // Days to keep recordings locally and in S3
}

// UploadConfig holds the upload collaborator settings.
type UploadConfig struct {
	S3      types.S3Config      `json:"s3"`
	Summary types.SummaryConfig `json:"summary"`
}

// WebhookConfig holds webhook notification settings.
type WebhookConfig struct {
	URL string `json:"url"` // Webhook URL for advisories
}

// LogConfig holds log file notification settings.
type LogConfig struct {
	Path string `json:"path"` // Log file path for advisories
}

// NotificationsConfig holds all notification channel settings.
type NotificationsConfig struct {
	Webhook WebhookConfig `json:"webhook"`
	Log     LogConfig     `json:"log"`
}

// Config holds all application configuration. It is safe for concurrent use.
type Config struct {
	System        SystemConfig        `json:"system"`
	Log           LoggingConfig       `json:"log"`
	Audio         AudioConfig         `json:"audio"`
	Recording     RecordingConfig     `json:"recording"`
	Upload        UploadConfig        `json:"upload"`
	Notifications NotificationsConfig `json:"notifications"`

	mu       sync.RWMutex
	filePath string
	env      secrets
}

// secrets holds environment overrides. They are never written to disk.
type secrets struct {
	apiKey              string
	s3AccessKeyID       string
	s3SecretAccessKey   string
	summaryClientSecret string
	openAIAPIKey        string
}

// DefaultPath returns the config file location under the user config directory.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(dir, "zwfm-loopback", "config.json")
}

// DefaultRecordingDir returns the directory used when none is configured.
func DefaultRecordingDir() string {
	return filepath.Join(os.TempDir(), "zwfm-loopback", "recordings")
}

// New creates a new Config with default values.
func New(filePath string) *Config {
	c := &Config{filePath: filePath}
	c.applyDefaults()
	return c
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.filePath
}

// Load reads config from file, creating a default if none exists.
// Environment overrides are read on every Load.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.env = readSecrets()

	data, err := os.ReadFile(c.filePath)
	if os.IsNotExist(err) {
		return c.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, c); err != nil {
		return util.WrapError("parse config", err)
	}

	c.applyDefaults()

	return c.validate()
}

func readSecrets() secrets {
	return secrets{
		apiKey:              os.Getenv(EnvAPIKey),
		s3AccessKeyID:       os.Getenv(EnvS3AccessKeyID),
		s3SecretAccessKey:   os.Getenv(EnvS3SecretAccessKey),
		summaryClientSecret: os.Getenv(EnvSummaryClientSecret),
		openAIAPIKey:        os.Getenv(EnvOpenAIAPIKey),
	}
}

// validate checks all configuration fields for correctness.
func (c *Config) validate() error {
	if c.System.Port < 1 || c.System.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 1-65535", c.System.Port)
	}
	if !slices.Contains(logLevels, c.Log.Level) {
		return fmt.Errorf("invalid log level %q: must be one of %s", c.Log.Level, strings.Join(logLevels, ", "))
	}
	for name, v := range map[string]int64{
		"settle_delay_ms":       c.Audio.SettleDelayMs,
		"resume_delay_ms":       c.Audio.ResumeDelayMs,
		"routing_settle_ms":     c.Audio.RoutingSettleMs,
		"min_recording_bytes":   c.Audio.MinRecordingBytes,
		"health_check_delay_ms": c.Audio.HealthCheckDelayMs,
	} {
		if v < 0 {
			return fmt.Errorf("invalid %s %d: must not be negative", name, v)
		}
	}
	if c.Recording.RetentionDays < 0 {
		return fmt.Errorf("invalid retention_days %d: must not be negative", c.Recording.RetentionDays)
	}
	if c.Recording.Directory != "" {
		if err := util.ValidatePath("recording.directory", c.Recording.Directory); err != nil {
			return err
		}
	}
	switch s := c.Upload.Summary; s.Mode {
	case types.SummaryNone, types.SummaryOpenAI:
	case types.SummaryAPI:
		if s.URL == "" {
			return fmt.Errorf("invalid summary config: url is required in %q mode", s.Mode)
		}
	default:
		return fmt.Errorf("invalid summary mode %q: must be api, openai or empty", s.Mode)
	}
	return nil
}

// applyDefaults sets default values for zero-value fields.
func (c *Config) applyDefaults() {
	c.System.Port = cmp.Or(c.System.Port, DefaultWebPort)
	c.Log.Level = strings.ToLower(cmp.Or(c.Log.Level, DefaultLogLevel))
	c.Audio.AggregateName = cmp.Or(c.Audio.AggregateName, DefaultAggregateName)
	c.Audio.SettleDelayMs = cmp.Or(c.Audio.SettleDelayMs, DefaultSettleDelayMs)
	c.Audio.ResumeDelayMs = cmp.Or(c.Audio.ResumeDelayMs, DefaultResumeDelayMs)
	c.Audio.RoutingSettleMs = cmp.Or(c.Audio.RoutingSettleMs, DefaultRoutingSettleMs)
	c.Audio.MinRecordingBytes = cmp.Or(c.Audio.MinRecordingBytes, DefaultMinRecordingBytes)
	c.Audio.HealthCheckDelayMs = cmp.Or(c.Audio.HealthCheckDelayMs, DefaultHealthCheckDelayMs)
	if c.Audio.LoopbackKeywords == nil {
		c.Audio.LoopbackKeywords = []string{}
	}
	if c.Audio.BuiltInKeywords == nil {
		c.Audio.BuiltInKeywords = []string{}
	}
	c.Recording.RetentionDays = cmp.Or(c.Recording.RetentionDays, types.DefaultRetentionDays)
}

// saveLocked persists configuration. Caller must hold c.mu.
func (c *Config) saveLocked() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return util.WrapError("marshal config", err)
	}

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return util.WrapError("create config directory", err)
	}

	if err := os.WriteFile(c.filePath, data, 0o600); err != nil {
		return util.WrapError("write config", err)
	}

	return nil
}

// --- Setters for individual settings ---

// SetPreferredDevice records the device selected by the user and saves the configuration.
func (c *Config) SetPreferredDevice(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Audio.PreferredDevice == name {
		return nil
	}
	c.Audio.PreferredDevice = name
	return c.saveLocked()
}

// SetMonitorWhenIdle updates idle monitoring and saves the configuration.
func (c *Config) SetMonitorWhenIdle(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Audio.MonitorWhenIdle = enabled
	return c.saveLocked()
}

// SetWebhookURL updates the advisory webhook URL and saves the configuration.
func (c *Config) SetWebhookURL(url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Notifications.Webhook.URL = url
	return c.saveLocked()
}

// SetLogPath updates the advisory log file path and saves the configuration.
func (c *Config) SetLogPath(path string) error {
	if path != "" {
		if err := util.ValidatePath("log path", path); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Notifications.Log.Path = path
	return c.saveLocked()
}

// SetAPIKey updates the API key and saves the configuration.
func (c *Config) SetAPIKey(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.System.APIKey = key
	return c.saveLocked()
}

// --- Snapshot for atomic reads ---

// Snapshot is a point-in-time copy of configuration values with
// environment overrides applied.
type Snapshot struct {
	// System
	WebPort int
	APIKey  string

	// Logging
	LogLevel     string
	EventLogPath string

	// Audio
	PreferredDevice   string
	AggregateName     string
	LoopbackKeywords  []string
	BuiltInKeywords   []string
	SettleDelay       time.Duration
	ResumeDelay       time.Duration
	RoutingSettle     time.Duration
	MinRecordingBytes int64
	HealthCheckDelay  time.Duration
	MonitorWhenIdle   bool

	// Recording
	RecordingDir  string
	RetentionDays int

	// Upload
	S3      types.S3Config
	Summary types.SummaryConfig

	// Notifications
	WebhookURL string
	LogPath    string
}

// Snapshot returns a point-in-time copy of all configuration values.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s3 := c.Upload.S3
	s3.AccessKeyID = cmp.Or(c.env.s3AccessKeyID, s3.AccessKeyID)
	s3.SecretAccessKey = cmp.Or(c.env.s3SecretAccessKey, s3.SecretAccessKey)

	summary := c.Upload.Summary
	summary.Scopes = slices.Clone(summary.Scopes)
	summary.ClientSecret = cmp.Or(c.env.summaryClientSecret, summary.ClientSecret)
	summary.OpenAIAPIKey = cmp.Or(c.env.openAIAPIKey, summary.OpenAIAPIKey)
	summary.OpenAIModel = cmp.Or(summary.OpenAIModel, types.DefaultOpenAIModel)

	return Snapshot{
		WebPort: c.System.Port,
		APIKey:  cmp.Or(c.env.apiKey, c.System.APIKey),

		LogLevel:     c.Log.Level,
		EventLogPath: c.Log.EventLogPath,

		PreferredDevice:   c.Audio.PreferredDevice,
		AggregateName:     c.Audio.AggregateName,
		LoopbackKeywords:  slices.Clone(c.Audio.LoopbackKeywords),
		BuiltInKeywords:   slices.Clone(c.Audio.BuiltInKeywords),
		SettleDelay:       time.Duration(c.Audio.SettleDelayMs) * time.Millisecond,
		ResumeDelay:       time.Duration(c.Audio.ResumeDelayMs) * time.Millisecond,
		RoutingSettle:     time.Duration(c.Audio.RoutingSettleMs) * time.Millisecond,
		MinRecordingBytes: c.Audio.MinRecordingBytes,
		HealthCheckDelay:  time.Duration(c.Audio.HealthCheckDelayMs) * time.Millisecond,
		MonitorWhenIdle:   c.Audio.MonitorWhenIdle,

		RecordingDir:  cmp.Or(c.Recording.Directory, DefaultRecordingDir()),
		RetentionDays: c.Recording.RetentionDays,

		S3:      s3,
		Summary: summary,

		WebhookURL: c.Notifications.Webhook.URL,
		LogPath:    c.Notifications.Log.Path,
	}
}

// HasWebhook reports whether a webhook URL is configured.
func (s *Snapshot) HasWebhook() bool {
	return s.WebhookURL != ""
}

// HasLogPath reports whether a log path is configured.
func (s *Snapshot) HasLogPath() bool {
	return s.LogPath != ""
}

// HasS3 reports whether finished recordings are archived to S3.
func (s *Snapshot) HasS3() bool {
	return s.S3.IsConfigured()
}

// HasSummary reports whether finished recordings are summarized.
func (s *Snapshot) HasSummary() bool {
	switch s.Summary.Mode {
	case types.SummaryAPI:
		return s.Summary.URL != ""
	case types.SummaryOpenAI:
		return s.Summary.OpenAIAPIKey != ""
	default:
		return false
	}
}

// SlogLevel converts LogLevel for the slog handler.
func (s *Snapshot) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// --- Utility functions ---

// GenerateAPIKey generates a new random 32-character alphanumeric API key.
func GenerateAPIKey() (string, error) {
	const chars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	const length = 32
	result := make([]byte, length)
	for i := range result {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		result[i] = chars[n.Int64()]
	}
	return string(result), nil
}
