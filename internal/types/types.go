// Package types provides shared type definitions used across the loopback recorder.
package types

import "github.com/oszuidwest/zwfm-loopback/internal/audio"

// DefaultRetentionDays is the default number of days to keep recordings.
const DefaultRetentionDays = 30

// S3Config contains settings for archiving recordings to S3-compatible storage.
type S3Config struct {
	Endpoint        string `json:"endpoint"`          // S3-compatible endpoint URL (empty = AWS)
	Bucket          string `json:"bucket"`            // Bucket name
	Prefix          string `json:"prefix"`            // Key prefix, e.g. "recordings/"
	AccessKeyID     string `json:"access_key_id"`     // Access key ID
	SecretAccessKey string `json:"secret_access_key"` // Secret access key
}

// IsConfigured reports whether enough settings are present to upload.
func (c *S3Config) IsConfigured() bool {
	return c.Bucket != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// SummaryMode selects which summarization backend processes finished recordings.
type SummaryMode string

// Supported summary modes.
const (
	SummaryNone   SummaryMode = ""       // No summarization
	SummaryAPI    SummaryMode = "api"    // Generic HTTP summarization service
	SummaryOpenAI SummaryMode = "openai" // OpenAI transcription and chat completion
)

// DefaultOpenAIModel is the chat model used when none is configured.
const DefaultOpenAIModel = "gpt-4o-mini"

// SummaryConfig contains settings for the summarization collaborator.
type SummaryConfig struct {
	Mode         SummaryMode `json:"mode"`
	URL          string      `json:"url,omitempty"`           // Summarization endpoint (api mode)
	TokenURL     string      `json:"token_url,omitempty"`     // OAuth2 token endpoint (api mode, optional)
	ClientID     string      `json:"client_id,omitempty"`     // OAuth2 client ID
	ClientSecret string      `json:"client_secret,omitempty"` // OAuth2 client secret
	Scopes       []string    `json:"scopes,omitempty"`        // OAuth2 scopes
	OpenAIAPIKey string      `json:"openai_api_key,omitempty"`
	OpenAIModel  string      `json:"openai_model,omitempty"`
	Language     string      `json:"language,omitempty"` // Transcription and summary language, e.g. "nl"
}

// UsesOAuth reports whether API requests must carry a client-credentials token.
func (c *SummaryConfig) UsesOAuth() bool {
	return c.TokenURL != "" && c.ClientID != "" && c.ClientSecret != ""
}

// VersionInfo contains version comparison data.
type VersionInfo struct {
	Current     string `json:"current"`              // Current version
	Latest      string `json:"latest,omitempty"`     // Latest available version
	UpdateAvail bool   `json:"update_available"`     // Update is available
	Commit      string `json:"commit,omitempty"`     // Git commit hash
	BuildTime   string `json:"build_time,omitempty"` // Build timestamp
	ReleaseURL  string `json:"release_url,omitempty"`
}

// WSLevelsResponse is sent to clients with audio level updates.
type WSLevelsResponse struct {
	Type   string       `json:"type"`   // "levels"
	Levels audio.Levels `json:"levels"` // Current and peak level
}
