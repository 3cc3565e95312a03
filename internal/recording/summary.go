package recording

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/oszuidwest/zwfm-loopback/internal/types"
	"github.com/oszuidwest/zwfm-loopback/internal/util"
)

// summaryTimeout bounds one summarization request including the upload of the audio.
const summaryTimeout = 10 * time.Minute

// maxErrorBody caps how much of an error response is quoted.
const maxErrorBody = 512

// Summarizer turns a finished recording into a text summary.
type Summarizer interface {
	Summarize(ctx context.Context, path string) (string, error)
}

// NewSummarizer returns the summarizer selected by cfg, or nil when disabled.
func NewSummarizer(cfg *types.SummaryConfig) (Summarizer, error) {
	switch cfg.Mode {
	case types.SummaryAPI:
		s, err := NewAPISummarizer(cfg, nil)
		if err != nil {
			return nil, err
		}
		return s, nil
	case types.SummaryOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai summary: api key is required")
		}
		return NewOpenAISummarizer(cfg), nil
	default:
		return nil, nil
	}
}

// APISummarizer posts recordings to an HTTP summarization service.
// The service answers with {"summary": "..."}.
type APISummarizer struct {
	url      string
	language string
	client   *http.Client
}

var _ Summarizer = (*APISummarizer)(nil)

type apiSummaryResponse struct {
	Summary string `json:"summary"`
	Error   string `json:"error,omitempty"`
}

// NewAPISummarizer creates a summarizer for cfg. When a token URL and client
// credentials are configured every request carries an OAuth2 bearer token.
// base may be nil.
func NewAPISummarizer(cfg *types.SummaryConfig, base *http.Client) (*APISummarizer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("summary url is required")
	}
	if base == nil {
		base = &http.Client{Timeout: summaryTimeout}
	}

	client := base
	if cfg.UsesOAuth() {
		conf := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		client = conf.Client(ctx)
	}

	return &APISummarizer{url: cfg.URL, language: cfg.Language, client: client}, nil
}

// Summarize uploads the recording as multipart form data.
func (s *APISummarizer) Summarize(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", util.WrapError("open recording", err)
	}
	defer util.SafeCloseFunc(f, "recording")()

	// Stream the body so large recordings are never held in memory.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeSummaryForm(mw, f, filepath.Base(path), s.language))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, pr)
	if err != nil {
		_ = pr.Close()
		return "", util.WrapError("create summary request", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		_ = pr.Close()
		return "", util.WrapError("send summary request", err)
	}
	defer util.SafeCloseFunc(resp.Body, "summary response body")()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", util.WrapError("read summary response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: summary service returned %d: %s", ErrSummaryFailed, resp.StatusCode, truncate(string(body), maxErrorBody))
	}

	var out apiSummaryResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", util.WrapError("parse summary response", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("%w: %s", ErrSummaryFailed, out.Error)
	}
	if strings.TrimSpace(out.Summary) == "" {
		return "", fmt.Errorf("%w: empty summary", ErrSummaryFailed)
	}
	return out.Summary, nil
}

func writeSummaryForm(mw *multipart.Writer, audio io.Reader, filename, language string) error {
	if language != "" {
		if err := mw.WriteField("language", language); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, audio); err != nil {
		return err
	}
	return mw.Close()
}

// WriteSummary stores a summary next to its recording and returns the path.
func WriteSummary(recordingPath, summary string) (string, error) {
	path := SummaryPath(recordingPath)
	if err := os.WriteFile(path, []byte(strings.TrimSpace(summary)+"\n"), 0o644); err != nil {
		return "", util.WrapError("write summary", err)
	}
	return path, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
