package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/oszuidwest/zwfm-loopback/internal/util"
)

// WebhookPayload represents the data sent to webhook endpoints.
type WebhookPayload struct {
	Event     string   `json:"event"`
	App       string   `json:"app"`
	Message   string   `json:"message,omitempty"`
	Device    string   `json:"device,omitempty"`
	Advice    []string `json:"advice,omitempty"`
	Timestamp string   `json:"timestamp"`
}

// SendAdvisoryWebhook posts an advisory to the webhook endpoint.
func SendAdvisoryWebhook(webhookURL string, a *Advisory) error {
	return sendWebhook(webhookURL, &WebhookPayload{
		Event:     string(a.Kind),
		App:       AppName,
		Message:   a.Message,
		Device:    a.Device,
		Advice:    a.Advice,
		Timestamp: timestampUTC(),
	})
}

// SendTestWebhook sends a test webhook notification.
func SendTestWebhook(webhookURL string) error {
	if webhookURL == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	return sendWebhook(webhookURL, &WebhookPayload{
		Event:     "test",
		App:       AppName,
		Message:   "This is a test notification from " + AppName,
		Timestamp: timestampUTC(),
	})
}

// sendWebhook delivers a notification to the configured webhook endpoint.
func sendWebhook(webhookURL string, payload *WebhookPayload) error {
	if !util.IsConfigured(webhookURL) {
		return nil // Silently skip if not configured
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return util.WrapError("marshal payload", err)
	}

	client := &http.Client{Timeout: webhookTimeout}
	resp, err := client.Post(webhookURL, "application/json", bytes.NewReader(jsonData))
	if err != nil {
		return util.WrapError("send webhook request", err)
	}
	defer util.SafeCloseFunc(resp.Body, "webhook response body")()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
