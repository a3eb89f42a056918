package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Payload is the body posted to the outbound channel.
type Payload struct {
	ID        string            `json:"id"`
	EventType string            `json:"event_type"`
	Severity  string            `json:"severity"`
	Title     string            `json:"title"`
	IP        string            `json:"ip,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Sender delivers one alert to an external channel.
type Sender interface {
	Send(ctx context.Context, p Payload) error
}

// NopSender discards alerts. It is selected when no webhook is configured.
type NopSender struct{}

func (NopSender) Send(context.Context, Payload) error { return nil }

// WebhookSender posts alerts as JSON.
type WebhookSender struct {
	url     string
	headers map[string]string
	client  *http.Client
}

func NewWebhookSender(url string, headers map[string]string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSender{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *WebhookSender) Send(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "gatewarden-alerts")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
