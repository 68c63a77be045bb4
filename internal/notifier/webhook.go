package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/checkd/checkd/internal/config"
	"github.com/checkd/checkd/internal/version"
)

// WebhookTransport posts each message as JSON to every address.
type WebhookTransport struct {
	client  *http.Client
	headers map[string]string
}

// NewWebhookTransport creates a webhook transport.
func NewWebhookTransport(cfg config.WebhookConfig) *WebhookTransport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookTransport{
		client:  &http.Client{Timeout: timeout},
		headers: cfg.Headers,
	}
}

func (w *WebhookTransport) Name() string { return "webhook" }

type webhookPayload struct {
	Subject        string `json:"subject"`
	Body           string `json:"body"`
	HTML           string `json:"html"`
	Alert          string `json:"alert"`
	NotificationID string `json:"notification_id"`
}

// Send posts to every address and joins the failures.
func (w *WebhookTransport) Send(ctx context.Context, msg Message) error {
	jsonData, err := json.Marshal(webhookPayload{
		Subject:        msg.Subject,
		Body:           msg.Body,
		HTML:           msg.HTML,
		Alert:          msg.AlertID,
		NotificationID: msg.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	var errs []error
	for _, url := range msg.Addresses {
		if err := w.post(ctx, url, jsonData); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", url, err))
		}
	}
	return errors.Join(errs...)
}

func (w *WebhookTransport) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook error: %d - %s", resp.StatusCode, string(respBody))
	}
	return nil
}
