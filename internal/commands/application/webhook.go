package application

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	automation "farm-telemetry/internal/automation/domain"
)

// WebhookDispatcher posts trigger events as JSON to an HTTP endpoint.
type WebhookDispatcher struct {
	url    string
	token  string
	client *http.Client
}

// WebhookOption configures the webhook dispatcher.
type WebhookOption func(*WebhookDispatcher)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(w *WebhookDispatcher) {
		if client != nil {
			w.client = client
		}
	}
}

// WithBearerToken sets an Authorization bearer token on every request.
func WithBearerToken(token string) WebhookOption {
	return func(w *WebhookDispatcher) {
		w.token = token
	}
}

// NewWebhookDispatcher constructs a webhook dispatcher.
func NewWebhookDispatcher(url string, opts ...WebhookOption) (*WebhookDispatcher, error) {
	if url == "" {
		return nil, errors.New("webhook dispatcher: empty url")
	}
	w := &WebhookDispatcher{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Dispatch implements Dispatcher.
func (w *WebhookDispatcher) Dispatch(ctx context.Context, trigger automation.TriggerEvent) error {
	if w == nil || w.url == "" {
		return errors.New("webhook dispatcher: empty url")
	}
	body, err := json.Marshal(trigger)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if trigger.ID != "" {
		req.Header.Set("X-Request-ID", trigger.ID)
	}
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook dispatcher: status %d: %s", resp.StatusCode, string(data))
	}
	return nil
}
