package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// WebhookNotifier POSTs the JSON payload to an endpoint
type WebhookNotifier struct {
	name     string
	endpoint string
	client   *http.Client
}

// NewWebhookNotifier creates a webhook notifier
func NewWebhookNotifier(r Recipient) (*WebhookNotifier, error) {
	if r.URL == "" {
		return nil, fmt.Errorf("recipient %s: webhook url is required", r.DisplayName())
	}
	u, err := url.Parse(r.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("recipient %s: invalid webhook url %q", r.DisplayName(), r.URL)
	}
	return &WebhookNotifier{
		name:     r.DisplayName(),
		endpoint: r.URL,
		client:   &http.Client{},
	}, nil
}

func (w *WebhookNotifier) Name() string     { return w.name }
func (w *WebhookNotifier) Channel() Channel { return ChannelWebhook }

func (w *WebhookNotifier) Notify(ctx context.Context, msg *Message) error {
	body, err := marshalPayload(msg)
	if err != nil {
		return err
	}

	// ctx carries the per-recipient deadline
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return statusError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// statusError reports a non-2xx response with the start of its body
func statusError(resp *http.Response) error {
	snippet, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("non-2xx response (%d), read body: %w", resp.StatusCode, err)
	}
	text := strings.TrimSpace(string(snippet))
	if text == "" {
		return fmt.Errorf("non-2xx response (%d)", resp.StatusCode)
	}
	return fmt.Errorf("non-2xx response (%d): %s", resp.StatusCode, text)
}
