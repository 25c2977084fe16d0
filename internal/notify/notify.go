// Package notify sends best-effort completion signals: a webhook POST and
// a templated email, both over HTTP with short timeouts. Errors are
// returned for the caller to log; nothing here may ever decide the fate
// of a sync run.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Notifier delivers out-of-band completion signals.
type Notifier interface {
	SendWebhook(ctx context.Context, payload any) error
	SendEmail(ctx context.Context, address, templateID string, data map[string]string) error
}

// HTTP posts JSON to configured endpoints. Either URL may be empty, in
// which case that send is a silent no-op.
type HTTP struct {
	webhookURL string
	emailURL   string
	apiKey     string
	httpc      *http.Client
	log        *slog.Logger
}

var _ Notifier = (*HTTP)(nil)

// NewHTTP creates a notifier with a 10s request timeout.
func NewHTTP(webhookURL, emailURL, apiKey string) *HTTP {
	return &HTTP{
		webhookURL: webhookURL,
		emailURL:   emailURL,
		apiKey:     apiKey,
		httpc:      &http.Client{Timeout: 10 * time.Second},
		log:        slog.Default().With("component", "notify"),
	}
}

// WithClient overrides the HTTP client. Used by tests.
func (n *HTTP) WithClient(c *http.Client) *HTTP {
	if c != nil {
		n.httpc = c
	}
	return n
}

// SendWebhook posts the payload to the webhook endpoint.
func (n *HTTP) SendWebhook(ctx context.Context, payload any) error {
	if n.webhookURL == "" {
		return nil
	}
	return n.post(ctx, n.webhookURL, payload)
}

// SendEmail posts a send request to the email-service endpoint.
func (n *HTTP) SendEmail(ctx context.Context, address, templateID string, data map[string]string) error {
	if n.emailURL == "" {
		return nil
	}
	return n.post(ctx, n.emailURL, map[string]any{
		"to":          address,
		"template_id": templateID,
		"data":        data,
	})
}

func (n *HTTP) post(ctx context.Context, endpoint string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+n.apiKey)
	}

	resp, err := n.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: post %s: status %d", endpoint, resp.StatusCode)
	}
	return nil
}

// NoOp discards every send. Used when no endpoints are configured.
type NoOp struct{}

var _ Notifier = NoOp{}

func (NoOp) SendWebhook(context.Context, any) error { return nil }

func (NoOp) SendEmail(context.Context, string, string, map[string]string) error { return nil }
