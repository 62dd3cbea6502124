package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/execgate/execgate/internal/approval"
)

// Webhook posts approval events as JSON to a single upstream URL.
type Webhook struct {
	client *http.Client
	url    string
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		client: &http.Client{Timeout: timeout},
		url:    url,
	}
}

func (w *Webhook) HandleRequested(ctx context.Context, ev approval.RequestedEvent) error {
	return w.post(ctx, "exec.approval.requested", ev)
}

func (w *Webhook) HandleResolved(ctx context.Context, ev approval.ResolvedEvent) error {
	return w.post(ctx, "exec.approval.resolved", ev)
}

func (w *Webhook) post(ctx context.Context, eventType string, payload any) error {
	body, err := json.Marshal(map[string]any{
		"type":  eventType,
		"event": payload,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
