// Package notify posts best-effort JSON notifications to an operator webhook.
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

	"github.com/onnwee/chatrelay/telemetry"
)

// Notification is the webhook payload.
type Notification struct {
	Type      string         `json:"type"`
	Platform  string         `json:"platform,omitempty"`
	Username  string         `json:"username,omitempty"`
	Text      string         `json:"text,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Webhook posts notifications to URL. A zero URL disables it.
type Webhook struct {
	URL        string
	HTTPClient *http.Client
}

// NewWebhook returns a webhook notifier with a short timeout.
func NewWebhook(url string) *Webhook {
	return &Webhook{URL: url, HTTPClient: &http.Client{Timeout: 5 * time.Second}}
}

// Notify posts n. Errors are returned for callers that care; most use Fire.
func (w *Webhook) Notify(ctx context.Context, n Notification) error {
	if w == nil || w.URL == "" {
		telemetry.Notification("disabled")
		return nil
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	hc := w.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		telemetry.Notification("error")
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		telemetry.Notification("error")
		return fmt.Errorf("webhook status %d: %s", resp.StatusCode, string(b))
	}
	telemetry.Notification("ok")
	return nil
}

// Fire sends n in the background and only logs failures.
func Fire(ctx context.Context, n Notifier, note Notification) {
	if n == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := n.Notify(ctx, note); err != nil {
			slog.Warn("notification failed", slog.String("component", "notify"), slog.String("type", note.Type), slog.Any("err", err))
		}
	}()
}
