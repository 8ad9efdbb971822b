package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Notification is the body POSTed after each schedule execution.
type Notification struct {
	Type      string `json:"type"` // "success" or "failure"
	Schedule  string `json:"schedule"`
	Execution string `json:"execution"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Notifier delivers execution notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// WebhookNotifier POSTs notifications to a webhook URL. Delivery is
// best-effort: callers log failures and move on, never retry.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *log.Logger
}

// WebhookOption customizes a webhook notifier.
type WebhookOption func(*WebhookNotifier)

// WithClient substitutes the HTTP client.
func WithClient(client *http.Client) WebhookOption {
	return func(n *WebhookNotifier) {
		if client != nil {
			n.client = client
		}
	}
}

// WithLogger assigns a logger for delivery failures.
func WithLogger(logger *log.Logger) WebhookOption {
	return func(n *WebhookNotifier) { n.logger = logger }
}

// NewWebhookNotifier constructs a notifier.
func NewWebhookNotifier(url string, opts ...WebhookOption) *WebhookNotifier {
	n := &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify sends the notification.
func (n *WebhookNotifier) Notify(ctx context.Context, note Notification) error {
	if n == nil || n.url == "" {
		return errors.New("notify: empty webhook url")
	}
	body, err := json.Marshal(note)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook returned %d", resp.StatusCode)
	}
	return nil
}

// NotifyBestEffort delivers and logs failures instead of returning them.
func (n *WebhookNotifier) NotifyBestEffort(ctx context.Context, note Notification) {
	if err := n.Notify(ctx, note); err != nil && n.logger != nil {
		n.logger.Printf("notify: webhook delivery failed: %v", err)
	}
}
