package notify

import (
	"context"
	"fmt"
	"time"

	"resty.dev/v3"
)

type webhookPayload struct {
	Source string `json:"source"`
	Text   string `json:"text"`
	Time   string `json:"time"`
}

// Webhook posts messages as JSON to an arbitrary endpoint.
type Webhook struct {
	client *resty.Client
	url    string
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		client: resty.New().SetTimeout(timeout),
		url:    url,
	}
}

func (w *Webhook) Send(ctx context.Context, text string) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(webhookPayload{
			Source: "transfer-watcher",
			Text:   text,
			Time:   time.Now().UTC().Format(time.RFC3339),
		}).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}

func (w *Webhook) Close() error {
	return w.client.Close()
}
