package notify

import (
	"context"
	"fmt"
	"time"

	"resty.dev/v3"
)

const DefaultTelegramURL = "https://api.telegram.org"

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Telegram posts messages through the Bot API sendMessage method.
type Telegram struct {
	client *resty.Client
	token  string
	chatID string
}

// NewTelegram builds a Telegram notifier. An empty baseURL selects the public Bot API.
func NewTelegram(baseURL, token, chatID string, timeout time.Duration) *Telegram {
	if baseURL == "" {
		baseURL = DefaultTelegramURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Telegram{
		client: resty.New().SetBaseURL(baseURL).SetTimeout(timeout),
		token:  token,
		chatID: chatID,
	}
}

func (t *Telegram) Send(ctx context.Context, text string) error {
	var out telegramResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"chat_id": t.chatID,
			"text":    text,
		}).
		SetResult(&out).
		Post("/bot" + t.token + "/sendMessage")
	if err != nil {
		return fmt.Errorf("post telegram message: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode())
	}
	if !out.OK {
		return fmt.Errorf("telegram rejected message: %s", out.Description)
	}
	return nil
}

func (t *Telegram) Close() error {
	return t.client.Close()
}
