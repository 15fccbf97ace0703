package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// Sender delivers a rendered notification to one chat channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func postJSON(ctx context.Context, name, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal payload: %w", name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send request: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: unexpected status %d: %s", name, resp.StatusCode, msg)
	}
	return nil
}

// Telegram posts through the Bot API sendMessage call.
type Telegram struct {
	URL    string // defaults to the public Bot API
	Token  string
	ChatID string
}

func (t Telegram) Name() string { return "telegram" }

func (t Telegram) Send(ctx context.Context, title, message string) error {
	base := t.URL
	if base == "" {
		base = "https://api.telegram.org"
	}
	return postJSON(ctx, t.Name(), fmt.Sprintf("%s/bot%s/sendMessage", base, t.Token), map[string]string{
		"chat_id":    t.ChatID,
		"text":       fmt.Sprintf("*%s*\n%s", title, message),
		"parse_mode": "Markdown",
	})
}

// Discord posts to a channel webhook. Discord answers 204 on success.
type Discord struct {
	WebhookURL string
}

func (d Discord) Name() string { return "discord" }

func (d Discord) Send(ctx context.Context, title, message string) error {
	return postJSON(ctx, d.Name(), d.WebhookURL, map[string]string{
		"content": fmt.Sprintf("**%s**\n%s", title, message),
	})
}
