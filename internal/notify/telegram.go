package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const telegramAPI = "https://api.telegram.org"

// TelegramSender delivers notifications via the Telegram Bot API.
type TelegramSender struct {
	endpoint string
	chatID   string
	client   *http.Client
}

// NewTelegramSender creates a TelegramSender for the given bot token and
// chat. apiBase overrides the Bot API host; empty uses the public one.
func NewTelegramSender(apiBase, token, chatID string) *TelegramSender {
	if apiBase == "" {
		apiBase = telegramAPI
	}
	return &TelegramSender{
		endpoint: fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(apiBase, "/"), token),
		chatID:   chatID,
		client:   &http.Client{Timeout: senderTimeout},
	}
}

// Send posts a plain-text message; the title goes on its own line.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	return postJSON(ctx, t.client, t.Name(), t.endpoint, map[string]any{
		"chat_id":                  t.chatID,
		"text":                     title + "\n" + message,
		"disable_web_page_preview": true,
	})
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string { return "telegram" }
