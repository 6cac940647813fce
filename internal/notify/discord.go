package notify

import (
	"context"
	"net/http"
)

// DiscordSender delivers notifications via a Discord webhook as an embed.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for the given webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: senderTimeout},
	}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Send posts one embed. Discord answers 204 on success.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	return postJSON(ctx, d.client, d.Name(), d.webhookURL, map[string]any{
		"embeds": []discordEmbed{{Title: title, Description: message}},
	})
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string { return "discord" }
