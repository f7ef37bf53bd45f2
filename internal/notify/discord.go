package notify

import (
	"context"
	"fmt"
	"net/http"
)

// discordMaxContent is Discord's message length limit.
const discordMaxContent = 2000

// DiscordSender posts alerts to a Discord webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for webhookURL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{webhookURL: webhookURL, client: &http.Client{}}
}

// Send posts the alert with a bold title.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	content := fmt.Sprintf("**%s**\n%s", title, message)
	if r := []rune(content); len(r) > discordMaxContent {
		content = string(r[:discordMaxContent-1]) + "…"
	}
	if err := postJSON(ctx, d.client, d.webhookURL, map[string]string{"content": content}); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

func (d *DiscordSender) Name() string { return "discord" }
