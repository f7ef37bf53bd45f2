package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const telegramAPI = "https://api.telegram.org"

// TelegramSender posts alerts through the Telegram Bot API.
type TelegramSender struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender for the bot token and chat.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		token:   token,
		chatID:  chatID,
		baseURL: telegramAPI,
		client:  &http.Client{},
	}
}

// Send calls sendMessage with the title in bold. Auction ids contain
// underscores and dashes, so Markdown control characters in the body are
// escaped.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	payload := map[string]string{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n%s", escapeMarkdown(title), escapeMarkdown(message)),
		"parse_mode": "Markdown",
	}
	if err := postJSON(ctx, t.client, url, payload); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	return nil
}

func (t *TelegramSender) Name() string { return "telegram" }

var markdownEscaper = strings.NewReplacer("_", `\_`, "*", `\*`, "`", "\\`", "[", `\[`)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
