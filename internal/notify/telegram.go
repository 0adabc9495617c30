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
	baseURL string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender for a bot token and chat ID.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		baseURL: telegramAPI,
		token:   token,
		chatID:  chatID,
		client:  defaultClient(),
	}
}

// WithBaseURL points the sender at another Bot API host.
func (t *TelegramSender) WithBaseURL(u string) *TelegramSender {
	t.baseURL = strings.TrimRight(u, "/")
	return t
}

// Send posts the message to the chat with the title in bold.
func (t *TelegramSender) Send(ctx context.Context, msg Message) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	return postJSON(ctx, t.client, "telegram", url, map[string]string{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n%s", msg.Title, msg.Body),
		"parse_mode": "Markdown",
	}, nil)
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}
