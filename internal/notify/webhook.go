package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/alanyoungcy/steward/internal/crypto"
)

// WebhookSender posts each Message as JSON to an HTTP endpoint. When a
// signer is set the body carries HMAC signature headers.
type WebhookSender struct {
	url    string
	signer *crypto.WebhookSigner
	client *http.Client
}

// NewWebhookSender creates a WebhookSender. signer may be nil.
func NewWebhookSender(url string, signer *crypto.WebhookSigner) *WebhookSender {
	return &WebhookSender{url: url, signer: signer, client: defaultClient()}
}

// Send posts msg.
func (w *WebhookSender) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}
	var headers map[string]string
	if w.signer != nil {
		headers = w.signer.Headers(body, msg.At)
	}
	return post(ctx, w.client, "webhook", w.url, body, headers)
}

// Name returns the sender identifier.
func (w *WebhookSender) Name() string {
	return "webhook"
}
