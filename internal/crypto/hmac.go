package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Webhook signature headers.
const (
	HeaderWebhookTimestamp = "X-Steward-Webhook-Timestamp"
	HeaderWebhookSignature = "X-Steward-Webhook-Signature"
)

// WebhookSigner signs outgoing webhook bodies with a shared secret.
// The signature is hex(HMAC-SHA256(secret, timestamp + "." + body)).
type WebhookSigner struct {
	secret []byte
}

// NewWebhookSigner returns a WebhookSigner, or nil when secret is empty.
func NewWebhookSigner(secret string) *WebhookSigner {
	if secret == "" {
		return nil
	}
	return &WebhookSigner{secret: []byte(secret)}
}

// Headers returns the signature headers for body sent at ts.
func (w *WebhookSigner) Headers(body []byte, ts time.Time) map[string]string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	return map[string]string{
		HeaderWebhookTimestamp: unix,
		HeaderWebhookSignature: w.sign(unix, body),
	}
}

// Verify checks a received signature in constant time.
func (w *WebhookSigner) Verify(body []byte, timestamp, signature string) error {
	want := w.sign(timestamp, body)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return errors.New("crypto: webhook signature mismatch")
	}
	return nil
}

func (w *WebhookSigner) sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, w.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (w *WebhookSigner) String() string {
	if w == nil {
		return "WebhookSigner{disabled}"
	}
	return fmt.Sprintf("WebhookSigner{secret=%d bytes}", len(w.secret))
}
