package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

// Webhook event kinds delivered by the identity provider.
const (
	EventUserCreated = "user.created"
	EventUserUpdated = "user.updated"
	EventUserDeleted = "user.deleted"
)

// ErrBadSignature marks a missing or invalid webhook signature, a
// rejection distinct from downstream processing failures.
var ErrBadSignature = errors.New("bad webhook signature")

// WebhookEvent is the provider's delivery envelope.
type WebhookEvent struct {
	Type string  `json:"type"`
	Data Profile `json:"data"`
}

// VerifyWebhook checks the HMAC-SHA256 signature header against the raw
// body and decodes the event. The header carries one or more
// space-separated "v1,<base64>" entries; any matching entry accepts.
func VerifyWebhook(secret []byte, signatureHeader string, body []byte) (WebhookEvent, error) {
	if len(secret) == 0 || strings.TrimSpace(signatureHeader) == "" {
		return WebhookEvent{}, ErrBadSignature
	}

	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	valid := false
	for _, entry := range strings.Fields(signatureHeader) {
		candidate := strings.TrimPrefix(entry, "v1,")
		if hmac.Equal([]byte(candidate), []byte(expected)) {
			valid = true
			break
		}
	}
	if !valid {
		return WebhookEvent{}, ErrBadSignature
	}

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return WebhookEvent{}, errors.New("malformed webhook body")
	}
	return event, nil
}

// SignWebhook produces the signature header value for a body, used by
// tests and by local provider emulation.
func SignWebhook(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
