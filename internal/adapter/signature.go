package adapter

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/nerrad567/gray-logic-sync/internal/integration"
)

// Signature headers accepted on inbound webhooks.
const (
	HeaderWebhookSignature = "X-Webhook-Signature"
	HeaderGoliothSignature = "X-Golioth-Signature"
	HeaderAzureSignature   = "X-Azure-Signature"
)

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex HMAC-SHA256 signature, with or without a
// "sha256=" prefix, in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" {
		return false
	}
	signature = strings.TrimSpace(signature)
	signature = strings.TrimPrefix(signature, "sha256=")
	got, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// SignatureHeaders lists the headers checked for t, most specific first.
func SignatureHeaders(t integration.Type) []string {
	switch t {
	case integration.TypeGolioth:
		return []string{HeaderGoliothSignature, HeaderWebhookSignature}
	case integration.TypeAzureIoT:
		return []string{HeaderAzureSignature, HeaderWebhookSignature}
	default:
		return []string{HeaderWebhookSignature}
	}
}

// SignatureFrom returns the first signature header present for t.
func SignatureFrom(h http.Header, t integration.Type) string {
	for _, name := range SignatureHeaders(t) {
		if v := h.Get(name); v != "" {
			return v
		}
	}
	return ""
}
