// Package signature signs and verifies webhook payloads. The provider signs
// the raw request body with HMAC-SHA256 and sends the hex digest in a header;
// verification recomputes the digest and compares in constant time.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Header carries the hex-encoded HMAC-SHA256 digest of the request body.
const Header = "X-Webhook-Signature"

// Sign returns the hex digest of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether got is the valid signature for body under secret.
// An empty signature never verifies.
func Verify(secret, body []byte, got string) bool {
	if got == "" {
		return false
	}
	want, err := hex.DecodeString(got)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(want, mac.Sum(nil))
}
