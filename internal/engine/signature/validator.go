package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"chatrelay/internal/pkg/errors"
)

// HeaderName is the inbound signature header set by the CRM.
const HeaderName = "X-Relay-Signature"

// Sign computes the HMAC-SHA256 of payload under secret, hex encoded.
func Sign(secret string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Validate checks an inbound webhook signature against the raw request
// body. It must run before any JSON parsing so nothing downstream acts
// on an unverified payload. The header value may carry the common
// "sha256=" prefix.
func Validate(secret string, body []byte, header string) error {
	if header == "" {
		return errors.Authentication("missing signature header")
	}

	header = strings.TrimPrefix(header, "sha256=")

	expected, err := hex.DecodeString(Sign(secret, body))
	if err != nil {
		return errors.Authentication("signature encoding failed")
	}
	got, err := hex.DecodeString(header)
	if err != nil {
		return errors.Authentication("malformed signature header")
	}

	if !hmac.Equal(expected, got) {
		return errors.Authentication("signature mismatch")
	}
	return nil
}
