package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Header names carried by HMAC-authenticated venue requests.
const (
	HeaderAPIKey    = "X-PERPS-API-KEY"
	HeaderTimestamp = "X-PERPS-TIMESTAMP"
	HeaderSignature = "X-PERPS-SIGNATURE"
)

// HMACAuth holds the API credentials for a venue relay.
type HMACAuth struct {
	Key    string // API key
	Secret string // API secret, base64-encoded or raw
}

// Headers returns the HTTP headers for a venue request. The signature is
// HMAC-SHA256(secret, timestamp+method+path+body) encoded as base64.
func (h *HMACAuth) Headers(method, path, body string) map[string]string {
	return h.HeadersAt(method, path, body, time.Now().UnixMilli())
}

// HeadersAt is like Headers but lets the caller supply the Unix millisecond
// timestamp.
func (h *HMACAuth) HeadersAt(method, path, body string, unixMilli int64) map[string]string {
	ts := strconv.FormatInt(unixMilli, 10)
	return map[string]string{
		HeaderAPIKey:    h.Key,
		HeaderTimestamp: ts,
		HeaderSignature: Sign(h.secretBytes(), ts+method+path+body),
	}
}

// Verify reports whether sig is a valid signature for the request parts.
func (h *HMACAuth) Verify(ts, method, path, body, sig string) bool {
	want := Sign(h.secretBytes(), ts+method+path+body)
	return hmac.Equal([]byte(want), []byte(sig))
}

// secretBytes decodes a base64 secret, falling back to the raw bytes so a
// misconfigured secret yields an obviously wrong signature rather than a
// panic.
func (h *HMACAuth) secretBytes() []byte {
	if b, err := base64.StdEncoding.DecodeString(h.Secret); err == nil && len(b) > 0 {
		return b
	}
	return []byte(h.Secret)
}

// Sign computes HMAC-SHA256 of message using key and returns the result as a
// base64 standard-encoded string.
func Sign(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
