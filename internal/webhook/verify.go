package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// VerifyHMAC checks a hex-encoded HMAC-SHA256 of the raw body.
// Constant-time, so a forged signature leaks nothing about the real one.
func VerifyHMAC(body []byte, secret, signature string) bool {
	if secret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// VerifySvix checks the svix signature scheme used by resend: base64
// HMAC-SHA256 over "{timestamp}.{body}", with the header carrying one or
// more space-separated "v1,<sig>" candidates.
func VerifySvix(body []byte, secret, timestamp, sigHeader string) bool {
	if secret == "" {
		return true
	}
	// svix secrets ship with a whsec_ prefix around base64 key material
	key := []byte(secret)
	if raw, ok := strings.CutPrefix(secret, "whsec_"); ok {
		if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
			key = decoded
		}
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	for _, candidate := range strings.Fields(sigHeader) {
		sig := candidate
		if i := strings.IndexByte(candidate, ','); i >= 0 {
			if candidate[:i] != "v1" {
				continue
			}
			sig = candidate[i+1:]
		}
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return true
		}
	}
	return false
}
