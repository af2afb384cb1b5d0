package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// Fingerprint derives a stable device fingerprint from request headers.
// Order-preserving concatenation of User-Agent, Accept-Language, and
// Accept-Encoding, hashed with SHA-256 and hex encoded. A weak proxy for
// "same device": stable across requests from one browser profile, cheap to
// recompute on every request.
func Fingerprint(userAgent, acceptLanguage, acceptEncoding string) string {
	data := userAgent + "|" + acceptLanguage + "|" + acceptEncoding
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// FingerprintFromRequest computes the fingerprint for an inbound request.
func FingerprintFromRequest(r *http.Request) string {
	return Fingerprint(
		r.Header.Get("User-Agent"),
		r.Header.Get("Accept-Language"),
		r.Header.Get("Accept-Encoding"),
	)
}

// ExtractBearer returns the bearer token from the Authorization header, or "".
func ExtractBearer(r *http.Request) string {
	s := r.Header.Get("Authorization")
	if s == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(s) > len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return strings.TrimSpace(s[len(prefix):])
	}
	return ""
}
