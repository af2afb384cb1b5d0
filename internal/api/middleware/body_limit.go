package middleware

import "net/http"

// DefaultMaxBodyBytes is the default request body cap (512KB).
const DefaultMaxBodyBytes = 512 * 1024

// MaxBodySize limits request body size for methods that carry one. Requests
// whose declared Content-Length exceeds the cap are rejected immediately
// with 413; chunked bodies are capped by MaxBytesReader at read time.
func MaxBodySize(max int64) func(http.Handler) http.Handler {
	if max <= 0 {
		max = DefaultMaxBodyBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil {
				next.ServeHTTP(w, r)
				return
			}
			if r.ContentLength > max {
				writeRejection(w, Decision{
					Verdict: VerdictReject,
					Status:  http.StatusRequestEntityTooLarge,
					Code:    "PAYLOAD_TOO_LARGE",
					Message: "Request body exceeds the allowed size.",
				})
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}
