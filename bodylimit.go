package secgw

import (
	"net/http"
)

// Common body size constants for convenience.
const (
	KB = 1024
	MB = 1024 * KB
)

// BodyLimiter enforces the maximum inbound request body size. Forwarded
// bodies are buffered in full before the upstream call, so the limit also
// bounds per-request memory.
type BodyLimiter struct {
	// MaxSize is the maximum allowed request body size in bytes.
	// Zero means no limit.
	MaxSize int64
}

// NewBodyLimiter creates a BodyLimiter with the given maximum size.
func NewBodyLimiter(maxSize int64) *BodyLimiter {
	return &BodyLimiter{MaxSize: maxSize}
}

// Middleware rejects requests whose declared Content-Length exceeds the
// limit with 413, and caps the body of all others so that reading past the
// limit fails with an [*http.MaxBytesError].
func (bl *BodyLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bl.MaxSize <= 0 || r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}
		if r.ContentLength > bl.MaxSize {
			writeError(w, http.StatusRequestEntityTooLarge, MsgBodyTooLarge)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, bl.MaxSize)
		next.ServeHTTP(w, r)
	})
}
