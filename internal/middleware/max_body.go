package middleware

import (
	"encoding/json"
	"net/http"

	apperr "github.com/itsChris/guessguard/internal/errors"
)

// DefaultMaxBodySize is 1 MB.
const DefaultMaxBodySize = 1 << 20

// MaxBody limits request body size to maxBytes. Requests that declare a
// larger Content-Length are rejected with 413 before the handler runs;
// others are cut off by http.MaxBytesReader while the handler reads.
func MaxBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusRequestEntityTooLarge)
				json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{
						"code":    apperr.ErrBodyTooLarge,
						"message": "request body too large",
						"limit":   maxBytes,
					},
				})
				return
			}
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
