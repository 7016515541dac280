package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	apperr "github.com/itsChris/guessguard/internal/errors"
	"github.com/itsChris/guessguard/internal/logging"
)

// Recovery catches panics in downstream handlers, logs the panic with a
// full stack trace, and returns a 500 JSON error response. The request ID
// comes from the context when RequestID runs outside Recovery, and from
// the X-Request-ID response header when it runs inside.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				requestID := logging.RequestID(r.Context())
				if requestID == "" {
					requestID = w.Header().Get(RequestIDHeader)
				}

				logger.Error("panic_recovered",
					"panic", fmt.Sprintf("%v", rec),
					"stack", string(debug.Stack()),
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", requestID,
					"component", "http",
				)

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]string{
						"code":       apperr.ErrInternal,
						"message":    "internal error",
						"request_id": requestID,
					},
				})
			}()
			next.ServeHTTP(w, r)
		})
	}
}
