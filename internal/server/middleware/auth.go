package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/itsChris/guessguard/internal/auth"
	apperr "github.com/itsChris/guessguard/internal/errors"
	"github.com/itsChris/guessguard/internal/logging"
)

// RequireAdmin validates the bearer token in the Authorization header and
// injects the claims into the request context. Clients that fail too often
// are rejected with 429 until their failure budget refills. A nil jwtSvc
// disables the check.
func RequireAdmin(jwtSvc *auth.JWTService, limiter *auth.FailureLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if jwtSvc == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := logging.Client(r.Context())
			if client == "" {
				client = r.RemoteAddr
			}

			if limiter != nil && limiter.Blocked(client) {
				logger.Warn("auth_rate_limited",
					"client", client,
					"path", r.URL.Path,
					"component", "auth",
				)
				w.Header().Set("Retry-After", "60")
				writeAuthError(w, r, "too many failed attempts", apperr.ErrRateLimited, http.StatusTooManyRequests)
				return
			}

			token, ok := bearerToken(r)
			if !ok {
				logger.Warn("auth_no_token",
					"client", client,
					"path", r.URL.Path,
					"component", "auth",
				)
				if limiter != nil {
					limiter.Fail(client)
				}
				w.Header().Set("WWW-Authenticate", `Bearer realm="guessguard"`)
				writeAuthError(w, r, "unauthorized", apperr.ErrUnauthorized, http.StatusUnauthorized)
				return
			}

			claims, err := jwtSvc.Validate(token)
			if err != nil {
				logger.Warn("auth_invalid_token",
					"client", client,
					"path", r.URL.Path,
					"error", err,
					"component", "auth",
				)
				if limiter != nil {
					limiter.Fail(client)
				}
				w.Header().Set("WWW-Authenticate", `Bearer realm="guessguard", error="invalid_token"`)
				writeAuthError(w, r, "token expired or invalid", apperr.ErrTokenInvalid, http.StatusUnauthorized)
				return
			}

			ctx := auth.WithAdmin(r.Context(), claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeAuthError(w http.ResponseWriter, r *http.Request, msg, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":       code,
			"message":    msg,
			"request_id": logging.RequestID(r.Context()),
		},
	})
}
