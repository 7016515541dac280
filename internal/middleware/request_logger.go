package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/itsChris/guessguard/internal/logging"
)

// RequestLogger logs every HTTP request and response. Client addresses are
// replaced by a keyed hash token, which is also stored in the request
// context. In dev mode, request and response bodies are included.
func RequestLogger(logger *slog.Logger, hasher *logging.IPHasher, devMode bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := r.Context()
			client := "unknown"
			if addr, ok := ClientAddr(r); ok {
				client = hasher.Hash(addr)
			}
			ctx = logging.WithClient(ctx, client)
			r = r.WithContext(ctx)

			attrs := []any{
				"request_id", logging.RequestID(ctx),
				"method", r.Method,
				"path", r.URL.Path,
				"client", client,
				"user_agent", r.UserAgent(),
			}

			if devMode && r.Body != nil && r.ContentLength > 0 && r.ContentLength < 1_000_000 {
				body, err := io.ReadAll(r.Body)
				if err == nil {
					r.Body = io.NopCloser(bytes.NewReader(body))
					attrs = append(attrs, "request_body", string(body))
				}
			}

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK, captureBody: devMode}
			next.ServeHTTP(wrapped, r)

			attrs = append(attrs,
				"status", wrapped.statusCode,
				"duration_ms", time.Since(start).Milliseconds(),
				"bytes_written", wrapped.bytesWritten,
			)

			if devMode && wrapped.body.Len() > 0 && wrapped.body.Len() < 1_000_000 {
				attrs = append(attrs, "response_body", wrapped.body.String())
			}

			level := slog.LevelInfo
			if wrapped.statusCode >= 500 {
				level = slog.LevelError
			} else if wrapped.statusCode >= 400 {
				level = slog.LevelWarn
			}

			logger.Log(ctx, level, "http_request", attrs...)
		})
	}
}

// ClientAddr returns the unmapped remote address of r.
func ClientAddr(r *http.Request) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return ap.Addr().Unmap(), true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// responseWriter wraps http.ResponseWriter to capture status code, bytes written,
// and optionally the response body.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
	captureBody  bool
	body         bytes.Buffer
	wroteHeader  bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.statusCode = code
		w.wroteHeader = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if w.captureBody {
		w.body.Write(b)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytesWritten += n
	return n, err
}

// Unwrap lets http.ResponseController access the underlying ResponseWriter.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
