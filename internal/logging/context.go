package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	taskIDKey    contextKey = "task_id"
	clientKey    contextKey = "client"
)

// WithRequestID stores a request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request ID, or "" when unset.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// GenerateRequestID creates a new request ID in the format "req_<12 hex chars>".
func GenerateRequestID() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(b)
}

// WithTaskID stores a task ID in the context.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey, id)
}

// TaskID extracts the task ID from the context.
func TaskID(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey).(string)
	return id
}

// GenerateTaskID creates a task ID such as "task_compact_1700000000".
func GenerateTaskID(name string) string {
	return fmt.Sprintf("task_%s_%d", name, time.Now().Unix())
}

// WithClient stores the hashed client token in the context.
func WithClient(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, clientKey, token)
}

// Client returns the hashed client token, or "" when unset.
func Client(ctx context.Context) string {
	token, _ := ctx.Value(clientKey).(string)
	return token
}

// LogAttrsFromContext returns request_id, task_id and client as slog
// attributes. Only non-empty values are included.
func LogAttrsFromContext(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if id := RequestID(ctx); id != "" {
		attrs = append(attrs, slog.String("request_id", id))
	}
	if id := TaskID(ctx); id != "" {
		attrs = append(attrs, slog.String("task_id", id))
	}
	if token := Client(ctx); token != "" {
		attrs = append(attrs, slog.String("client", token))
	}
	return attrs
}
