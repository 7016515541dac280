package logging

import (
	"context"
	"log/slog"
	"time"

	"github.com/itsChris/guessguard/internal/sequence"
)

// DefaultRingSize is the default number of entries kept in the ring buffer.
const DefaultRingSize = 500

// LogEntry is a log record kept in the ring buffer.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     slog.Level     `json:"level"`
	Message   string         `json:"message"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// RingBuffer keeps the most recent log entries for diagnostics.
type RingBuffer struct {
	entries *sequence.Sequence[*LogEntry]
}

// NewRingBuffer creates a ring buffer that holds the last size entries.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{entries: sequence.New[*LogEntry](size)}
}

// Write adds an entry, evicting the oldest one when full.
func (rb *RingBuffer) Write(entry LogEntry) {
	rb.entries.Add(&entry)
}

// Recent returns up to n of the newest entries in chronological order.
func (rb *RingBuffer) Recent(n int) []LogEntry {
	newest := rb.entries.Snapshot()
	if n > len(newest) {
		n = len(newest)
	}
	if n <= 0 {
		return nil
	}

	result := make([]LogEntry, n)
	for i := 0; i < n; i++ {
		result[n-1-i] = *newest[i]
	}
	return result
}

// Len returns the number of entries currently stored.
func (rb *RingBuffer) Len() int {
	return rb.entries.Len()
}

// ReduceMemory drops the oldest fraction of entries. It matches the
// memory pressure monitor's callback signature.
func (rb *RingBuffer) ReduceMemory(fraction float64) (int, error) {
	return rb.entries.ReduceByFraction(fraction), nil
}

// ringHandler writes to a primary handler and copies WARN and above into
// a ring buffer.
type ringHandler struct {
	primary slog.Handler
	ring    *RingBuffer
	attrs   []slog.Attr
}

func (h *ringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level)
}

func (h *ringHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
		for _, a := range h.attrs {
			attrs[a.Key] = a.Value.Any()
		}
		r.Attrs(func(a slog.Attr) bool {
			attrs[a.Key] = a.Value.Any()
			return true
		})
		for _, a := range LogAttrsFromContext(ctx) {
			attrs[a.Key] = a.Value.Any()
		}
		h.ring.Write(LogEntry{
			Timestamp: r.Time,
			Level:     r.Level,
			Message:   r.Message,
			Attrs:     attrs,
		})
	}
	return h.primary.Handle(ctx, r)
}

func (h *ringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &ringHandler{
		primary: h.primary.WithAttrs(attrs),
		ring:    h.ring,
		attrs:   merged,
	}
}

func (h *ringHandler) WithGroup(name string) slog.Handler {
	return &ringHandler{
		primary: h.primary.WithGroup(name),
		ring:    h.ring,
		attrs:   h.attrs,
	}
}
