package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type contextKey string

const traceIDKey contextKey = "trace_id"

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// WithTraceID returns a context carrying a fresh trace ID, plus the ID.
// The engine mints one per generation cycle so every log line a cycle
// produces can be correlated.
func WithTraceID(ctx context.Context) (context.Context, string) {
	traceID := GenerateTraceID()
	return context.WithValue(ctx, traceIDKey, traceID), traceID
}

// TraceID returns the trace ID carried by ctx, or empty when there is none
func TraceID(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}
