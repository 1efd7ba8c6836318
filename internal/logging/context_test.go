package logging

import (
	"context"
	"testing"
)

func TestTraceIDRoundTrip(t *testing.T) {
	ctx, traceID := WithTraceID(context.Background())

	if len(traceID) != 32 {
		t.Errorf("Expected a 16-byte hex id, got %q", traceID)
	}
	if got := TraceID(ctx); got != traceID {
		t.Errorf("Context returned %q, expected %q", got, traceID)
	}
}

func TestTraceIDAbsent(t *testing.T) {
	if got := TraceID(context.Background()); got != "" {
		t.Errorf("Expected empty trace id on a bare context, got %q", got)
	}
}

func TestTraceIDsAreUnique(t *testing.T) {
	_, a := WithTraceID(context.Background())
	_, b := WithTraceID(context.Background())
	if a == b {
		t.Error("Two cycles must not share a trace id")
	}
}
