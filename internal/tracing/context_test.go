package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewIDsAreUnique(t *testing.T) {
	assert.NotEqual(t, NewTraceID(), NewTraceID())
	assert.NotEqual(t, NewRunID(), NewRunID())
}

func TestContextRoundTrip(t *testing.T) {
	ctx := NewContext(context.Background(), &TraceContext{
		TraceID:    "trace-1",
		RunID:      "run-1",
		SessionKey: "s1",
		UserID:     "u1",
		RequestID:  "req-1",
	})

	tc := FromContext(ctx)
	assert.Equal(t, "trace-1", tc.TraceID)
	assert.Equal(t, "run-1", tc.RunID)
	assert.Equal(t, "s1", tc.SessionKey)
	assert.Equal(t, "u1", tc.UserID)
	assert.Equal(t, "req-1", tc.RequestID)
}

func TestGettersOnEmptyContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetTraceID(ctx))
	assert.Empty(t, GetRunID(ctx))
	assert.Empty(t, GetSessionKey(ctx))
	assert.Empty(t, GetUserID(ctx))
	assert.Empty(t, GetRequestID(ctx))
}

func TestNewRunContext_StartsTraceOnce(t *testing.T) {
	ctx := NewRunContext(context.Background(), "run-9", "s9", "u9")
	traceID := GetTraceID(ctx)
	assert.NotEmpty(t, traceID)
	assert.Equal(t, "run-9", GetRunID(ctx))

	again := NewRunContext(ctx, "run-10", "s9", "u9")
	assert.Equal(t, traceID, GetTraceID(again))
	assert.Equal(t, "run-10", GetRunID(again))
}

func TestLoggerFromContext_AddsFields(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := NewContext(context.Background(), &TraceContext{TraceID: "t", RunID: "r", SessionKey: "s"})
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	assert.Contains(t, out, `"trace_id":"t"`)
	assert.Contains(t, out, `"run_id":"r"`)
	assert.Contains(t, out, `"session_key":"s"`)
	assert.NotContains(t, out, "user_id")
}

func TestMergeContext_NoOverwrite(t *testing.T) {
	target := WithRunID(context.Background(), "mine")
	source := NewContext(context.Background(), &TraceContext{TraceID: "t", RunID: "theirs", UserID: "u"})

	merged := MergeContext(target, source)
	assert.Equal(t, "mine", GetRunID(merged))
	assert.Equal(t, "t", GetTraceID(merged))
	assert.Equal(t, "u", GetUserID(merged))
}

func TestStartSpan_PropagatesTraceID(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "runcore.test", "test.span")
	defer span.End()

	if span.SpanContext().IsValid() {
		assert.Equal(t, span.SpanContext().TraceID().String(), GetTraceID(ctx))
	}
}
