package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observed() (context.Context, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return WithLogger(context.Background(), zap.New(core)), logs
}

func TestNew_Level(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
		{"fatal", zapcore.InfoLevel},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			for _, format := range []string{"json", "console"} {
				l := New(tc.in, format)
				assert.True(t, l.Core().Enabled(tc.want), format)
				assert.False(t, l.Core().Enabled(tc.want-1), format)
			}
		})
	}
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))
	assert.Same(t, zap.L(), FromContext(ctx))

	l := zap.NewNop()
	ctx = WithRequestID(WithLogger(ctx, l), "req-1")
	assert.Equal(t, "req-1", RequestID(ctx))
	assert.Same(t, l, FromContext(ctx))
}

func TestL_Fields(t *testing.T) {
	ctx, logs := observed()
	L(ctx).Info("bare")

	ctx = WithRequestID(ctx, "req-7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x0a, 0x0b},
		SpanID:     trace.SpanID{0x01},
		TraceFlags: trace.FlagsSampled,
	})
	L(trace.ContextWithSpanContext(ctx, sc)).Info("traced")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Empty(t, entries[0].ContextMap())

	fields := entries[1].ContextMap()
	assert.Equal(t, "req-7", fields["request_id"])
	assert.Equal(t, sc.TraceID().String(), fields["trace_id"])
	assert.Equal(t, sc.SpanID().String(), fields["span_id"])
}
