// Package logging builds the service's zap logger and carries it, with the
// request id, through a context.Context.
package logging

import (
	"context"
	"os"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey int

const (
	keyLogger ctxKey = iota
	keyRequestID
)

// New returns a logger writing to stdout at level ("debug", "info", "warn"
// or "error"; anything else is info). format "json" selects the JSON
// encoder, every other value the console one. Caller annotation is only
// added at debug.
func New(level, format string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil || lvl < zapcore.DebugLevel || lvl > zapcore.ErrorLevel {
		lvl = zapcore.InfoLevel
	}

	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey, ec.MessageKey = "timestamp", "msg"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder

	enc := zapcore.NewJSONEncoder(ec)
	if format != "json" {
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(ec)
	}

	opts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if lvl == zapcore.DebugLevel {
		opts = append(opts, zap.AddCaller())
	}
	return zap.New(zapcore.NewCore(enc, zapcore.Lock(os.Stdout), lvl), opts...)
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestID is "" when ctx carries none.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(keyRequestID).(string)
	return id
}

func WithLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, keyLogger, l)
}

// FromContext falls back to zap.L() when ctx carries no logger.
func FromContext(ctx context.Context) *zap.Logger {
	if l, _ := ctx.Value(keyLogger).(*zap.Logger); l != nil {
		return l
	}
	return zap.L()
}

// L is the logger to use inside request handling: the context logger with
// request_id and, inside a span, trace_id and span_id.
func L(ctx context.Context) *zap.Logger {
	var fields []zap.Field
	if id := RequestID(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()))
	}
	l := FromContext(ctx)
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}
