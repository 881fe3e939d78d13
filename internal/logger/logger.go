// Package logger provides structured logging using Go 1.21's log/slog.
// It sets up a JSON handler with service-level context, propagates trace and
// session ids through context.Context, and records market events as flat
// fact records.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ctxKey string

const (
	traceIDKey   ctxKey = "trace_id"
	sessionIDKey ctxKey = "session_id"
)

// Layers used in event records.
const (
	LayerIngestion  = "ingestion"
	LayerAggregator = "aggregator"
	LayerValidation = "validation"
	LayerHistorical = "historical"
	LayerStorage    = "storage"
)

var ist = time.FixedZone("IST", 5*3600+30*60)

// Init creates and returns a structured logger for the given service.
// The logger outputs JSON to stdout with the service name embedded.
func Init(service string, level slog.Level) *slog.Logger {
	return InitWriter(os.Stdout, service, level)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)

	// Set as default so log/slog.Info() etc. also use structured output
	slog.SetDefault(logger)

	return logger
}

// ParseLevel maps "debug", "info", "warn" and "error" to a slog level.
// Anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewSessionID returns a random id for one process run.
func NewSessionID() string {
	return uuid.NewString()
}

// WithSessionID stores the run's session id in the context.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionID extracts the session id from context. Returns "" if not set.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// WithTraceID stores a trace ID in the context for downstream propagation.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID extracts the trace ID from context. Returns "" if not set.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// GenerateTraceID creates a trace ID from a symbol and timestamp.
// Format: "{symbol}-{unixNano}".
func GenerateTraceID(symbol string, ts time.Time) string {
	return fmt.Sprintf("%s-%d", symbol, ts.UnixNano())
}

// LogWithTrace returns slog attributes including the trace and session ids
// from context.
// Usage: slog.Info("msg", logger.LogWithTrace(ctx)...)
func LogWithTrace(ctx context.Context) []any {
	var attrs []any
	if tid := TraceID(ctx); tid != "" {
		attrs = append(attrs, slog.String("trace_id", tid))
	}
	if sid := SessionID(ctx); sid != "" {
		attrs = append(attrs, slog.String("session_id", sid))
	}
	return attrs
}

// Event records a market fact such as CANDLE_CLOSED or TICK_REJECTED.
// timeframe may be empty. Extra key/value pairs are grouped under "payload".
func Event(ctx context.Context, l *slog.Logger, event, layer, symbol, timeframe string, payload ...any) {
	if l == nil {
		l = slog.Default()
	}
	attrs := []any{
		slog.String("event", event),
		slog.String("layer", layer),
		slog.String("symbol", symbol),
		slog.String("ts", time.Now().In(ist).Format(time.RFC3339Nano)),
	}
	if timeframe != "" {
		attrs = append(attrs, slog.String("timeframe", timeframe))
	}
	attrs = append(attrs, LogWithTrace(ctx)...)
	if len(payload) > 0 {
		attrs = append(attrs, slog.Group("payload", payload...))
	}
	l.InfoContext(ctx, event, attrs...)
}
