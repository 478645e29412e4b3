package observability

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/tabletalk/tabletalk/internal/config"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// Attribute keys whose values never reach the log output.
var redactedKeys = map[string]bool{
	"api_key":    true,
	"apikey":     true,
	"password":   true,
	"secret":     true,
	"secret_key": true,
	"dsn":        true,
	"token":      true,
}

// NewLogger builds the process logger. Every record carries the service
// name and profile; debug level adds the source location.
func NewLogger(cfg config.Config, writer io.Writer) *slog.Logger {
	if writer == nil {
		writer = io.Discard
	}
	opts := &slog.HandlerOptions{
		Level:       cfg.Observability.LogLevel,
		AddSource:   cfg.Observability.LogLevel <= slog.LevelDebug,
		ReplaceAttr: redact,
	}
	var handler slog.Handler = slog.NewTextHandler(writer, opts)
	if cfg.Observability.LogJSON {
		handler = slog.NewJSONHandler(writer, opts)
	}
	return slog.New(handler).With(
		slog.String("service", cfg.Service.Name),
		slog.String("profile", string(cfg.Profile)),
	)
}

func redact(_ []string, attr slog.Attr) slog.Attr {
	if redactedKeys[strings.ToLower(attr.Key)] {
		return slog.String(attr.Key, "[redacted]")
	}
	return attr
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func TraceIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(traceIDKey).(string)
	return value
}
