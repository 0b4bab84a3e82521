package audit

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"condohub.io/internal/auth"
	"condohub.io/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes a structured audit line for an administrative change,
// enriched with the request id and the acting caller.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	attrs := []any{slog.String("type", "audit"), slog.String("event", event)}
	if rid := RequestIDFromContext(ctx); rid != "" {
		attrs = append(attrs, slog.String("request_id", rid))
	}
	if caller, ok := auth.CallerFromContext(ctx); ok {
		attrs = append(attrs, slog.String("actor_id", caller.ID))
	}
	group := make([]any, 0, len(fields))
	for k, v := range fields {
		group = append(group, slog.Any(k, v))
	}
	attrs = append(attrs, slog.Group("fields", group...))

	obs.Logger().InfoContext(ctx, "audit", attrs...)
	return nil
}
