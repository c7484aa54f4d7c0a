// Package audit records who changed what, as structured log lines tagged
// type=audit.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"housecup.org/internal/auth"
	"housecup.org/internal/obs"
)

type requestIDKey struct{}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext returns the request id attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry to the shared logger.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	return Log(ctx, obs.Logger(), event, fields)
}

// Log writes an audit entry enriched with the request id and acting member.
func Log(ctx context.Context, l *slog.Logger, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	if l == nil {
		l = obs.Logger()
	}
	attrs := []slog.Attr{
		slog.String("type", "audit"),
		slog.String("event", event),
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		attrs = append(attrs, slog.String("request_id", rid))
	}
	if memberID, ok := auth.MemberIDFromContext(ctx); ok {
		attrs = append(attrs, slog.String("user_id", memberID))
	}
	group := make([]any, 0, len(fields))
	for k, v := range fields {
		group = append(group, slog.Any(k, v))
	}
	attrs = append(attrs, slog.Group("fields", group...))
	l.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	return nil
}
