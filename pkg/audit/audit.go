// Package audit records administrative mutations as AUDIT:-prefixed slog
// lines so log shippers can filter them from operational noise.
package audit

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/wrentheai/trust-infra/pkg/auth"
)

// EventType defines the category of the audit event.
type EventType string

const (
	EventAccess   EventType = "ACCESS"
	EventMutation EventType = "MUTATION"
	EventSystem   EventType = "SYSTEM"
)

// Logger defines the interface for recording audit events.
type Logger interface {
	Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any)
}

type slogLogger struct {
	logger *slog.Logger
}

// NewLogger creates a Logger that emits through lg, or slog.Default when lg
// is nil.
func NewLogger(lg *slog.Logger) Logger {
	if lg == nil {
		lg = slog.Default()
	}
	return &slogLogger{logger: lg}
}

// Record emits one audit line. The actor comes from the request principal
// ("anonymous" when unauthenticated) and the request id from the request-id
// middleware.
func (l *slogLogger) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) {
	attrs := []slog.Attr{
		slog.String("id", uuid.New().String()),
		slog.String("actor", auth.ActorID(ctx)),
		slog.String("type", string(eventType)),
		slog.String("action", action),
		slog.String("resource", resource),
		slog.String("request_id", auth.GetRequestID(ctx)),
	}
	if len(metadata) > 0 {
		attrs = append(attrs, slog.Any("metadata", metadata))
	}
	l.logger.LogAttrs(ctx, slog.LevelInfo, "AUDIT: "+action, attrs...)
}

// Nop returns a Logger that drops every record, for tests and tools that do
// not need an audit trail.
func Nop() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Record(context.Context, EventType, string, string, map[string]any) {}
