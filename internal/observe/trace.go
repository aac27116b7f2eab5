package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the voxgate tracer.
const tracerName = "github.com/MrWong99/voxgate"

// Span attribute keys shared by the gateway and the dialog engine.
const (
	AttrSessionID = attribute.Key("voxgate.session.id")
	AttrDeviceID  = attribute.Key("voxgate.device.id")
	AttrTurn      = attribute.Key("voxgate.turn")
)

type sessionKey struct{}

// sessionInfo identifies the device session a context belongs to.
type sessionInfo struct {
	id       string
	deviceID string
}

// Tracer returns the package-level [trace.Tracer] for voxgate. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// WithSession tags ctx with a device session. Spans started from the
// returned context carry the session and device IDs, and [Logger] adds them
// to every record.
func WithSession(ctx context.Context, sessionID, deviceID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionInfo{id: sessionID, deviceID: deviceID})
}

// SessionID returns the session ID set by [WithSession], or "".
func SessionID(ctx context.Context) string {
	info, _ := ctx.Value(sessionKey{}).(sessionInfo)
	return info.id
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if info, ok := ctx.Value(sessionKey{}).(sessionInfo); ok {
		opts = append(opts, trace.WithAttributes(
			AttrSessionID.String(info.id),
			AttrDeviceID.String(info.deviceID),
		))
	}
	return Tracer().Start(ctx, name, opts...)
}

// StartTurnSpan starts the span covering one dialog turn. turn counts from 1
// within the session.
func StartTurnSpan(ctx context.Context, turn int) (context.Context, trace.Span) {
	return StartSpan(ctx, "dialog.turn", trace.WithAttributes(AttrTurn.Int(turn)))
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
// Device sessions and HTTP responses use it as their correlation identifier.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx, plus session_id and device_id when ctx
// carries a session.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if info, ok := ctx.Value(sessionKey{}).(sessionInfo); ok {
		l = l.With(slog.String("session_id", info.id), slog.String("device_id", info.deviceID))
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
