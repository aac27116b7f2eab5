package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// ─── helpers ────────────────────────────────────────────────────────────────

// useTestTracer installs an in-memory TracerProvider as the global provider
// for the duration of the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs redirects the default slog logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func attrValue(attrs []attribute.KeyValue, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

// ─── session context ────────────────────────────────────────────────────────

func TestSessionID(t *testing.T) {
	if got := SessionID(context.Background()); got != "" {
		t.Errorf("SessionID(background) = %q, want empty", got)
	}
	ctx := WithSession(context.Background(), "sess-42", "kitchen-speaker")
	if got := SessionID(ctx); got != "sess-42" {
		t.Errorf("SessionID = %q, want sess-42", got)
	}
}

func TestStartSpan_SessionAttributes(t *testing.T) {
	exp := useTestTracer(t)

	ctx := WithSession(context.Background(), "sess-42", "kitchen-speaker")
	_, span := StartSpan(ctx, "gateway.session")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if v, ok := attrValue(spans[0].Attributes, AttrSessionID); !ok || v.AsString() != "sess-42" {
		t.Errorf("session attribute = %v (present=%v), want sess-42", v.AsString(), ok)
	}
	if v, ok := attrValue(spans[0].Attributes, AttrDeviceID); !ok || v.AsString() != "kitchen-speaker" {
		t.Errorf("device attribute = %v (present=%v), want kitchen-speaker", v.AsString(), ok)
	}
}

func TestStartSpan_NoSession(t *testing.T) {
	exp := useTestTracer(t)

	_, span := StartSpan(context.Background(), "http.request")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if _, ok := attrValue(spans[0].Attributes, AttrSessionID); ok {
		t.Error("span outside a session should not carry a session ID")
	}
}

func TestStartTurnSpan(t *testing.T) {
	exp := useTestTracer(t)

	ctx := WithSession(context.Background(), "sess-7", "hallway")
	sctx, parent := StartSpan(ctx, "gateway.session")
	for turn := 1; turn <= 2; turn++ {
		_, span := StartTurnSpan(sctx, turn)
		span.End()
	}
	parent.End()

	spans := exp.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("recorded %d spans, want 3", len(spans))
	}
	for i, s := range spans[:2] {
		if s.Name != "dialog.turn" {
			t.Errorf("span %d name = %q, want dialog.turn", i, s.Name)
		}
		if v, _ := attrValue(s.Attributes, AttrTurn); v.AsInt64() != int64(i+1) {
			t.Errorf("span %d turn = %d, want %d", i, v.AsInt64(), i+1)
		}
		if v, _ := attrValue(s.Attributes, AttrSessionID); v.AsString() != "sess-7" {
			t.Errorf("span %d session = %q, want sess-7", i, v.AsString())
		}
		if s.Parent.SpanID() != spans[2].SpanContext.SpanID() {
			t.Errorf("span %d is not a child of the session span", i)
		}
	}
}

// ─── correlation ────────────────────────────────────────────────────────────

func TestCorrelationID_EmptyByDefault(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestCorrelationID_SharedAcrossTurns(t *testing.T) {
	useTestTracer(t)

	ctx, session := StartSpan(WithSession(context.Background(), "sess-1", "den"), "gateway.session")
	defer session.End()
	cid := CorrelationID(ctx)
	if len(cid) != 32 {
		t.Fatalf("correlation ID %q, want 32 hex chars", cid)
	}
	if strings.Trim(cid, "0123456789abcdef") != "" {
		t.Errorf("correlation ID %q contains non-hex characters", cid)
	}

	tctx, turn := StartTurnSpan(ctx, 1)
	defer turn.End()
	if got := CorrelationID(tctx); got != cid {
		t.Errorf("turn correlation ID = %q, want session's %q", got, cid)
	}
}

func TestCorrelationID_UniquePerSession(t *testing.T) {
	useTestTracer(t)

	ids := make(map[string]struct{}, 50)
	for range 50 {
		ctx, span := StartSpan(context.Background(), "gateway.session")
		cid := CorrelationID(ctx)
		span.End()
		if _, dup := ids[cid]; dup {
			t.Fatalf("duplicate correlation ID: %s", cid)
		}
		ids[cid] = struct{}{}
	}
}

// ─── logger ─────────────────────────────────────────────────────────────────

func TestLogger_SessionAndTrace(t *testing.T) {
	useTestTracer(t)
	buf := captureLogs(t)

	ctx, span := StartSpan(WithSession(context.Background(), "sess-9", "garage"), "gateway.session")
	defer span.End()
	Logger(ctx).Info("turn finished")

	logged := buf.String()
	for _, want := range []string{"session_id=sess-9", "device_id=garage", "trace_id=", "span_id="} {
		if !strings.Contains(logged, want) {
			t.Errorf("log output missing %q: %s", want, logged)
		}
	}
}

func TestLogger_NoSpan(t *testing.T) {
	buf := captureLogs(t)

	Logger(context.Background()).Info("idle")

	logged := buf.String()
	if strings.Contains(logged, "trace_id") || strings.Contains(logged, "session_id") {
		t.Errorf("log output should carry no trace or session, got: %s", logged)
	}
}

func TestInitProvider_RejectsSampleRatio(t *testing.T) {
	for _, ratio := range []float64{-0.1, 1.5} {
		if _, err := InitProvider(context.Background(), ProviderConfig{SampleRatio: ratio}); err == nil {
			t.Errorf("InitProvider(SampleRatio=%v) succeeded, want error", ratio)
		}
	}
}
