package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var traceIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// useTestTracer installs an in-memory tracer provider as the global one for
// the duration of the test.
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

func TestCorrelationID(t *testing.T) {
	useTestTracer(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	seen := make(map[string]bool)
	for range 20 {
		ctx, span := StartSpan(context.Background(), "turn.run")
		cid := CorrelationID(ctx)
		span.End()
		if !traceIDPattern.MatchString(cid) {
			t.Fatalf("CorrelationID = %q, want 32 hex chars", cid)
		}
		if seen[cid] {
			t.Fatalf("duplicate trace ID %s", cid)
		}
		seen[cid] = true
	}
}

func TestStartSpan_UsesGlobalProvider(t *testing.T) {
	exp := useTestTracer(t)

	ctx, parent := StartSpan(context.Background(), "session")
	_, child := StartSpan(ctx, "turn.run")
	child.End()
	parent.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	if spans[0].Name != "turn.run" || spans[1].Name != "session" {
		t.Errorf("span names = %q, %q", spans[0].Name, spans[1].Name)
	}
	if spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Error("child span is not parented to the context span")
	}
	if spans[0].InstrumentationScope.Name != tracerName {
		t.Errorf("scope = %q, want %q", spans[0].InstrumentationScope.Name, tracerName)
	}
}

func TestEndSpan(t *testing.T) {
	exp := useTestTracer(t)

	_, ok := StartSpan(context.Background(), "ok")
	EndSpan(ok, nil)
	_, failed := StartSpan(context.Background(), "failed")
	EndSpan(failed, errors.New("stream closed"))

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	if spans[0].Status.Code != codes.Unset {
		t.Errorf("ok span status = %v, want unset", spans[0].Status.Code)
	}
	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != "stream closed" {
		t.Errorf("failed span status = %+v", spans[1].Status)
	}
	if len(spans[1].Events) == 0 || spans[1].Events[0].Name != "exception" {
		t.Error("failed span should record the error as an exception event")
	}
}

func TestLogger(t *testing.T) {
	useTestTracer(t)
	spanCtx, span := StartSpan(context.Background(), "turn.run")
	defer span.End()

	tests := []struct {
		name      string
		ctx       context.Context
		wantTrace bool
	}{
		{"active span", spanCtx, true},
		{"no span", context.Background(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			base := slog.New(slog.NewTextHandler(&buf, nil)).With("session_id", "s-1")

			Logger(tt.ctx, base).Info("turn started")

			out := buf.String()
			if !strings.Contains(out, "session_id=s-1") {
				t.Errorf("base attributes lost: %s", out)
			}
			for _, key := range []string{"trace_id=", "span_id="} {
				if got := strings.Contains(out, key); got != tt.wantTrace {
					t.Errorf("contains %s = %v, want %v: %s", key, got, tt.wantTrace, out)
				}
			}
		})
	}
}

func TestLogger_NilBaseUsesDefault(t *testing.T) {
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	Logger(context.Background(), nil).Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("default logger not used: %q", buf.String())
	}
}
