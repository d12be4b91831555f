package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracer installs an in-memory tracer provider as the global one for the
// duration of the test.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
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

// captureLogs redirects the default logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q, want empty", got)
	}

	useTracer(t)
	seen := map[string]bool{}
	for range 20 {
		ctx, span := StartSpan(context.Background(), "session.connect")
		cid := CorrelationID(ctx)
		span.End()
		if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
			t.Fatalf("CorrelationID = %q, want 32 lowercase hex characters", cid)
		}
		if seen[cid] {
			t.Fatalf("CorrelationID %s repeated", cid)
		}
		seen[cid] = true
	}
}

func TestEndSpan(t *testing.T) {
	exp := useTracer(t)

	_, ok := StartSpan(context.Background(), "session.disconnect")
	EndSpan(ok, nil)
	_, failed := StartSpan(context.Background(), "session.connect")
	EndSpan(failed, errors.New("handshake refused"))

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	if spans[0].Name != "session.disconnect" || spans[0].Status.Code != codes.Unset {
		t.Errorf("first span = %s %v, want session.disconnect Unset", spans[0].Name, spans[0].Status.Code)
	}
	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != "handshake refused" {
		t.Errorf("failed span status = %+v, want Error(handshake refused)", spans[1].Status)
	}
	if len(spans[1].Events) == 0 {
		t.Error("failed span has no exception event")
	}
}

func TestLogger(t *testing.T) {
	useTracer(t)

	t.Run("with span", func(t *testing.T) {
		buf := captureLogs(t)
		ctx, span := StartSpan(context.Background(), "session.connect")
		defer span.End()
		Logger(ctx).Info("session connected")
		for _, key := range []string{"trace_id=" + CorrelationID(ctx), "span_id="} {
			if !strings.Contains(buf.String(), key) {
				t.Errorf("log %q missing %q", buf.String(), key)
			}
		}
	})

	t.Run("without span", func(t *testing.T) {
		buf := captureLogs(t)
		Logger(context.Background()).Info("idle")
		if strings.Contains(buf.String(), "trace_id") {
			t.Errorf("log %q has a trace_id without a span", buf.String())
		}
	})
}
