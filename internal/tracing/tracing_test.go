package tracing

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/chaz8081/blemanager/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracingConfig{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestSetupUnknownExporter(t *testing.T) {
	if _, err := Setup(context.Background(), config.TracingConfig{Enabled: true, Exporter: "zipkin"}, nil); err == nil {
		t.Error("Setup() should reject an unknown exporter")
	}
}

func TestSetupStdoutWritesToGivenWriter(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := Setup(context.Background(), config.TracingConfig{Enabled: true, Exporter: "stdout"}, &buf)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	_, span := StartSpan(context.Background(), "scan.start", "")
	End(span, nil)
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
	if !strings.Contains(buf.String(), "scan.start") {
		t.Errorf("exporter output missing span name:\n%s", buf.String())
	}
}

func TestStartSpanRecordsPeripheralAndError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartSpan(context.Background(), "connection.connect", "A1:B2")
	End(span, errors.New("boom"))
	_, span = StartSpan(context.Background(), "scan.start", "")
	End(span, nil)

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	if spans[0].Name() != "connection.connect" {
		t.Errorf("span name = %q, want %q", spans[0].Name(), "connection.connect")
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", spans[0].Status().Code)
	}
	found := false
	for _, kv := range spans[0].Attributes() {
		if string(kv.Key) == "ble.peripheral_id" && kv.Value.AsString() == "A1:B2" {
			found = true
		}
	}
	if !found {
		t.Error("connect span missing ble.peripheral_id attribute")
	}
	if spans[1].Status().Code != codes.Ok {
		t.Errorf("status = %v, want Ok", spans[1].Status().Code)
	}
	if len(spans[1].Attributes()) != 0 {
		t.Errorf("attributes = %v, want none without a peripheral", spans[1].Attributes())
	}
}
