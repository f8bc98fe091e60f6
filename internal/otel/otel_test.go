package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"
)

func TestInit_DisabledIsNoop(t *testing.T) {
	ctx := context.Background()
	p, err := Init(ctx, Config{Enabled: false})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected usable no-op tracer and meter")
	}

	// Spans and shutdown are safe without any exporter.
	_, span := p.Tracer.Start(ctx, "test")
	span.End()
	if err := p.Shutdown(ctx); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestInit_NoneExporter(t *testing.T) {
	ctx := context.Background()
	p, err := Init(ctx, Config{Enabled: true, Exporter: "none", ServiceName: "gowarden-test"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	_, span := p.Tracer.Start(ctx, "test")
	span.End()
	if err := p.Shutdown(ctx); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestInit_RejectsUnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"}); err == nil {
		t.Fatal("expected unknown exporter to error")
	}
}

func TestNewMetrics(t *testing.T) {
	m, err := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	if m.MessagesEnqueued == nil || m.DeadLetters == nil || m.ActiveExecutions == nil || m.AttemptDuration == nil {
		t.Error("expected every instrument constructed")
	}

	// Instruments from a no-op meter record without error.
	m.MessagesEnqueued.Add(context.Background(), 1)
	m.AttemptDuration.Record(context.Background(), 1.5)
	m.ActiveExecutions.Add(context.Background(), -1)
}
