package telemetry

import (
	"context"
	"errors"
	"testing"
)

func TestDisabledTracerStillHandsOutSpans(t *testing.T) {
	tr, err := NewTracer(TracingConfig{Enabled: false}, "taskforge", "1.0.0", "test")
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}

	ctx, span := tr.StartRunSpan(context.Background(), "run-1", "deploy-web")
	if span == nil {
		t.Fatal("expected a span even with tracing disabled")
	}
	span.End()

	_, stepSpan := tr.StartStepSpan(ctx, "web01", "deploy", 1)
	RecordError(stepSpan, errors.New("step failed"))
	stepSpan.End()

	if err := tr.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestNoneExporterSamplesWithoutExporting(t *testing.T) {
	cfg := TracingConfig{
		Enabled:      true,
		Exporter:     "none",
		SamplingRate: 1.0,
	}
	tr, err := NewTracer(cfg, "taskforge", "1.0.0", "test")
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}

	_, span := tr.Start(context.Background(), "playbook.load")
	RecordSuccess(span)
	span.End()

	if err := tr.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestNewTracerRejectsUnknownExporter(t *testing.T) {
	cfg := TracingConfig{
		Enabled:      true,
		Exporter:     "jaeger",
		SamplingRate: 1.0,
	}
	if _, err := NewTracer(cfg, "taskforge", "1.0.0", "test"); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestRecordErrorIgnoresNil(t *testing.T) {
	tr, err := NewTracer(TracingConfig{Enabled: false}, "taskforge", "1.0.0", "test")
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}

	_, span := tr.Start(context.Background(), "noop")
	defer span.End()

	RecordError(span, nil)
}
