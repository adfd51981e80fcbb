package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"mercator-hq/costgate/pkg/config"
)

func newRecordingTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewWithProvider(tp), sr
}

func attrMap(attrs []attribute.KeyValue) map[string]attribute.Value {
	m := make(map[string]attribute.Value, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value
	}
	return m
}

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		config      *config.TracingConfig
		wantErr     bool
		wantEnabled bool
	}{
		{name: "nil config", config: nil, wantErr: true},
		{name: "disabled", config: &config.TracingConfig{Enabled: false}},
		{
			name: "bad sampler",
			config: &config.TracingConfig{
				Enabled:  true,
				Sampler:  "sometimes",
				Endpoint: "localhost:4317",
			},
			wantErr: true,
		},
		{
			name: "bad ratio",
			config: &config.TracingConfig{
				Enabled:     true,
				Sampler:     SamplerRatio,
				SampleRatio: 1.5,
				Endpoint:    "localhost:4317",
			},
			wantErr: true,
		},
		{
			name: "otlp insecure",
			config: &config.TracingConfig{
				Enabled:     true,
				Sampler:     SamplerAlways,
				Endpoint:    "localhost:4317",
				Insecure:    true,
				Timeout:     time.Second,
				ServiceName: "costgate-test",
			},
			wantEnabled: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracer, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if tracer.Enabled() != tt.wantEnabled {
				t.Errorf("Enabled() = %v, want %v", tracer.Enabled(), tt.wantEnabled)
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = tracer.Shutdown(ctx)
		})
	}
}

func TestTracer_NilAndNoop(t *testing.T) {
	for name, tracer := range map[string]*Tracer{"nil": nil, "noop": Noop()} {
		t.Run(name, func(t *testing.T) {
			ctx, span := tracer.Start(context.Background(), "admission.check")
			defer span.End()

			if span.IsRecording() {
				t.Error("noop span is recording")
			}
			if TraceID(ctx) != "" || SpanID(ctx) != "" {
				t.Error("noop span has IDs")
			}
			if tracer.Enabled() {
				t.Error("Enabled() = true")
			}
			if err := tracer.Shutdown(context.Background()); err != nil {
				t.Errorf("Shutdown() error = %v", err)
			}
		})
	}
}

func TestTracer_RecordsSpans(t *testing.T) {
	tracer, sr := newRecordingTracer(t)

	ctx, parent := tracer.Start(context.Background(), "admission.run")
	if TraceID(ctx) == "" || SpanID(ctx) == "" {
		t.Fatal("recording span has no IDs")
	}

	_, child := tracer.Start(ctx, "admission.commit")
	SetStatus(child, errors.New("ledger unavailable"))
	child.End()

	SetStatus(parent, nil)
	parent.End()

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	if spans[0].Name() != "admission.commit" || spans[1].Name() != "admission.run" {
		t.Errorf("span names = %s, %s", spans[0].Name(), spans[1].Name())
	}
	if spans[0].Parent().SpanID() != spans[1].SpanContext().SpanID() {
		t.Error("child not linked to parent")
	}
	if spans[0].Status().Code != codes.Error || spans[0].Status().Description != "ledger unavailable" {
		t.Errorf("child status = %+v", spans[0].Status())
	}
	if len(spans[0].Events()) == 0 {
		t.Error("error not recorded as event")
	}
	if spans[1].Status().Code != codes.Ok {
		t.Errorf("parent status = %+v", spans[1].Status())
	}
}

// ============================================================================
// Attributes
// ============================================================================

func TestRequestAttributes(t *testing.T) {
	attrs := attrMap(RequestAttributes("acme", "", "sms", "", decimal.RequireFromString("0.0079")))

	if attrs[AttrTenantID].AsString() != "acme" {
		t.Errorf("tenant = %v", attrs[AttrTenantID])
	}
	if attrs[AttrEventKind].AsString() != "sms" {
		t.Errorf("event kind = %v", attrs[AttrEventKind])
	}
	if attrs[AttrEstimate].AsString() != "0.0079" {
		t.Errorf("estimate = %v", attrs[AttrEstimate])
	}
	if _, ok := attrs[AttrActorID]; ok {
		t.Error("empty actor recorded")
	}
	if _, ok := attrs[AttrChannel]; ok {
		t.Error("empty channel recorded")
	}

	if _, ok := attrMap(RequestAttributes("acme", "a", "", "", decimal.Zero))[AttrEstimate]; ok {
		t.Error("zero estimate recorded")
	}
}

func TestDecisionAndDeductionAttributes(t *testing.T) {
	tracer, sr := newRecordingTracer(t)

	_, span := tracer.Start(context.Background(), "admission.check")
	SetDecisionAttributes(span, false, "abuse_blocked", "BLOCK")
	span.End()

	_, span = tracer.Start(context.Background(), "admission.commit")
	SetDeductionAttributes(span, true, "ok", decimal.RequireFromString("0.02"), decimal.RequireFromString("49.98"), false)
	span.End()

	spans := sr.Ended()
	decision := attrMap(spans[0].Attributes())
	if decision[AttrAdmit].AsBool() || decision[AttrCode].AsString() != "abuse_blocked" || decision[AttrAbuseAction].AsString() != "BLOCK" {
		t.Errorf("decision attributes = %v", decision)
	}

	deduction := attrMap(spans[1].Attributes())
	if !deduction[AttrAccepted].AsBool() || deduction[AttrCost].AsString() != "0.02" || deduction[AttrRemaining].AsString() != "49.98" {
		t.Errorf("deduction attributes = %v", deduction)
	}
}
