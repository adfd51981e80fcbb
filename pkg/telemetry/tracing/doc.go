// Package tracing records OpenTelemetry spans for admission decisions and
// ledger deductions, exported over OTLP gRPC.
//
//	tracer, err := tracing.New(&cfg.Telemetry.Tracing)
//	if err != nil {
//	    return err
//	}
//	defer tracer.Shutdown(context.Background())
//
//	gate := admission.New(ledger, admission.WithTracer(tracer))
//
// Spans carry costgate.* attributes: tenant, actor, estimate, the decision
// code and the abuse action. A nil or disabled Tracer produces noop spans.
package tracing
