// Package telemetry groups the observability packages used by costgate.
//
// # Components
//
//   - logging: structured slog logging with PII redaction and file rotation
//   - metrics: Prometheus collectors for admission, rate limits, the ledger,
//     abuse verdicts and circuit breakers
//   - tracing: OpenTelemetry spans around admission checks and commits
//   - health: liveness and readiness checks served by the ops server
//
// # Usage
//
//	logger, err := logging.New(logging.FromConfig(cfg.Telemetry.Logging))
//	if err != nil {
//		return err
//	}
//	defer logger.Close()
//
//	m := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	m.RecordAdmission("admitted")
//
//	ctx, span := tracer.Start(ctx, "admission.Check")
//	defer span.End()
//
// # PII Protection
//
// With redaction enabled, API keys, bearer tokens, passwords, email
// addresses, card numbers and phone numbers are masked in log messages and
// attribute values. Custom patterns can be configured.
package telemetry
