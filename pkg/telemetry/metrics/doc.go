// Package metrics exposes costgate's Prometheus metrics.
//
// # Metrics
//
//   - costgate_admission_decisions_total{code}
//   - costgate_ratelimit_checks_total{kind,result}
//   - costgate_ratelimit_fail_open_total{kind}
//   - costgate_budget_deductions_total{outcome}
//   - costgate_budget_spend{tenant}
//   - costgate_budget_alerts_total{level,result}
//   - costgate_ledger_tx_duration_seconds{op}
//   - costgate_abuse_verdicts_total{action,severity}
//   - costgate_abuse_heuristic_errors_total{heuristic}
//   - costgate_breaker_state{name}
//   - costgate_breaker_transitions_total{name,from,to}
//
// Tenant labels are capped by a CardinalityLimiter; tenants beyond the cap
// share the "other" series.
//
// # Usage
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	ledger := budget.NewLedger(store, plans, budget.WithMetrics(collector))
//	mux.Handle(cfg.Telemetry.Metrics.Path, collector.Handler())
//
// Each collector owns its registry, so tests can create as many as they
// need without duplicate registration panics.
package metrics
