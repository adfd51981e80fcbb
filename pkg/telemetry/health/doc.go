// Package health provides liveness, readiness and version endpoints for
// the costgate ops server.
//
// Checks are registered as critical or optional. The ledger store is
// critical: without it no deduction can be accepted, so readiness answers
// 503. The counter store and circuit breakers are optional: rate limiting
// fails open and abuse heuristics are skipped while they are down, so
// readiness reports "degraded" with 200.
//
//	checker := health.New(cfg.Telemetry.Health.CheckTimeout)
//	checker.RegisterCheck("ledger", health.PingCheck(store))
//	checker.RegisterOptionalCheck("counters", health.PingCheck(counters))
//	checker.RegisterOptionalCheck("breakers", health.BreakerCheck(breakers))
//
//	mux.HandleFunc("/health", checker.LivenessHandler())
//	mux.HandleFunc("/ready", checker.ReadinessHandler())
package health
