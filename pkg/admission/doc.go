// Package admission composes the budget ledger, rate limiter, abuse
// detector and circuit breakers into the single decision a request handler
// needs before running a costed operation.
//
// A request flows through Check (advisory budget pre-check, rate limits,
// abuse), then the caller's operation wrapped in a named breaker, then
// Commit, which deducts the real cost atomically. Run does all three.
//
// The voice bridge uses CheckVoiceBudget before placing a call and
// ReportCallCost when it ends.
package admission
