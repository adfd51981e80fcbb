// Package abuse scores inbound events for abusive behavior.
//
// # Heuristics
//
// Each heuristic contributes at most one Reason:
//
//   - BURST: more than burst_limit events from one actor inside
//     burst_window (HIGH).
//   - LOW_ENTROPY: mostly symbols, a run of five identical characters, or
//     ten letters mashed along one keyboard row (MEDIUM, HIGH when two fire).
//   - REPETITION: near-duplicate messages from the actor in the last hour,
//     compared by normalized Levenshtein similarity (MEDIUM or HIGH).
//   - REPUTATION: a BLOCK or BAN for the actor or address in the last 30
//     days (HIGH).
//   - ADDRESS_SCORE: a 0-100 score from the address's incidents in the
//     last 24 hours, cached in an expirable LRU.
//
// # Verdicts
//
// The verdict severity is the highest reason severity, raised one step
// when two or more reasons are HIGH. CRITICAL bans, HIGH blocks, MEDIUM
// throttles unless the actor is a repeat offender, and LOW or NONE allow.
// Every non-ALLOW verdict is written to the incident log.
//
// Detection is advisory. Store failures skip the affected heuristic and a
// panic yields ALLOW.
//
// # Usage
//
//	det := abuse.NewDetector(counterStore, incidentLog, &cfg.Abuse,
//	    abuse.WithMetrics(collector),
//	    abuse.WithLogger(logger),
//	)
//	v := det.Evaluate(ctx, abuse.Signal{TenantID: "acme", ActorID: "+15551234567", Content: msg})
//	if e := det.Enforce(v); !e.Allowed {
//	    // refuse with e.Reason and e.RetryAfter
//	}
package abuse
