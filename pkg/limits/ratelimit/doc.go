// Package ratelimit enforces per-tenant event limits over the shared
// counter store.
//
// # Limits
//
// Each tenant has a set of limits, the configured defaults merged with any
// per-tenant override. A zero limit disables that check.
//
//   - actor daily and actor hourly: true sliding windows per actor
//   - tenant monthly: a calendar-month counter that expires at the start of
//     the next month
//   - address hourly: a sliding window per source address, with a stricter
//     ceiling for unverified identities
//   - cooldown: a single slot per actor and event kind
//
// Check evaluates them broadest-first and stops at the first rejection.
//
// # Sliding Windows
//
// Each accepted event is timestamped into an ordered set. A check evicts
// entries older than now-window and compares what is left to the limit, so
// there are no fixed-bucket boundary bursts. Rejected attempts are not
// recorded.
//
// # Failure Policy
//
// Rate limiting is a soft deterrent. If the counter store is unreachable
// the event is allowed, a warning is logged and the
// costgate_ratelimit_fail_open_total metric is incremented.
//
// # Usage
//
//	limiter := ratelimit.NewLimiter(store, &cfg.RateLimits)
//
//	decision, err := limiter.Check(ctx, ratelimit.Request{
//	    TenantID:      "acme",
//	    ActorID:       "+15550100",
//	    SourceAddress: "203.0.113.7",
//	    EventKind:     "sms",
//	})
//	if err == nil && !decision.Allowed {
//	    // decision.Reason and decision.RetryAfter describe the rejection
//	}
package ratelimit
