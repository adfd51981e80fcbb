// Package budget is the authoritative per-tenant spend ledger.
//
// # Deductions
//
// Ledger.CheckAndDeduct is the only path that commits spend. It runs inside
// the store's per-tenant lock and checks, in order:
//
//   - the account is not paused
//   - used credits plus the cost fit the credit allowance
//   - month spend plus the cost fits the monthly budget
//
// A credit or budget overflow pauses the account in the same transaction and
// writes no cost entry. An accepted deduction updates both balances and
// appends the cost entry atomically, so concurrent deductions for one tenant
// can never overspend.
//
// # Alerts
//
// Crossing the warning or critical threshold (75% and 90% by default) stamps
// the account and queues an Alert, at most once per threshold per billing
// period. Alerts are delivered by an Alerter off the deduction path.
//
// # Billing Periods
//
// Periods are calendar months in UTC. ResetMonth zeroes spend, clears alert
// stamps and unpauses every account not yet reset in the current period.
// Credits carry over. Scheduler runs the reset on a cron schedule and can
// coordinate replicas with a Redis lock.
//
// # Usage
//
//	ledger := budget.NewLedger(store, budget.DefaultPlans(),
//	    budget.WithPauseCache(budget.NewMemoryPauseCache(30*time.Second)),
//	)
//
//	res, err := ledger.CheckAndDeduct(ctx, budget.DeductRequest{
//	    TenantID:    "acme",
//	    ServiceKind: "ai",
//	    Cost:        decimal.RequireFromString("0.0125"),
//	})
//	if err != nil {
//	    // ledger unavailable: reject the operation
//	}
//	if !res.Accepted {
//	    // res.Code and res.Reason explain the rejection
//	}
package budget
