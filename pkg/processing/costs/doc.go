// Package costs prices costed operations and aggregates the cost log.
//
// Calculator holds the pricing tables from configuration:
//
//   - AI calls per 1K prompt and completion tokens, matched by provider and
//     model prefix with a default entry. Cached prompt tokens use the cached
//     rate where one is configured.
//   - Voice calls per started minute by provider (twilio, telnyx, default).
//   - SMS per segment: 160 GSM-7 characters for a single segment, 153 per
//     part once concatenated. Bodies outside GSM-7 use 70 and 67.
//
// All prices are decimal USD. UpdatePricing swaps tables on config reload.
//
// Tracker reads and writes cost entries through storage.CostStore:
//
//	tracker := costs.NewTracker(store, store, logger)
//	summary, err := tracker.Summarize(ctx, costs.Query{TenantID: "acme", From: start})
//	rec, err := tracker.Reconcile(ctx, "acme", time.Now())
//	if !rec.Balanced() {
//		// CurrentMonthSpend and the cost log disagree
//	}
package costs
