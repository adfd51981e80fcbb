// Costgate enforces per-tenant spend budgets, rate limits and abuse
// protection in front of metered operations (AI completions, voice calls
// and SMS).
//
// Usage:
//
//	# Start the ops server, alerter, monthly reset scheduler and config watcher
//	costgate run --config /etc/costgate/config.yaml
//
//	# Manage tenant accounts
//	costgate tenant create acme --plan pro
//	costgate tenant add-credits acme 25.00
//	costgate tenant resume acme
//
//	# Inspect spend
//	costgate costs summary --tenant acme --since 720h -o csv
//	costgate costs reconcile --all
//
//	# Run the start-of-month reset by hand
//	costgate reset-month
package main

import "os"

func main() {
	os.Exit(Execute())
}
