// Package storage persists tenant ledger accounts, the append-only cost
// entry log and the abuse incident log.
//
// # Backends
//
//   - MemoryStore: in-process, per-tenant locking. Tests and single-node
//     development.
//   - SQLiteStore: single-file durable store on modernc.org/sqlite. One
//     connection and BEGIN IMMEDIATE transactions serialize writers.
//   - PostgresStore: production store on lib/pq. Account updates run in a
//     SERIALIZABLE transaction that takes the tenant row with SELECT ... FOR
//     UPDATE, bounded by lock_timeout and statement_timeout.
//   - IncidentSQLite: incident log on github.com/mattn/go-sqlite3 for
//     deployments that keep abuse evidence apart from the ledger.
//
// # Account Updates
//
// All balance changes go through LedgerStore.UpdateAccount. The mutation runs
// against the locked row and may return a CostEntry; the account write and
// the entry insert commit together or not at all. Mutations must be pure
// functions of the account they receive because a backend may re-run them
// after a serialization failure.
//
// Example:
//
//	acct, err := store.UpdateAccount(ctx, "tenant-1", func(a *storage.TenantAccount) (*storage.CostEntry, error) {
//	    a.CurrentMonthSpend = a.CurrentMonthSpend.Add(cost)
//	    a.UsedCredits = a.UsedCredits.Add(cost)
//	    return &storage.CostEntry{TenantID: a.ID, Cost: cost, ServiceKind: "ai"}, nil
//	})
package storage
