package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/costgate/pkg/cli"
	"mercator-hq/costgate/pkg/limits/storage"
	"mercator-hq/costgate/pkg/processing/costs"
)

// errLedgerDrift is returned by costs reconcile --fail-on-drift.
var errLedgerDrift = errors.New("ledger spend does not match cost entries")

type summaryView struct {
	*costs.Summary
}

func (s summaryView) Table() cli.Table {
	t := cli.Table{Headers: []string{"KIND", "CHANNEL", "COUNT", "COST", "QUANTITY"}}
	for _, tot := range s.Totals {
		t.Rows = append(t.Rows, []string{
			tot.ServiceKind,
			orDash(tot.Channel),
			strconv.FormatInt(tot.Count, 10),
			tot.Cost.StringFixed(4),
			tot.Quantity.String(),
		})
	}
	t.Rows = append(t.Rows, []string{"TOTAL", "", strconv.FormatInt(s.Count, 10), s.TotalCost.StringFixed(4), ""})
	return t
}

type entryTable []*storage.CostEntry

func (e entryTable) Table() cli.Table {
	t := cli.Table{Headers: []string{"TIME", "TENANT", "KIND", "CHANNEL", "COST", "QUANTITY", "ACTOR", "OPERATION"}}
	for _, entry := range e {
		t.Rows = append(t.Rows, []string{
			entry.Timestamp.UTC().Format(time.RFC3339),
			entry.TenantID,
			entry.ServiceKind,
			orDash(entry.Channel),
			entry.Cost.StringFixed(4),
			entry.Quantity.String(),
			orDash(entry.ActorID),
			orDash(entry.OperationID),
		})
	}
	return t
}

type reconcileTable []*costs.Reconciliation

func (r reconcileTable) Table() cli.Table {
	t := cli.Table{Headers: []string{"TENANT", "PERIOD START", "LEDGER SPEND", "ENTRY TOTAL", "ENTRIES", "DRIFT", "BALANCED"}}
	for _, rec := range r {
		t.Rows = append(t.Rows, []string{
			rec.TenantID,
			rec.PeriodStart.UTC().Format(time.RFC3339),
			rec.LedgerSpend.StringFixed(4),
			rec.EntryTotal.StringFixed(4),
			strconv.FormatInt(rec.EntryCount, 10),
			rec.Drift.StringFixed(4),
			strconv.FormatBool(rec.Balanced()),
		})
	}
	return t
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newCostsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "costs",
		Short: "Inspect and reconcile recorded costs",
	}
	cmd.AddCommand(
		newCostsSummaryCmd(root),
		newCostsRecentCmd(root),
		newCostsReconcileCmd(root),
	)
	return cmd
}

type timeRange struct {
	since time.Duration
	from  string
	to    string
}

func (r *timeRange) register(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&r.since, "since", 0, "only entries newer than this duration (e.g. 720h)")
	cmd.Flags().StringVar(&r.from, "from", "", "inclusive start time (RFC3339)")
	cmd.Flags().StringVar(&r.to, "to", "", "exclusive end time (RFC3339)")
}

// resolve returns the range bounds. --since takes precedence over --from.
func (r *timeRange) resolve(now time.Time) (from, to time.Time, err error) {
	if r.from != "" {
		if from, err = time.Parse(time.RFC3339, r.from); err != nil {
			return from, to, cli.NewConfigError("from", fmt.Sprintf("invalid time %q", r.from))
		}
	}
	if r.to != "" {
		if to, err = time.Parse(time.RFC3339, r.to); err != nil {
			return from, to, cli.NewConfigError("to", fmt.Sprintf("invalid time %q", r.to))
		}
	}
	if r.since > 0 {
		from = now.Add(-r.since)
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return from, to, cli.NewConfigError("from", "start must be before end")
	}
	return from, to, nil
}

func newCostsSummaryCmd(root *rootOptions) *cobra.Command {
	var (
		q   costs.Query
		rng timeRange
	)
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Total costs by service kind and channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if q.From, q.To, err = rng.resolve(time.Now()); err != nil {
				return err
			}

			s, err := root.openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			summary, err := s.tracker.Summarize(commandContext(cmd), q)
			if err != nil {
				return cli.NewCommandError("costs summary", err)
			}
			return root.render(cmd, summaryView{summary})
		},
	}
	cmd.Flags().StringVar(&q.TenantID, "tenant", "", "tenant to summarize (all when empty)")
	cmd.Flags().StringVar(&q.ServiceKind, "kind", "", "service kind filter")
	cmd.Flags().StringVar(&q.Channel, "channel", "", "channel filter")
	rng.register(cmd)
	return cmd
}

func newCostsRecentCmd(root *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "recent TENANT",
		Short: "List a tenant's latest cost entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			entries, err := s.tracker.Recent(commandContext(cmd), args[0], limit)
			if err != nil {
				return cli.NewCommandError("costs recent", err)
			}
			return root.render(cmd, entryTable(entries))
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries to list")
	return cmd
}

func newCostsReconcileCmd(root *rootOptions) *cobra.Command {
	var (
		all         bool
		failOnDrift bool
		progress    bool
	)
	cmd := &cobra.Command{
		Use:   "reconcile [TENANT...]",
		Short: "Compare ledger spend with recorded cost entries",
		Long: `Compare each tenant's current month spend with the sum of its cost
entries since the period began. A non-zero drift means the ledger and the
cost log disagree.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return cli.NewConfigError("tenant", "name tenants or pass --all")
			}

			s, err := root.openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := commandContext(cmd)
			tenants := args
			if all {
				accts, err := s.ledger.Accounts(ctx)
				if err != nil {
					return cli.NewCommandError("costs reconcile", err)
				}
				tenants = make([]string, 0, len(accts))
				for _, a := range accts {
					tenants = append(tenants, a.ID)
				}
			}

			var p cli.ProgressReporter
			if progress {
				p = cli.NewProgressReporter(cmd.ErrOrStderr(), "Reconciling", "tenants")
				p.Start(int64(len(tenants)))
			}

			now := time.Now()
			results := make(reconcileTable, 0, len(tenants))
			drifted := 0
			for i, id := range tenants {
				rec, err := s.tracker.Reconcile(ctx, id, now)
				if err != nil {
					if p != nil {
						p.Error(err)
					}
					return cli.NewCommandError("costs reconcile", err)
				}
				if !rec.Balanced() {
					drifted++
				}
				results = append(results, rec)
				if p != nil {
					p.Update(int64(i + 1))
				}
			}
			if p != nil {
				p.Finish()
			}

			if err := root.render(cmd, results); err != nil {
				return err
			}
			if failOnDrift && drifted > 0 {
				return cli.NewCommandError("costs reconcile", fmt.Errorf("%w: %d of %d tenants", errLedgerDrift, drifted, len(results)))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "reconcile every tenant")
	cmd.Flags().BoolVar(&failOnDrift, "fail-on-drift", false, "exit non-zero when any tenant drifts")
	cmd.Flags().BoolVar(&progress, "progress", false, "report progress on stderr")
	return cmd
}
