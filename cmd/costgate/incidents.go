package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/costgate/pkg/cli"
	"mercator-hq/costgate/pkg/limits/storage"
)

// incidentPruner is implemented by incident logs that support retention.
type incidentPruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

type incidentTable []*storage.AbuseRecord

func (r incidentTable) Table() cli.Table {
	t := cli.Table{Headers: []string{"TIME", "TENANT", "ACTOR", "ADDRESS", "ACTION", "SEVERITY", "REASONS"}}
	for _, rec := range r {
		t.Rows = append(t.Rows, []string{
			rec.Timestamp.UTC().Format(time.RFC3339),
			rec.TenantID,
			orDash(rec.ActorID),
			orDash(rec.SourceAddress),
			rec.Action,
			rec.Severity,
			strings.Join(rec.Reasons, ","),
		})
	}
	return t
}

type pruneResult struct {
	Cutoff  time.Time `json:"cutoff"`
	Deleted int64     `json:"deleted"`
}

func (p pruneResult) String() string {
	return fmt.Sprintf("pruned %d incidents older than %s", p.Deleted, p.Cutoff.UTC().Format(time.RFC3339))
}

func newIncidentsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "incidents",
		Short: "Inspect and prune the abuse incident log",
	}
	cmd.AddCommand(newIncidentsListCmd(root), newIncidentsPruneCmd(root))
	return cmd
}

func newIncidentsListCmd(root *rootOptions) *cobra.Command {
	var (
		q       storage.IncidentQuery
		since   time.Duration
		actions []string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded abuse incidents, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			for _, a := range actions {
				q.Actions = append(q.Actions, strings.ToUpper(a))
			}

			s, err := root.openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			recs, err := s.detector.Incidents(commandContext(cmd), q)
			if err != nil {
				return cli.NewCommandError("incidents list", err)
			}
			return root.render(cmd, incidentTable(recs))
		},
	}
	cmd.Flags().StringVar(&q.TenantID, "tenant", "", "tenant filter")
	cmd.Flags().StringVar(&q.ActorID, "actor", "", "actor filter")
	cmd.Flags().StringVar(&q.SourceAddress, "address", "", "source address filter")
	cmd.Flags().StringSliceVar(&actions, "action", nil, "action filter (throttle, block, ban)")
	cmd.Flags().DurationVar(&since, "since", 0, "only incidents newer than this duration")
	cmd.Flags().IntVar(&q.Limit, "limit", 100, "maximum incidents to list")
	return cmd
}

func newIncidentsPruneCmd(root *rootOptions) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete incidents older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			if days <= 0 {
				days = s.cfg.Storage.Incidents.RetentionDays
			}
			if days <= 0 {
				return cli.NewConfigError("storage.incidents.retention_days", "retention is disabled")
			}

			p, ok := s.incidents.(incidentPruner)
			if !ok {
				return cli.NewCommandError("incidents prune",
					fmt.Errorf("incident log %T does not support pruning", s.incidents))
			}

			res := pruneResult{Cutoff: time.Now().AddDate(0, 0, -days)}
			if res.Deleted, err = p.Prune(commandContext(cmd), res.Cutoff); err != nil {
				return cli.NewCommandError("incidents prune", err)
			}
			return root.render(cmd, res)
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days (storage.incidents.retention_days when zero)")
	return cmd
}
