package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/costgate/pkg/cli"
	"mercator-hq/costgate/pkg/limits/budget"
	"mercator-hq/costgate/pkg/limits/storage"
)

type resetResult struct {
	PeriodStart time.Time `json:"period_start"`
	Reset       int       `json:"accounts_reset"`
}

func (r resetResult) String() string {
	return fmt.Sprintf("reset %d accounts for the period starting %s", r.Reset, r.PeriodStart.Format("2006-01-02"))
}

func newResetMonthCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-month",
		Short: "Start a new billing period for every account",
		Long: `Zero the monthly spend, clear threshold alerts and unpause every
account not yet reset this calendar month (UTC). Running it again in the
same month changes nothing. With Redis enabled, the run holds the same
lock as the scheduled reset.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			sched := budget.NewScheduler(s.ledger,
				budget.SchedulerConfig{Schedule: s.cfg.Budget.ResetSchedule},
				budget.WithRedisLock(s.rdb),
				budget.WithSchedulerLogger(s.logger.Logger),
			)
			n, err := sched.RunOnce(commandContext(cmd))
			if err != nil {
				return cli.NewCommandError("reset-month", err)
			}
			return root.render(cmd, resetResult{PeriodStart: storage.PeriodStart(time.Now()), Reset: n})
		},
	}
}
