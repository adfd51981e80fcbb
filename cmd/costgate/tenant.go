package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"mercator-hq/costgate/pkg/cli"
	"mercator-hq/costgate/pkg/limits/storage"
)

// accountTable renders accounts one per row.
type accountTable []*storage.TenantAccount

func (a accountTable) Table() cli.Table {
	t := cli.Table{Headers: []string{"TENANT", "PLAN", "SPEND", "BUDGET", "USED%", "CREDITS", "USED CREDITS", "PAUSED"}}
	for _, acct := range a {
		t.Rows = append(t.Rows, []string{
			acct.ID,
			acct.Plan,
			acct.CurrentMonthSpend.StringFixed(2),
			acct.MonthlyBudget.StringFixed(2),
			acct.PercentUsed().StringFixed(2),
			acct.TotalCredits.StringFixed(2),
			acct.UsedCredits.StringFixed(2),
			strconv.FormatBool(acct.Paused),
		})
	}
	return t
}

// accountDetail renders one account as field/value rows.
type accountDetail struct {
	*storage.TenantAccount
}

func (a accountDetail) Table() cli.Table {
	acct := a.TenantAccount
	t := cli.Table{Headers: []string{"FIELD", "VALUE"}}
	add := func(k, v string) {
		t.Rows = append(t.Rows, []string{k, v})
	}
	add("tenant", acct.ID)
	add("plan", acct.Plan)
	add("monthly_budget", acct.MonthlyBudget.StringFixed(2))
	add("current_month_spend", acct.CurrentMonthSpend.StringFixed(2))
	add("budget_remaining", acct.BudgetHeadroom().StringFixed(2))
	add("percent_used", acct.PercentUsed().StringFixed(2))
	add("total_credits", acct.TotalCredits.StringFixed(2))
	add("used_credits", acct.UsedCredits.StringFixed(2))
	add("credits_remaining", acct.CreditHeadroom().StringFixed(2))
	add("paused", strconv.FormatBool(acct.Paused))
	if acct.Paused {
		add("paused_reason", acct.PausedReason)
		add("paused_at", formatTime(acct.PausedAt))
	}
	add("alert_75_at", formatTime(acct.Alert75At))
	add("alert_90_at", formatTime(acct.Alert90At))
	add("last_reset_at", formatTime(acct.LastResetAt))
	return t
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func newTenantCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenant ledger accounts",
	}
	cmd.AddCommand(
		newTenantCreateCmd(root),
		newTenantShowCmd(root),
		newTenantListCmd(root),
		newTenantPauseCmd(root),
		newTenantResumeCmd(root),
		newTenantAddCreditsCmd(root),
		newTenantSetPlanCmd(root),
	)
	return cmd
}

func newTenantCreateCmd(root *rootOptions) *cobra.Command {
	var plan string
	cmd := &cobra.Command{
		Use:   "create TENANT",
		Short: "Onboard a tenant on a plan tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			acct, err := s.ledger.CreateAccount(commandContext(cmd), args[0], plan)
			if err != nil {
				return cli.NewCommandError("tenant create", err)
			}
			return root.render(cmd, accountDetail{acct})
		},
	}
	cmd.Flags().StringVar(&plan, "plan", "", "plan tier (default plan when empty)")
	return cmd
}

func newTenantShowCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show TENANT",
		Short: "Show a tenant's ledger account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			acct, err := s.ledger.Account(commandContext(cmd), args[0])
			if err != nil {
				return cli.NewCommandError("tenant show", err)
			}
			return root.render(cmd, accountDetail{acct})
		},
	}
}

func newTenantListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every tenant account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			accts, err := s.ledger.Accounts(commandContext(cmd))
			if err != nil {
				return cli.NewCommandError("tenant list", err)
			}
			return root.render(cmd, accountTable(accts))
		},
	}
}

func newTenantPauseCmd(root *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "pause TENANT",
		Short: "Pause a tenant so every costed operation is refused",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			acct, err := s.ledger.Pause(commandContext(cmd), args[0], reason)
			if err != nil {
				return cli.NewCommandError("tenant pause", err)
			}
			return root.render(cmd, accountDetail{acct})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "paused by operator", "reason recorded on the account")
	return cmd
}

func newTenantResumeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume TENANT",
		Short: "Unpause a tenant with budget or credit headroom",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			acct, err := s.ledger.Resume(commandContext(cmd), args[0])
			if err != nil {
				return cli.NewCommandError("tenant resume", err)
			}
			return root.render(cmd, accountDetail{acct})
		},
	}
}

func newTenantAddCreditsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add-credits TENANT AMOUNT",
		Short: "Top up a tenant's prepaid credits (USD)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount("amount", args[1])
			if err != nil {
				return err
			}

			s, err := root.openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			acct, err := s.ledger.AddCredits(commandContext(cmd), args[0], amount)
			if err != nil {
				return cli.NewCommandError("tenant add-credits", err)
			}
			return root.render(cmd, accountDetail{acct})
		},
	}
}

func newTenantSetPlanCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set-plan TENANT PLAN",
		Short: "Move a tenant to another plan tier",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := root.openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			acct, err := s.ledger.UpdatePlan(commandContext(cmd), args[0], args[1])
			if err != nil {
				return cli.NewCommandError("tenant set-plan", err)
			}
			return root.render(cmd, accountDetail{acct})
		},
	}
}

// parseAmount parses a USD amount flag or argument.
func parseAmount(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, cli.NewConfigError(field, fmt.Sprintf("invalid amount %q", s))
	}
	return d, nil
}
