package main

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"mercator-hq/costgate/pkg/admission"
	"mercator-hq/costgate/pkg/cli"
	"mercator-hq/costgate/pkg/limits/budget"
)

type decisionView struct {
	*admission.Decision
}

func (d decisionView) String() string {
	var b strings.Builder
	if d.Admit {
		b.WriteString("admitted")
	} else {
		fmt.Fprintf(&b, "refused (%s): %s", d.Code, d.Message)
	}
	if d.Limit.IsPositive() {
		fmt.Fprintf(&b, "\nspend %s of %s, remaining %s", d.Spend.StringFixed(2), d.Limit.StringFixed(2), d.Remaining.StringFixed(2))
	}
	if d.RetryAfter > 0 {
		fmt.Fprintf(&b, "\nretry after %s", d.RetryAfter)
	}
	return b.String()
}

type deductView struct {
	Accepted    bool            `json:"accepted"`
	Code        budget.Code     `json:"code"`
	Reason      string          `json:"reason,omitempty"`
	NewSpend    decimal.Decimal `json:"new_spend"`
	Limit       decimal.Decimal `json:"limit"`
	Remaining   decimal.Decimal `json:"remaining"`
	PercentUsed decimal.Decimal `json:"percent_used"`
	Paused      bool            `json:"paused"`
	EntryID     string          `json:"entry_id,omitempty"`
}

func newDeductView(r *budget.DeductResult) deductView {
	return deductView{
		Accepted:    r.Accepted,
		Code:        r.Code,
		Reason:      r.Reason,
		NewSpend:    r.NewSpend,
		Limit:       r.Limit,
		Remaining:   r.Remaining,
		PercentUsed: r.PercentUsed,
		Paused:      r.Paused,
		EntryID:     r.EntryID,
	}
}

func (d deductView) String() string {
	if !d.Accepted {
		return fmt.Sprintf("rejected (%s): %s", d.Code, d.Reason)
	}
	s := fmt.Sprintf("charged, spend %s of %s (%s%%), entry %s",
		d.NewSpend.StringFixed(2), d.Limit.StringFixed(2), d.PercentUsed.StringFixed(2), d.EntryID)
	if d.Paused {
		s += "\naccount paused"
	}
	return s
}

func newAdmitCmd(root *rootOptions) *cobra.Command {
	var (
		req      admission.Request
		estimate string
	)
	cmd := &cobra.Command{
		Use:   "admit TENANT",
		Short: "Ask the gate whether a costed operation may run",
		Long: `Run the admission check for one event: ledger headroom, rate limits,
cooldown and abuse detection. Rate limit counters are consumed exactly as
for a live request. Exits non-zero when the request is refused.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.TenantID = args[0]
			var err error
			if req.EstimatedCost, err = parseAmount("estimate", estimate); err != nil {
				return err
			}

			s, err := root.openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			d, err := s.gate.Check(commandContext(cmd), req)
			if err != nil {
				return cli.NewCommandError("admit", err)
			}
			if err := root.render(cmd, decisionView{d}); err != nil {
				return err
			}
			if !d.Admit {
				return &admission.RejectionError{TenantID: req.TenantID, Decision: d}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.ActorID, "actor", "", "actor identity")
	cmd.Flags().StringVar(&req.SourceAddress, "address", "", "source address")
	cmd.Flags().BoolVar(&req.Verified, "verified", false, "source address is verified")
	cmd.Flags().StringVar(&req.EventKind, "kind", "", "event kind for the cooldown")
	cmd.Flags().StringVar(&req.Channel, "channel", "", "delivery channel")
	cmd.Flags().StringVar(&req.Evidence, "text", "", "message text for abuse detection")
	cmd.Flags().StringVar(&estimate, "estimate", "0", "estimated cost in USD")
	return cmd
}

func newChargeCmd(root *rootOptions) *cobra.Command {
	var (
		req      admission.CommitRequest
		cost     string
		quantity string
	)
	cmd := &cobra.Command{
		Use:   "charge TENANT",
		Short: "Record the real cost of a completed operation",
		Long: `Deduct a cost from the tenant's budget and credits in one ledger
transaction and append the cost entry. Exits non-zero when the ledger
rejects the charge.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.TenantID = args[0]
			var err error
			if req.Cost, err = parseAmount("cost", cost); err != nil {
				return err
			}
			if req.Quantity, err = parseAmount("quantity", quantity); err != nil {
				return err
			}

			s, err := root.openSession(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.gate.Commit(commandContext(cmd), req)
			if err != nil {
				return cli.NewCommandError("charge", err)
			}
			view := newDeductView(res)
			if err := root.render(cmd, view); err != nil {
				return err
			}
			if !res.Accepted {
				return cli.NewCommandError("charge", fmt.Errorf("charge rejected: %s", res.Code))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.ActorID, "actor", "", "actor identity")
	cmd.Flags().StringVar(&req.OperationID, "operation-id", "", "caller operation id")
	cmd.Flags().StringVar(&req.ServiceKind, "kind", "ai", "service kind (ai, voice, sms, ...)")
	cmd.Flags().StringVar(&req.Channel, "channel", "", "delivery channel")
	cmd.Flags().StringVar(&cost, "cost", "", "cost in USD")
	cmd.Flags().StringVar(&quantity, "quantity", "0", "tokens, seconds or segments")
	_ = cmd.MarkFlagRequired("cost")
	return cmd
}
