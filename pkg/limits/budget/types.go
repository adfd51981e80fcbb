package budget

import (
	"time"

	"github.com/shopspring/decimal"
)

// Code classifies a deduction outcome.
type Code string

const (
	CodeOK                  Code = "ok"
	CodeAccountPaused       Code = "account_paused"
	CodeInsufficientCredits Code = "insufficient_credits"
	CodeBudgetExceeded      Code = "budget_exceeded"
)

// DeductRequest is one costed operation to commit against a tenant.
type DeductRequest struct {
	TenantID    string
	ActorID     string
	OperationID string
	ServiceKind string
	Channel     string

	// Cost is the amount in USD. Must not be negative.
	Cost decimal.Decimal

	// Quantity is tokens, seconds or segments.
	Quantity decimal.Decimal

	Metadata map[string]string
}

// DeductResult is the outcome of CheckAndDeduct.
type DeductResult struct {
	Accepted bool
	Code     Code

	// Reason explains a rejection.
	Reason string

	// NewSpend is CurrentMonthSpend after the transaction.
	NewSpend decimal.Decimal

	// Limit is the tenant's MonthlyBudget.
	Limit decimal.Decimal

	// Remaining is the budget headroom after the transaction.
	Remaining decimal.Decimal

	// PercentUsed is NewSpend as a percentage of Limit.
	PercentUsed decimal.Decimal

	// Paused reports that this call paused the account.
	Paused bool

	// EntryID identifies the appended cost entry when accepted.
	EntryID string
}

// AlertLevel is the severity of a budget threshold alert.
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Alert reports that a tenant crossed a budget threshold.
type Alert struct {
	TenantID    string          `json:"tenant_id"`
	Level       AlertLevel      `json:"level"`
	Threshold   int             `json:"threshold"`
	PercentUsed decimal.Decimal `json:"percent_used"`
	Spend       decimal.Decimal `json:"spend"`
	Budget      decimal.Decimal `json:"budget"`
	At          time.Time       `json:"at"`
}
