package admission

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"mercator-hq/costgate/pkg/limits/budget"
)

// Code classifies an admission outcome.
type Code string

const (
	CodeOK                  Code = "ok"
	CodeAccountPaused       Code = "account_paused"
	CodeBudgetExceeded      Code = "budget_exceeded"
	CodeInsufficientCredits Code = "insufficient_credits"
	CodeRateLimited         Code = "rate_limited"
	CodeAbuseThrottled      Code = "abuse_throttled"
	CodeAbuseBlocked        Code = "abuse_blocked"
	CodeAbuseBanned         Code = "abuse_banned"
	CodeTenantNotFound      Code = "tenant_not_found"
	CodeLedgerUnavailable   Code = "ledger_unavailable"
)

// Request describes an inbound event about to trigger a costed operation.
type Request struct {
	TenantID      string
	ActorID       string
	SourceAddress string

	// Verified selects the verified address ceiling.
	Verified bool

	// EventKind scopes the cooldown.
	EventKind string

	// EstimatedCost is checked against the tenant's headroom.
	EstimatedCost decimal.Decimal

	Channel string

	// Evidence is the message text handed to abuse detection.
	Evidence string
}

// Decision is the outcome of Gate.Check.
type Decision struct {
	// Admit reports whether the caller may run the costed operation.
	Admit bool `json:"admit"`

	Code Code `json:"code"`

	// Message is a user-presentable explanation of a refusal.
	Message string `json:"message,omitempty"`

	// Spend, Limit and Remaining describe the budget on budget refusals.
	Spend     decimal.Decimal `json:"spend"`
	Limit     decimal.Decimal `json:"limit"`
	Remaining decimal.Decimal `json:"remaining"`

	// ResetAt is when the refusing limit frees up, if known.
	ResetAt time.Time `json:"reset_at,omitempty"`

	// RetryAfter is how long to wait before retrying.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// Action is the abuse action, when abuse detection ran.
	Action string `json:"action,omitempty"`
}

// CommitRequest records the real cost of a completed operation.
type CommitRequest struct {
	TenantID    string
	ActorID     string
	OperationID string
	ServiceKind string
	Channel     string
	Cost        decimal.Decimal
	Quantity    decimal.Decimal
	Metadata    map[string]string
}

func (c CommitRequest) deduct() budget.DeductRequest {
	return budget.DeductRequest{
		TenantID:    c.TenantID,
		ActorID:     c.ActorID,
		OperationID: c.OperationID,
		ServiceKind: c.ServiceKind,
		Channel:     c.Channel,
		Cost:        c.Cost,
		Quantity:    c.Quantity,
		Metadata:    c.Metadata,
	}
}

// Usage is what a costed operation reports back to Run.
type Usage struct {
	OperationID string
	ServiceKind string
	Cost        decimal.Decimal
	Quantity    decimal.Decimal
	Metadata    map[string]string
}

// Outcome is the result of Run.
type Outcome struct {
	Decision  *Decision
	Deduction *budget.DeductResult
}

// ErrNotAdmitted is wrapped by RejectionError.
var ErrNotAdmitted = errors.New("request not admitted")

// RejectionError is returned by Run when the gate refuses the request.
type RejectionError struct {
	TenantID string
	Decision *Decision
}

// Error implements the error interface.
func (e *RejectionError) Error() string {
	return fmt.Sprintf("request for %s not admitted (%s): %s", e.TenantID, e.Decision.Code, e.Decision.Message)
}

// Unwrap returns ErrNotAdmitted.
func (e *RejectionError) Unwrap() error {
	return ErrNotAdmitted
}

// CallReport is the post-call cost report from the voice bridge.
type CallReport struct {
	TenantID        string
	CallID          string
	Provider        string
	DurationSeconds int
	Actor           string
}

// VoiceCheck asks whether a call may be placed.
type VoiceCheck struct {
	TenantID string

	// Caller is the phone number the call is for. It is rate limited like
	// any other actor.
	Caller        string
	SourceAddress string
	Verified      bool

	Provider         string
	EstimatedSeconds int
}

// VoiceBudget is the outcome of CheckVoiceBudget.
type VoiceBudget struct {
	Allowed       bool            `json:"allowed"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`

	// Code is CodeOK, CodeBudgetExceeded or CodeRateLimited.
	Code       Code          `json:"code"`
	Reason     string        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// FailedOpen reports that the ledger or the rate limiter could not be
	// consulted.
	FailedOpen bool `json:"failed_open,omitempty"`
}
