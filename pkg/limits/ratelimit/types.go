package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited is wrapped by every Rejection.
var ErrRateLimited = errors.New("rate limit exceeded")

// ErrInvalidRequest is returned when a check has no tenant.
var ErrInvalidRequest = errors.New("invalid rate limit request")

// Kind identifies a limit.
type Kind string

const (
	// KindActorDaily limits events per actor in a sliding 24 hours.
	KindActorDaily Kind = "actor_daily"

	// KindActorHourly limits events per actor in a sliding hour.
	KindActorHourly Kind = "actor_hourly"

	// KindTenantMonthly limits events per tenant in the calendar month.
	KindTenantMonthly Kind = "tenant_monthly"

	// KindAddressHourly limits events per source address in a sliding hour.
	KindAddressHourly Kind = "address_hourly"

	// KindCooldown enforces a minimum gap between same-kind events.
	KindCooldown Kind = "cooldown"
)

// Identity names the owner of a counter within a tenant.
type Identity struct {
	TenantID string

	// Subject is an actor ID or a source address.
	Subject string
}

// Request describes one inbound event to rate limit.
type Request struct {
	TenantID      string
	ActorID       string
	SourceAddress string

	// Verified selects the address ceiling. Unverified identities get the
	// stricter unverified_hourly limit.
	Verified bool

	// EventKind scopes the cooldown, e.g. "sms" or "call".
	EventKind string
}

// Result is the outcome of one limit check.
type Result struct {
	Allowed bool
	Kind    Kind

	// Remaining is how many more events fit in the window.
	Remaining int64

	// Limit is the configured threshold.
	Limit int64

	// Current is the observed count, including this event when allowed.
	Current int64

	// ResetAt is when the window frees its next slot.
	ResetAt time.Time

	// RetryAfter is set on rejection.
	RetryAfter time.Duration

	// Reason explains a rejection.
	Reason string

	// FailedOpen reports that the counter store could not be reached and
	// the event was allowed without counting.
	FailedOpen bool
}

// Rejection records which limit stopped an event.
type Rejection struct {
	TenantID  string
	Subject   string
	Kind      Kind
	Observed  int64
	Threshold int64
	Reason    string
}

// Error implements the error interface.
func (r *Rejection) Error() string {
	return fmt.Sprintf("%s limit exceeded for %s: current=%d, limit=%d",
		r.Kind, r.Subject, r.Observed, r.Threshold)
}

// Unwrap returns ErrRateLimited.
func (r *Rejection) Unwrap() error {
	return ErrRateLimited
}

// Decision is the outcome of Check across every configured limit.
type Decision struct {
	Allowed bool

	// Results holds each limit checked, in order. Checking stops at the
	// first rejection.
	Results []Result

	// Rejection is set when Allowed is false.
	Rejection *Rejection

	Reason     string
	ResetAt    time.Time
	RetryAfter time.Duration
}
