package budget

import (
	"errors"
	"fmt"

	"mercator-hq/costgate/pkg/limits/storage"
)

var (
	// ErrTenantNotFound is returned when the tenant has no account.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrLedgerUnavailable is returned when the ledger transaction could not
	// complete. Callers must treat it as a rejection.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrInvalidAmount is returned for a negative cost or a non-positive
	// credit top-up.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrNoHeadroom is returned by Resume when neither the budget nor the
	// credits have room left.
	ErrNoHeadroom = errors.New("no budget or credit headroom")

	// ErrUnknownPlan is returned for a plan tier that is not configured.
	ErrUnknownPlan = errors.New("unknown plan")

	// ErrAccountExists is returned when onboarding a tenant twice.
	ErrAccountExists = storage.ErrAccountExists
)

// LedgerError provides context about a failed ledger operation.
type LedgerError struct {
	// Op is the ledger operation (deduct, pause, reset, ...).
	Op string

	// TenantID is empty for operations spanning all tenants.
	TenantID string

	// Err is the classified error (ErrTenantNotFound, ErrLedgerUnavailable, ...).
	Err error
}

// Error implements the error interface.
func (e *LedgerError) Error() string {
	if e.TenantID == "" {
		return fmt.Sprintf("ledger %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ledger %s failed for %s: %v", e.Op, e.TenantID, e.Err)
}

// Unwrap returns the underlying error for error wrapping.
func (e *LedgerError) Unwrap() error {
	return e.Err
}

// classify maps store errors onto the ledger's error classes. Anything
// unrecognized, lock timeouts included, becomes ErrLedgerUnavailable. The
// store error stays in the chain.
func classify(op, tenantID string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		err = fmt.Errorf("%w: %w", ErrTenantNotFound, err)
	case errors.Is(err, storage.ErrAccountExists),
		errors.Is(err, ErrNoHeadroom),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrUnknownPlan):
	default:
		err = fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}
	return &LedgerError{Op: op, TenantID: tenantID, Err: err}
}
