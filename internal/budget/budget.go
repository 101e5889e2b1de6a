// Package budget is the fast ledger: atomic reserve / settle / refund
// against a per-tenant balance.
//
// Every operation is a single atomic step on the underlying store (one Lua
// script on Redis, one mutex-held mutation in memory), so no partial
// application is ever observable.
//
// Settle is deliberately NOT idempotent: the reservation is deleted on the
// first successful call, and a second caller gets ErrNoReserve. That failure
// is the race detector the finalize protocol is built on: if two actors try
// to finalize the same run, only one settle succeeds and the loser aborts
// before touching the run store. Do not "fix" this.
package budget

import (
	"context"
	"errors"
	"time"

	"github.com/packlane/packlane/internal/metrics"
	"github.com/packlane/packlane/internal/money"
)

var (
	// ErrInsufficient means the reserve would push the balance below the
	// tenant's soft limit. No state was changed.
	ErrInsufficient = errors.New("insufficient budget")

	// ErrDuplicate means a reservation for this run already exists with a
	// different amount.
	ErrDuplicate = errors.New("reservation already exists with different amount")

	// ErrNoReserve means no reservation exists for this run: either it
	// was already settled (race) or it expired. Callers on the finalize
	// path abort on this.
	ErrNoReserve = errors.New("no reservation for run")
)

// Result is the outcome of a settle or refund.
type Result struct {
	Charge     money.Micros // what the tenant actually paid
	Refund     money.Micros // reserved minus charge, credited back
	NewBalance money.Micros
}

// Reservation is the short-lived record of locked money for one run.
type Reservation struct {
	TenantID  string
	RunID     string
	Amount    money.Micros
	CreatedAt time.Time
}

// Engine performs atomic money operations. Implementations must make each
// call one atomic step; callers rely on settle's first-caller-wins property.
type Engine interface {
	// Reserve locks amount for the run, allowing the balance to drop to
	// the tenant's soft limit. Idempotent for identical repeat calls;
	// a repeat with a different amount returns ErrDuplicate. Returns the
	// balance after the reserve (or the unchanged balance on replay).
	Reserve(ctx context.Context, tenantID, runID string, amount money.Micros) (money.Micros, error)

	// Settle consumes the reservation, charging min(actual, reserved) and
	// refunding the rest. Returns ErrNoReserve if the reservation is
	// gone; that path is not idempotent by design.
	Settle(ctx context.Context, tenantID, runID string, actual money.Micros) (Result, error)

	// Refund is Settle with the minimum fee as the charge; it names the
	// failure path.
	Refund(ctx context.Context, tenantID, runID string, minimumFee money.Micros) (Result, error)

	// GetReservation returns the reservation for the run, or nil when
	// none exists. Read-only.
	GetReservation(ctx context.Context, runID string) (*Reservation, error)

	// Balance returns the tenant's current balance.
	Balance(ctx context.Context, tenantID string) (money.Micros, error)

	// SetBalance overwrites the tenant's balance (seeding / admin only).
	SetBalance(ctx context.Context, tenantID string, balance money.Micros) error

	// SetSoftLimit sets the threshold the balance may not drop below on
	// reserve. Zero or negative.
	SetSoftLimit(ctx context.Context, tenantID string, limit money.Micros) error
}

func recordOp(op string, err error) {
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrInsufficient):
		status = "insufficient"
	case errors.Is(err, ErrDuplicate):
		status = "duplicate"
	case errors.Is(err, ErrNoReserve):
		status = "no_reserve"
	default:
		status = "error"
	}
	metrics.BudgetOpsTotal.WithLabelValues(op, status).Inc()
}
