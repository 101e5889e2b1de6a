package budget

import (
	"context"
	"sync"
	"time"

	"github.com/packlane/packlane/internal/money"
)

// MemoryEngine is an in-memory budget engine for tests and development mode.
// Each operation holds the engine mutex for its whole body, giving the same
// no-partial-application guarantee as one Redis script. Reservations expire
// lazily against the injected clock.
type MemoryEngine struct {
	mu             sync.Mutex
	balances       map[string]money.Micros
	softLimits     map[string]money.Micros
	reservations   map[string]*Reservation
	reservationTTL time.Duration
	now            func() time.Time
}

// NewMemoryEngine creates an in-memory budget engine.
func NewMemoryEngine(reservationTTL time.Duration) *MemoryEngine {
	return &MemoryEngine{
		balances:       make(map[string]money.Micros),
		softLimits:     make(map[string]money.Micros),
		reservations:   make(map[string]*Reservation),
		reservationTTL: reservationTTL,
		now:            time.Now,
	}
}

// SetClock replaces the engine clock. Test hook for TTL expiry.
func (e *MemoryEngine) SetClock(now func() time.Time) {
	e.mu.Lock()
	e.now = now
	e.mu.Unlock()
}

// liveReservation returns the reservation for runID if present and not past
// its TTL; expired reservations are dropped, mirroring Redis key expiry.
// Callers must hold the mutex.
func (e *MemoryEngine) liveReservation(runID string) *Reservation {
	res, ok := e.reservations[runID]
	if !ok {
		return nil
	}
	if e.now().Sub(res.CreatedAt) >= e.reservationTTL {
		delete(e.reservations, runID)
		return nil
	}
	return res
}

func (e *MemoryEngine) Reserve(ctx context.Context, tenantID, runID string, amount money.Micros) (money.Micros, error) {
	bal, err := e.reserve(tenantID, runID, amount)
	recordOp("reserve", err)
	return bal, err
}

func (e *MemoryEngine) reserve(tenantID, runID string, amount money.Micros) (money.Micros, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if res := e.liveReservation(runID); res != nil {
		if res.Amount == amount {
			return e.balances[tenantID], nil
		}
		return 0, ErrDuplicate
	}

	bal := e.balances[tenantID]
	limit := e.softLimits[tenantID]
	if bal-amount < limit {
		return bal, ErrInsufficient
	}

	bal -= amount
	e.balances[tenantID] = bal
	e.reservations[runID] = &Reservation{
		TenantID:  tenantID,
		RunID:     runID,
		Amount:    amount,
		CreatedAt: e.now().UTC(),
	}
	return bal, nil
}

func (e *MemoryEngine) Settle(ctx context.Context, tenantID, runID string, actual money.Micros) (Result, error) {
	r, err := e.settle(tenantID, runID, actual)
	recordOp("settle", err)
	return r, err
}

func (e *MemoryEngine) Refund(ctx context.Context, tenantID, runID string, minimumFee money.Micros) (Result, error) {
	r, err := e.settle(tenantID, runID, minimumFee)
	recordOp("refund", err)
	return r, err
}

func (e *MemoryEngine) settle(tenantID, runID string, charge money.Micros) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := e.liveReservation(runID)
	if res == nil {
		return Result{}, ErrNoReserve
	}

	if charge < 0 {
		charge = 0
	}
	if charge > res.Amount {
		charge = res.Amount
	}
	refund := res.Amount - charge

	bal := e.balances[tenantID] + refund
	e.balances[tenantID] = bal
	delete(e.reservations, runID)

	return Result{Charge: charge, Refund: refund, NewBalance: bal}, nil
}

func (e *MemoryEngine) GetReservation(ctx context.Context, runID string) (*Reservation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := e.liveReservation(runID)
	if res == nil {
		return nil, nil
	}
	cp := *res
	return &cp, nil
}

func (e *MemoryEngine) Balance(ctx context.Context, tenantID string) (money.Micros, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances[tenantID], nil
}

func (e *MemoryEngine) SetBalance(ctx context.Context, tenantID string, balance money.Micros) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances[tenantID] = balance
	return nil
}

func (e *MemoryEngine) SetSoftLimit(ctx context.Context, tenantID string, limit money.Micros) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.softLimits[tenantID] = limit
	return nil
}

// OpenReservations sums outstanding reserved amounts per tenant. Used by
// conservation checks in tests and the audit tooling.
func (e *MemoryEngine) OpenReservations(tenantID string) money.Micros {
	e.mu.Lock()
	defer e.mu.Unlock()

	var total money.Micros
	for id, res := range e.reservations {
		if res.TenantID != tenantID {
			continue
		}
		if e.now().Sub(res.CreatedAt) >= e.reservationTTL {
			delete(e.reservations, id)
			continue
		}
		total += res.Amount
	}
	return total
}

// Compile-time assertion that MemoryEngine implements Engine.
var _ Engine = (*MemoryEngine)(nil)
