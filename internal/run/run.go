// Package run is the authoritative persistent log of jobs.
//
// A Run is a single asynchronous job: submitted through the API, executed by
// a worker under a visibility lease, and driven to exactly one terminal state
// by the two-phase finalize protocol. Three processes (API, worker, reaper)
// race on the same record; every mutation after creation goes through
// CASUpdate, a single-row compare-and-set keyed on the monotonic version.
package run

import (
	"context"
	"errors"
	"time"

	"github.com/packlane/packlane/internal/money"
)

var (
	ErrNotFound  = errors.New("run not found")
	ErrRunExists = errors.New("run already exists")

	// ErrIdempotencyConflict means another run already holds this
	// (tenant, idempotency_key) pair. Callers replay that run.
	ErrIdempotencyConflict = errors.New("idempotency key already used")
)

// Status is the lifecycle state of a run. Exact strings are part of the
// observable contract.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusExpired    Status = "EXPIRED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// MoneyState is the ledger state of a run.
type MoneyState string

const (
	MoneyNone          MoneyState = "NONE"
	MoneyReserved      MoneyState = "RESERVED"
	MoneySettled       MoneyState = "SETTLED"
	MoneyRefunded      MoneyState = "REFUNDED"
	MoneyAuditRequired MoneyState = "AUDIT_REQUIRED"
)

// FinalizeStage is the two-phase finalize handshake state.
// CLAIMED never goes back to UNCLAIMED; the reconciler forces forward.
type FinalizeStage string

const (
	StageUnclaimed FinalizeStage = "UNCLAIMED"
	StageClaimed   FinalizeStage = "CLAIMED"
	StageCommitted FinalizeStage = "COMMITTED"
)

// Run is a single asynchronous job record.
type Run struct {
	ID       string
	TenantID string

	// Version is the optimistic-lock token, incremented on every applied
	// CASUpdate. Starts at 1.
	Version int64

	Status        Status
	MoneyState    MoneyState
	FinalizeStage FinalizeStage

	// FinalizeToken identifies the actor holding the finalize claim.
	// Empty while UNCLAIMED.
	FinalizeToken     string
	FinalizeClaimedAt *time.Time

	// Worker visibility lease.
	LeaseToken     string
	LeaseExpiresAt *time.Time

	PackSpec       string // executor input, opaque to the lifecycle
	IdempotencyKey string // empty means no idempotency guarantee

	ReservationMaxCost money.Micros
	ActualCost         *money.Micros
	MinimumFee         money.Micros

	ResultKey  string
	ResultHash string

	LastErrorReasonCode string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether the run has reached a final status.
func (r *Run) Terminal() bool {
	return r.Status.Terminal()
}

// Updates is the set of fields a CASUpdate may change. Nil fields are left
// untouched. Version and UpdatedAt are managed by the store.
type Updates struct {
	Status              *Status
	MoneyState          *MoneyState
	FinalizeStage       *FinalizeStage
	FinalizeToken       *string
	FinalizeClaimedAt   *time.Time
	LeaseToken          *string
	LeaseExpiresAt      *time.Time
	ActualCost          *money.Micros
	ResultKey           *string
	ResultHash          *string
	LastErrorReasonCode *string
}

// Condition field names accepted by CASUpdate.
const (
	FieldStatus            = "status"
	FieldMoneyState        = "money_state"
	FieldFinalizeStage     = "finalize_stage"
	FieldFinalizeToken     = "finalize_token"
	FieldFinalizeClaimedAt = "finalize_claimed_at"
	FieldLeaseToken        = "lease_token"
)

// Op is a condition operator.
type Op string

const (
	OpEq Op = "="
	OpLt Op = "<"
)

// Condition is an extra predicate a CASUpdate must satisfy beyond the
// version check. Equality on enum/token fields, or a strict "older than"
// comparison on finalize_claimed_at.
type Condition struct {
	Field string
	Op    Op
	Value any
}

// Eq builds an equality condition.
func Eq(field string, value any) Condition {
	return Condition{Field: field, Op: OpEq, Value: value}
}

// OlderThan builds a finalize_claimed_at < t condition.
func OlderThan(t time.Time) Condition {
	return Condition{Field: FieldFinalizeClaimedAt, Op: OpLt, Value: t}
}

// UsageDay is one day of a tenant's usage, rolled up from the runs log.
type UsageDay struct {
	// Date is the UTC midnight of the day the runs were created.
	Date time.Time

	Runs      int64
	Completed int64
	Failed    int64 // FAILED plus EXPIRED

	// SettledCost sums actual_cost over SETTLED runs; AUDIT_REQUIRED and
	// REFUNDED runs contribute nothing here.
	SettledCost money.Micros

	// ReservedCost sums reservation_max_cost over all runs of the day.
	ReservedCost money.Micros
}

// Store persists run records. CASUpdate is the only mutation primitive after
// Create; higher-level transitions compose CAS operations with external side
// effects between them.
type Store interface {
	// Create inserts a new run with Version = 1. Returns ErrRunExists if
	// the run ID is taken, ErrIdempotencyConflict if the
	// (tenant, idempotency_key) pair is.
	Create(ctx context.Context, r *Run) error

	// Get returns the current record or ErrNotFound. No tenant scoping;
	// callers that need ownership checks compare TenantID themselves.
	Get(ctx context.Context, runID string) (*Run, error)

	// GetByIdempotencyKey returns the run holding (tenantID, key), or
	// ErrNotFound.
	GetByIdempotencyKey(ctx context.Context, tenantID, key string) (*Run, error)

	// CASUpdate atomically applies u and increments the version iff the
	// stored version equals expectedVersion and all conds hold. Returns
	// (false, nil) when the row did not match; that is a race outcome,
	// not an error.
	CASUpdate(ctx context.Context, runID string, expectedVersion int64, u Updates, conds ...Condition) (bool, error)

	// ScanExpiredLeases returns PROCESSING runs whose lease expired
	// before now.
	ScanExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*Run, error)

	// ScanStuckClaimed returns runs in CLAIMED whose claim is older than
	// the given cutoff.
	ScanStuckClaimed(ctx context.Context, olderThan time.Time, limit int) ([]*Run, error)

	// ScanAuditRequired returns runs parked in AUDIT_REQUIRED for the
	// audit tooling.
	ScanAuditRequired(ctx context.Context, limit int) ([]*Run, error)

	// UsageDaily returns per-day usage rollups for the tenant, oldest
	// first. from and to are inclusive UTC dates (midnight-truncated).
	UsageDaily(ctx context.Context, tenantID string, from, to time.Time) ([]UsageDay, error)
}
