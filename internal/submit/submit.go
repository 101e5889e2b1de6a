// Package submit is the run intake path: reserve money, persist the record,
// dispatch to a worker.
//
// The reserve happens first, so no run ever exists without its money locked.
// Failures after the reserve are compensated with a full refund; the caller
// never pays for a run that was not dispatched.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/packlane/packlane/internal/budget"
	"github.com/packlane/packlane/internal/idgen"
	"github.com/packlane/packlane/internal/metrics"
	"github.com/packlane/packlane/internal/money"
	"github.com/packlane/packlane/internal/queue"
	"github.com/packlane/packlane/internal/retry"
	"github.com/packlane/packlane/internal/run"
)

var (
	// ErrBudgetExceeded means the tenant cannot cover the reservation.
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid submit request")
)

// feeCap bounds the minimum fee at 0.1000 regardless of reservation size.
const feeCap = money.Micros(100_000)

// Transient queue errors are retried briefly before the reservation is
// compensated away.
const (
	enqueueAttempts  = 3
	enqueueBaseDelay = 200 * time.Millisecond
)

// Request is one run submission.
type Request struct {
	TenantID       string
	IdempotencyKey string
	PackSpec       string
	MaxCost        money.Micros
}

// Service executes the submission path.
type Service struct {
	runs     run.Store
	budget   budget.Engine
	queue    queue.Queue
	leaseTTL time.Duration
	feeFloor money.Micros
	logger   *slog.Logger
}

// New creates a submit service. feeFloor is the configured minimum fee; the
// per-run fee never drops below it except when the reservation itself is
// smaller.
func New(runs run.Store, engine budget.Engine, q queue.Queue, leaseTTL time.Duration, feeFloor money.Micros, logger *slog.Logger) *Service {
	return &Service{
		runs:     runs,
		budget:   engine,
		queue:    q,
		leaseTTL: leaseTTL,
		feeFloor: feeFloor,
		logger:   logger.With("component", "submit"),
	}
}

// Submit runs the full intake path. The bool result reports an idempotent
// replay: the returned run already existed and nothing was charged again.
// Returns run.ErrIdempotencyConflict when the key is reused with a different
// payload.
func (s *Service) Submit(ctx context.Context, req Request) (*run.Run, bool, error) {
	r, replayed, err := s.submit(ctx, req)
	metrics.RunsSubmittedTotal.WithLabelValues(submitResult(replayed, err)).Inc()
	return r, replayed, err
}

func (s *Service) submit(ctx context.Context, req Request) (*run.Run, bool, error) {
	if err := validate(req); err != nil {
		return nil, false, err
	}

	// Idempotent replay before any money moves.
	if existing, err := s.runs.GetByIdempotencyKey(ctx, req.TenantID, req.IdempotencyKey); err == nil {
		return s.replay(existing, req)
	} else if !errors.Is(err, run.ErrNotFound) {
		return nil, false, fmt.Errorf("idempotency lookup: %w", err)
	}

	runID := idgen.WithPrefix("run_")

	if _, err := s.budget.Reserve(ctx, req.TenantID, runID, req.MaxCost); err != nil {
		if errors.Is(err, budget.ErrInsufficient) {
			return nil, false, ErrBudgetExceeded
		}
		return nil, false, fmt.Errorf("reserve: %w", err)
	}

	now := time.Now().UTC()
	r := &run.Run{
		ID:                 runID,
		TenantID:           req.TenantID,
		Version:            1,
		Status:             run.StatusQueued,
		MoneyState:         run.MoneyReserved,
		FinalizeStage:      run.StageUnclaimed,
		PackSpec:           req.PackSpec,
		IdempotencyKey:     req.IdempotencyKey,
		ReservationMaxCost: req.MaxCost,
		MinimumFee:         minimumFee(s.feeFloor, req.MaxCost),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.runs.Create(ctx, r); err != nil {
		s.compensate(ctx, req.TenantID, runID, "create")
		if errors.Is(err, run.ErrIdempotencyConflict) {
			// Lost the insert race on the key; serve the winner.
			existing, lookupErr := s.runs.GetByIdempotencyKey(ctx, req.TenantID, req.IdempotencyKey)
			if lookupErr != nil {
				return nil, false, fmt.Errorf("idempotency lookup after conflict: %w", lookupErr)
			}
			return s.replay(existing, req)
		}
		return nil, false, fmt.Errorf("create run: %w", err)
	}

	msg := queue.Message{
		RunID:           runID,
		TenantID:        req.TenantID,
		PackSpec:        req.PackSpec,
		LeaseTTLSeconds: int64(s.leaseTTL / time.Second),
		EnqueuedAt:      now,
		SchemaVersion:   queue.SchemaVersion,
	}
	if err := retry.Do(ctx, enqueueAttempts, enqueueBaseDelay, func() error {
		return s.queue.Enqueue(ctx, msg)
	}); err != nil {
		s.compensate(ctx, req.TenantID, runID, "enqueue")
		s.markDispatchFailed(ctx, r)
		return nil, false, fmt.Errorf("enqueue run %s: %w", runID, err)
	}

	s.logger.Info("run submitted",
		"run_id", runID, "tenant_id", req.TenantID, "max_cost", req.MaxCost)
	return r, false, nil
}

// replay validates that the stored run was created from the same payload.
// A matching key with a different payload is a client bug, not a replay.
func (s *Service) replay(existing *run.Run, req Request) (*run.Run, bool, error) {
	if existing.PackSpec != req.PackSpec || existing.ReservationMaxCost != req.MaxCost {
		return nil, false, run.ErrIdempotencyConflict
	}
	return existing, true, nil
}

// compensate releases the reservation after a post-reserve failure. A lost
// refund here is not fatal: the reservation TTL reclaims the money.
func (s *Service) compensate(ctx context.Context, tenantID, runID, stage string) {
	if _, err := s.budget.Refund(ctx, tenantID, runID, 0); err != nil && !errors.Is(err, budget.ErrNoReserve) {
		s.logger.Error("compensating refund failed",
			"run_id", runID, "tenant_id", tenantID, "stage", stage, "error", err)
	}
}

func (s *Service) markDispatchFailed(ctx context.Context, r *run.Run) {
	status := run.StatusFailed
	ms := run.MoneyRefunded
	stage := run.StageCommitted
	reason := "ENQUEUE_FAILED"
	ok, err := s.runs.CASUpdate(ctx, r.ID, r.Version, run.Updates{
		Status:              &status,
		MoneyState:          &ms,
		FinalizeStage:       &stage,
		LastErrorReasonCode: &reason,
	})
	if err != nil || !ok {
		s.logger.Error("mark dispatch failure lost",
			"run_id", r.ID, "applied", ok, "error", err)
	}
}

func validate(req Request) error {
	if req.TenantID == "" {
		return fmt.Errorf("%w: tenant id required", ErrInvalidRequest)
	}
	if n := len(req.IdempotencyKey); n < 8 || n > 64 {
		return fmt.Errorf("%w: idempotency key must be 8-64 characters", ErrInvalidRequest)
	}
	if req.PackSpec == "" {
		return fmt.Errorf("%w: pack spec required", ErrInvalidRequest)
	}
	if req.MaxCost <= 0 {
		return fmt.Errorf("%w: max cost must be positive", ErrInvalidRequest)
	}
	if err := money.Validate(req.MaxCost); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// minimumFee is the failure-path charge: 2% of the reservation, at least the
// configured floor, capped, and never above the reservation itself.
func minimumFee(floor, reserved money.Micros) money.Micros {
	fee := reserved / 50
	if fee < floor {
		fee = floor
	}
	if fee > feeCap {
		fee = feeCap
	}
	return money.Min(fee, reserved)
}

func submitResult(replayed bool, err error) string {
	switch {
	case err == nil && replayed:
		return "replayed"
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrBudgetExceeded):
		return "budget_exceeded"
	case errors.Is(err, run.ErrIdempotencyConflict), errors.Is(err, ErrInvalidRequest):
		return "rejected"
	default:
		return "error"
	}
}
