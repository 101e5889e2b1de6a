// Package finalize drives a run from PROCESSING to exactly one terminal
// state, with the money moved exactly once.
//
// The protocol has two phases. Phase 1 claims the run: a CAS flips
// finalize_stage from UNCLAIMED to CLAIMED and records the caller's token.
// Phase 2 performs the money side effect (settle or refund) and then commits:
// a second CAS, conditioned on the stage still being CLAIMED under the
// caller's token, writes the terminal status.
//
// Both CAS losses and a lost settle are ordinary race outcomes. Some other
// actor is finalizing the same run and will commit it; the loser walks away
// without touching anything. The settle loss matters most: once the
// reservation is gone the money has already moved, so proceeding to commit
// would double-apply it.
package finalize

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
	"github.com/packlane/packlane/internal/run"
)

var (
	// ErrClaimLost means another actor holds or held the finalize claim.
	// Not a failure: the other actor commits the run.
	ErrClaimLost = errors.New("finalize claim lost")

	// ErrAlreadySettled means the reservation was consumed between our
	// claim and our settle. The actor that settled commits the run.
	ErrAlreadySettled = errors.New("reservation already settled")

	// ErrCommitLost means the commit CAS found our claim stolen. The
	// stealer (normally the reconciler) finishes the run.
	ErrCommitLost = errors.New("finalize commit lost")
)

// IsRaceLoss reports whether err is one of the benign loser outcomes that
// callers absorb without surfacing to users.
func IsRaceLoss(err error) bool {
	return errors.Is(err, ErrClaimLost) ||
		errors.Is(err, ErrAlreadySettled) ||
		errors.Is(err, ErrCommitLost)
}

const commitAttempts = 5

// SuccessResult carries what the worker produced.
type SuccessResult struct {
	ActualCost money.Micros
	ResultKey  string
	ResultHash string
}

// Protocol finalizes runs on behalf of one actor (worker, reaper,
// reconciler). The actor name only labels metrics and logs.
type Protocol struct {
	runs   run.Store
	budget budget.Engine
	actor  string
	logger *slog.Logger
}

// New creates a finalize protocol handle for the named actor.
func New(runs run.Store, engine budget.Engine, actor string, logger *slog.Logger) *Protocol {
	return &Protocol{
		runs:   runs,
		budget: engine,
		actor:  actor,
		logger: logger.With("component", "finalize", "actor", actor),
	}
}

// Success finalizes a completed run: settle the actual cost, then commit
// COMPLETED/SETTLED with the result pointers. leaseToken must be the worker's
// current lease; it gates the claim so a reaped worker cannot finalize a run
// that was taken from it.
func (p *Protocol) Success(ctx context.Context, runID, leaseToken string, res SuccessResult) error {
	// The result pointers go in at claim time. The artifact is already
	// uploaded, so a crash between claim and commit leaves enough behind
	// for the reconciler to find it and roll forward.
	r, token, err := p.claim(ctx, runID, run.Updates{
		ResultKey:  &res.ResultKey,
		ResultHash: &res.ResultHash,
	}, run.Eq(run.FieldLeaseToken, leaseToken))
	if err != nil {
		return p.outcome(runID, err)
	}

	settled, err := p.budget.Settle(ctx, r.TenantID, runID, res.ActualCost)
	if errors.Is(err, budget.ErrNoReserve) {
		return p.outcome(runID, ErrAlreadySettled)
	}
	if err != nil {
		return p.outcome(runID, fmt.Errorf("settle run %s: %w", runID, err))
	}

	status := run.StatusCompleted
	ms := run.MoneySettled
	cost := settled.Charge
	err = p.commit(ctx, runID, token, run.Updates{
		Status:     &status,
		MoneyState: &ms,
		ActualCost: &cost,
	})
	return p.outcome(runID, err)
}

// Failure finalizes a failed run: refund all but the minimum fee, then commit
// FAILED/REFUNDED with the reason code.
func (p *Protocol) Failure(ctx context.Context, runID, leaseToken, reasonCode string) error {
	r, token, err := p.claim(ctx, runID, run.Updates{}, run.Eq(run.FieldLeaseToken, leaseToken))
	if err != nil {
		return p.outcome(runID, err)
	}
	return p.outcome(runID, p.refundAndCommit(ctx, r, token, run.StatusFailed, reasonCode, r.MinimumFee))
}

// Expired finalizes a run whose worker lease ran out: refund all but the
// minimum fee, terminal status EXPIRED. Called by the reaper, which holds no
// lease, so the claim is gated on the run still being PROCESSING instead.
func (p *Protocol) Expired(ctx context.Context, runID string) error {
	r, token, err := p.claim(ctx, runID, run.Updates{}, run.Eq(run.FieldStatus, run.StatusProcessing))
	if err != nil {
		return p.outcome(runID, err)
	}
	return p.outcome(runID, p.refundAndCommit(ctx, r, token, run.StatusExpired, "LEASE_EXPIRED", r.MinimumFee))
}

// claim is phase 1: flip UNCLAIMED to CLAIMED under a fresh token, folding
// any caller fields into the same CAS. extra narrows the claim beyond the
// stage check. Returns the run as read before the claim plus the token to
// commit with.
func (p *Protocol) claim(ctx context.Context, runID string, u run.Updates, extra ...run.Condition) (*run.Run, string, error) {
	r, err := p.runs.Get(ctx, runID)
	if err != nil {
		return nil, "", fmt.Errorf("load run %s: %w", runID, err)
	}
	if r.FinalizeStage != run.StageUnclaimed || r.Terminal() {
		return nil, "", ErrClaimLost
	}

	token := idgen.WithPrefix("fin_")
	stage := run.StageClaimed
	now := time.Now().UTC()
	u.FinalizeStage = &stage
	u.FinalizeToken = &token
	u.FinalizeClaimedAt = &now
	conds := append([]run.Condition{run.Eq(run.FieldFinalizeStage, run.StageUnclaimed)}, extra...)
	ok, err := p.runs.CASUpdate(ctx, runID, r.Version, u, conds...)
	if err != nil {
		return nil, "", fmt.Errorf("claim run %s: %w", runID, err)
	}
	if !ok {
		return nil, "", ErrClaimLost
	}
	return r, token, nil
}

// refundAndCommit is the shared failure-shaped phase 2: refund the
// reservation keeping fee, then commit the terminal status.
func (p *Protocol) refundAndCommit(ctx context.Context, r *run.Run, token string, status run.Status, reasonCode string, fee money.Micros) error {
	_, err := p.budget.Refund(ctx, r.TenantID, r.ID, fee)
	if errors.Is(err, budget.ErrNoReserve) {
		return ErrAlreadySettled
	}
	if err != nil {
		return fmt.Errorf("refund run %s: %w", r.ID, err)
	}

	ms := run.MoneyRefunded
	return p.commit(ctx, r.ID, token, run.Updates{
		Status:              &status,
		MoneyState:          &ms,
		LastErrorReasonCode: &reasonCode,
	})
}

// commit is phase 2b: write the terminal state, conditioned on the claim
// still being ours. The version may have moved under us (lease heartbeats,
// for one), so a plain version miss is re-read and retried; a stolen token
// is a terminal loss.
func (p *Protocol) commit(ctx context.Context, runID, token string, u run.Updates) error {
	stage := run.StageCommitted
	u.FinalizeStage = &stage

	for attempt := 0; attempt < commitAttempts; attempt++ {
		r, err := p.runs.Get(ctx, runID)
		if err != nil {
			return fmt.Errorf("load run %s for commit: %w", runID, err)
		}
		if r.FinalizeToken != token || r.FinalizeStage != run.StageClaimed {
			return ErrCommitLost
		}

		ok, err := p.runs.CASUpdate(ctx, runID, r.Version, u,
			run.Eq(run.FieldFinalizeStage, run.StageClaimed),
			run.Eq(run.FieldFinalizeToken, token),
		)
		if err != nil {
			return fmt.Errorf("commit run %s: %w", runID, err)
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("commit run %s: version kept moving after %d attempts", runID, commitAttempts)
}

// outcome records the metric for the finalize attempt and logs race losses
// at debug. Race losses pass through so callers can distinguish them, but
// they carry no action for the caller beyond walking away.
func (p *Protocol) outcome(runID string, err error) error {
	switch {
	case err == nil:
		metrics.FinalizeTotal.WithLabelValues(p.actor, "committed").Inc()
	case errors.Is(err, ErrClaimLost), errors.Is(err, ErrCommitLost):
		metrics.FinalizeTotal.WithLabelValues(p.actor, "claim_lost").Inc()
		p.logger.Debug("finalize claim lost", "run_id", runID)
	case errors.Is(err, ErrAlreadySettled):
		metrics.FinalizeTotal.WithLabelValues(p.actor, "settle_lost").Inc()
		p.logger.Debug("reservation already settled", "run_id", runID)
	default:
		metrics.FinalizeTotal.WithLabelValues(p.actor, "error").Inc()
		p.logger.Error("finalize failed", "run_id", runID, "error", err)
	}
	return err
}
