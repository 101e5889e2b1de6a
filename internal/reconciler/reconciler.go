// Package reconciler repairs runs that a crashed actor left behind.
//
// Two sweeps. The lease sweep expires PROCESSING runs whose worker went
// silent; that is the ordinary finalize path with the reaper as the actor.
// The claim sweep handles the narrow window a crash can leave a run in
// CLAIMED forever: the claimer settled (or not) and died before committing.
//
// The claim sweep splits on whether the reservation still exists. With the
// reservation present (case A) the money has not moved, so the sweep redoes
// the whole finalize under the stored claim token: roll forward when the
// result artifact exists, roll back when it does not. With the reservation
// absent (case B) the money may already have moved, so no budget call is
// made at all; the sweep writes the terminal record the dead claimer would
// have written, recovering the cost from artifact metadata. Absence is only
// trustworthy while the reservation could not have expired on its own;
// past that age the run is parked for a human.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/packlane/packlane/internal/budget"
	"github.com/packlane/packlane/internal/finalize"
	"github.com/packlane/packlane/internal/metrics"
	"github.com/packlane/packlane/internal/money"
	"github.com/packlane/packlane/internal/run"
	"github.com/packlane/packlane/internal/storage"
)

const scanLimit = 100

// Reason codes written by claim-sweep recoveries.
const (
	ReasonCrashBeforeUpload  = "CRASH_BEFORE_UPLOAD"
	ReasonArtifactMissing    = "ARTIFACT_MISSING_AFTER_SETTLE"
	ReasonReservationUnknown = "RESERVATION_MISSING_PAST_TTL"
)

// Service runs the recovery sweeps. Safe to run in multiple replicas: every
// write is a CAS, so two sweepers racing on one run produce one applied
// repair and one silent loss.
type Service struct {
	runs    run.Store
	budget  budget.Engine
	objects storage.ObjectStore
	fin     *finalize.Protocol

	stuckThreshold time.Duration
	reservationTTL time.Duration
	logger         *slog.Logger
}

// New creates a reconciler service.
func New(runs run.Store, engine budget.Engine, objects storage.ObjectStore, stuckThreshold, reservationTTL time.Duration, logger *slog.Logger) *Service {
	return &Service{
		runs:           runs,
		budget:         engine,
		objects:        objects,
		fin:            finalize.New(runs, engine, "reaper", logger),
		stuckThreshold: stuckThreshold,
		reservationTTL: reservationTTL,
		logger:         logger.With("component", "reconciler"),
	}
}

// SweepExpiredLeases finalizes PROCESSING runs whose lease ran out. Returns
// how many runs it expired.
func (s *Service) SweepExpiredLeases(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		metrics.ReconcilerSweepDuration.WithLabelValues("expired_leases").Observe(time.Since(start).Seconds())
	}()

	expired, err := s.runs.ScanExpiredLeases(ctx, time.Now().UTC(), scanLimit)
	if err != nil {
		return 0, fmt.Errorf("scan expired leases: %w", err)
	}

	var recovered int
	for _, r := range expired {
		err := s.fin.Expired(ctx, r.ID)
		switch {
		case err == nil:
			recovered++
			metrics.ReconcilerRecoveriesTotal.WithLabelValues("expired_lease").Inc()
			s.logger.Info("expired run past its lease",
				"run_id", r.ID, "tenant_id", r.TenantID, "lease_expired_at", r.LeaseExpiresAt)
		case finalize.IsRaceLoss(err):
			// Someone else is finalizing it.
		default:
			s.logger.Error("expire run failed", "run_id", r.ID, "error", err)
		}
	}
	return recovered, nil
}

// SweepStuckClaimed repairs runs stuck in CLAIMED longer than the stuck
// threshold. Returns how many runs it repaired.
func (s *Service) SweepStuckClaimed(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		metrics.ReconcilerSweepDuration.WithLabelValues("stuck_claimed").Observe(time.Since(start).Seconds())
	}()

	cutoff := time.Now().UTC().Add(-s.stuckThreshold)
	stuck, err := s.runs.ScanStuckClaimed(ctx, cutoff, scanLimit)
	if err != nil {
		return 0, fmt.Errorf("scan stuck claimed: %w", err)
	}

	var recovered int
	for _, r := range stuck {
		ok, err := s.reconcileStuck(ctx, r)
		if err != nil {
			s.logger.Error("reconcile stuck run failed", "run_id", r.ID, "error", err)
			continue
		}
		if ok {
			recovered++
		}
	}
	return recovered, nil
}

// SweepAudit reports runs parked in AUDIT_REQUIRED. They are never repaired
// automatically; this keeps them visible until a human clears them.
func (s *Service) SweepAudit(ctx context.Context) (int, error) {
	parked, err := s.runs.ScanAuditRequired(ctx, scanLimit)
	if err != nil {
		return 0, fmt.Errorf("scan audit required: %w", err)
	}
	metrics.RunsAwaitingAudit.Set(float64(len(parked)))
	for _, r := range parked {
		s.logger.Warn("run awaiting manual audit",
			"run_id", r.ID, "tenant_id", r.TenantID, "reason", r.LastErrorReasonCode)
	}
	return len(parked), nil
}

func (s *Service) reconcileStuck(ctx context.Context, r *run.Run) (bool, error) {
	res, err := s.budget.GetReservation(ctx, r.ID)
	if err != nil {
		return false, fmt.Errorf("get reservation: %w", err)
	}
	if res != nil {
		return s.redoFinalize(ctx, r)
	}
	return s.forceSettle(ctx, r)
}

// redoFinalize is case A: the reservation survived, so the dead claimer
// never moved the money. The sweep completes the finalize under the stored
// claim token.
func (s *Service) redoFinalize(ctx context.Context, r *run.Run) (bool, error) {
	if s.artifactExists(ctx, r) {
		// Roll forward: the result made it to storage, charge for it.
		cost := s.recoverCost(ctx, r)
		settled, err := s.budget.Settle(ctx, r.TenantID, r.ID, cost)
		if errors.Is(err, budget.ErrNoReserve) {
			// Lost the settle between scan and here; the winner
			// commits, or the next sweep lands in case B.
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("settle: %w", err)
		}

		status := run.StatusCompleted
		ms := run.MoneySettled
		charge := settled.Charge
		ok, err := s.commit(ctx, r.ID, run.Updates{
			Status:     &status,
			MoneyState: &ms,
			ActualCost: &charge,
		}, run.Eq(run.FieldFinalizeToken, r.FinalizeToken))
		if err != nil {
			return false, err
		}
		if ok {
			metrics.ReconcilerRecoveriesTotal.WithLabelValues("roll_forward").Inc()
			s.logger.Info("rolled stuck run forward",
				"run_id", r.ID, "tenant_id", r.TenantID, "charge", charge)
		}
		return ok, nil
	}

	// Roll back: the claimer died before the upload, refund all but the
	// minimum fee.
	fee := money.Min(r.MinimumFee, r.ReservationMaxCost)
	settled, err := s.budget.Refund(ctx, r.TenantID, r.ID, fee)
	if errors.Is(err, budget.ErrNoReserve) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("refund: %w", err)
	}

	status := run.StatusFailed
	ms := run.MoneyRefunded
	charge := settled.Charge
	reason := ReasonCrashBeforeUpload
	ok, err := s.commit(ctx, r.ID, run.Updates{
		Status:              &status,
		MoneyState:          &ms,
		ActualCost:          &charge,
		LastErrorReasonCode: &reason,
	}, run.Eq(run.FieldFinalizeToken, r.FinalizeToken))
	if err != nil {
		return false, err
	}
	if ok {
		metrics.ReconcilerRecoveriesTotal.WithLabelValues("roll_back").Inc()
		s.logger.Info("rolled stuck run back",
			"run_id", r.ID, "tenant_id", r.TenantID, "fee", charge)
	}
	return ok, nil
}

// forceSettle is case B: the reservation is gone. Either the dead claimer
// settled and crashed before committing, or the reservation expired on its
// own. The two are only distinguishable while the run is younger than the
// reservation TTL; inside that window absence proves a settle happened, so
// the sweep writes the terminal record without touching the budget. The
// commit is scoped to money_state=RESERVED so it can never overwrite a
// record whose money is already accounted for.
func (s *Service) forceSettle(ctx context.Context, r *run.Run) (bool, error) {
	age := time.Now().UTC().Sub(r.CreatedAt)
	if age >= s.reservationTTL {
		return s.parkForAudit(ctx, r, age)
	}

	status := run.StatusCompleted
	var cost money.Micros
	var reason string
	if s.artifactExists(ctx, r) {
		cost = s.recoverCost(ctx, r)
	} else {
		status = run.StatusFailed
		cost = money.Min(r.MinimumFee, r.ReservationMaxCost)
		reason = ReasonArtifactMissing
	}

	ms := run.MoneySettled
	u := run.Updates{
		Status:     &status,
		MoneyState: &ms,
		ActualCost: &cost,
	}
	if reason != "" {
		u.LastErrorReasonCode = &reason
	}
	ok, err := s.commit(ctx, r.ID, u, run.Eq(run.FieldMoneyState, run.MoneyReserved))
	if err != nil {
		return false, err
	}
	if ok {
		metrics.ReconcilerRecoveriesTotal.WithLabelValues("force_settle").Inc()
		s.logger.Info("force-settled stuck run",
			"run_id", r.ID, "tenant_id", r.TenantID, "status", status, "cost", cost)
	}
	return ok, nil
}

func (s *Service) parkForAudit(ctx context.Context, r *run.Run, age time.Duration) (bool, error) {
	status := run.StatusFailed
	ms := run.MoneyAuditRequired
	reason := ReasonReservationUnknown
	ok, err := s.commit(ctx, r.ID, run.Updates{
		Status:              &status,
		MoneyState:          &ms,
		LastErrorReasonCode: &reason,
	}, run.Eq(run.FieldMoneyState, run.MoneyReserved))
	if err != nil {
		return false, err
	}
	if ok {
		metrics.ReconcilerRecoveriesTotal.WithLabelValues("audit_required").Inc()
		s.logger.Warn("parked ambiguous run for audit",
			"run_id", r.ID, "tenant_id", r.TenantID, "age", age.Round(time.Second))
	}
	return ok, nil
}

// commit writes the terminal record for a stuck run. Always conditioned on
// the stage still being CLAIMED plus whatever extra scope the caller needs;
// retried on plain version misses, abandoned once the scope stops matching.
func (s *Service) commit(ctx context.Context, runID string, u run.Updates, extra ...run.Condition) (bool, error) {
	stage := run.StageCommitted
	u.FinalizeStage = &stage
	conds := append([]run.Condition{run.Eq(run.FieldFinalizeStage, run.StageClaimed)}, extra...)

	for attempt := 0; attempt < 5; attempt++ {
		r, err := s.runs.Get(ctx, runID)
		if err != nil {
			return false, fmt.Errorf("load run for commit: %w", err)
		}
		if r.FinalizeStage != run.StageClaimed {
			return false, nil
		}

		ok, err := s.runs.CASUpdate(ctx, runID, r.Version, u, conds...)
		if err != nil {
			return false, fmt.Errorf("commit: %w", err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) artifactExists(ctx context.Context, r *run.Run) bool {
	if r.ResultKey == "" {
		return false
	}
	_, err := s.objects.Head(ctx, r.ResultKey)
	if err == nil {
		return true
	}
	if !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("artifact check failed, treating as missing",
			"run_id", r.ID, "key", r.ResultKey, "error", err)
	}
	return false
}

// recoverCost picks the charge for a recovered run: the run record first,
// then the cost stamped on the artifact, then the reservation ceiling.
func (s *Service) recoverCost(ctx context.Context, r *run.Run) money.Micros {
	if r.ActualCost != nil {
		return *r.ActualCost
	}
	if r.ResultKey != "" {
		if info, err := s.objects.Head(ctx, r.ResultKey); err == nil {
			if cost, ok := storage.ActualCostFromInfo(info); ok {
				return cost
			}
		}
	}
	return r.ReservationMaxCost
}
