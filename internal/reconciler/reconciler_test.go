package reconciler

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/packlane/packlane/internal/budget"
	"github.com/packlane/packlane/internal/money"
	"github.com/packlane/packlane/internal/run"
	"github.com/packlane/packlane/internal/storage"
)

const (
	stuckThreshold = 5 * time.Minute
	reservationTTL = time.Hour
)

type fixture struct {
	runs    *run.MemoryStore
	engine  *budget.MemoryEngine
	objects *storage.MemoryStore
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		runs:    run.NewMemoryStore(),
		engine:  budget.NewMemoryEngine(reservationTTL),
		objects: storage.NewMemoryStore(),
	}
	f.svc = New(f.runs, f.engine, f.objects, stuckThreshold, reservationTTL, slog.Default())
	return f
}

// seedStuck creates a run abandoned mid-finalize: CLAIMED long enough ago to
// be past the stuck threshold. withReservation controls whether the claimer
// got as far as consuming the reservation.
func (f *fixture) seedStuck(t *testing.T, runID string, withReservation bool, age time.Duration) *run.Run {
	t.Helper()
	ctx := context.Background()

	_ = f.engine.SetBalance(ctx, "ten_a", 100_000_000)
	if _, err := f.engine.Reserve(ctx, "ten_a", runID, 2_000_000); err != nil {
		t.Fatalf("seed reserve: %v", err)
	}
	if !withReservation {
		// The dead claimer settled before crashing.
		if _, err := f.engine.Settle(ctx, "ten_a", runID, 1_500_000); err != nil {
			t.Fatalf("seed settle: %v", err)
		}
	}

	created := time.Now().UTC().Add(-age)
	claimed := time.Now().UTC().Add(-2 * stuckThreshold)
	r := &run.Run{
		ID:                 runID,
		TenantID:           "ten_a",
		Version:            1,
		Status:             run.StatusProcessing,
		MoneyState:         run.MoneyReserved,
		FinalizeStage:      run.StageClaimed,
		FinalizeToken:      "fin_dead",
		FinalizeClaimedAt:  &claimed,
		ReservationMaxCost: 2_000_000,
		MinimumFee:         10_000,
		CreatedAt:          created,
		UpdatedAt:          created,
	}
	if err := f.runs.Create(ctx, r); err != nil {
		t.Fatalf("seed create: %v", err)
	}
	return r
}

func (f *fixture) uploadArtifact(t *testing.T, r *run.Run, cost money.Micros) {
	t.Helper()
	ctx := context.Background()

	key := storage.ResultKey(r.TenantID, r.ID, time.Now())
	if err := f.objects.Put(ctx, key, []byte(`{}`), "application/json", storage.CostMetadata(cost)); err != nil {
		t.Fatalf("seed upload: %v", err)
	}
	rk := key
	ok, err := f.runs.CASUpdate(ctx, r.ID, r.Version, run.Updates{ResultKey: &rk})
	if err != nil || !ok {
		t.Fatalf("seed result key: (%v, %v)", ok, err)
	}
	r.Version++
	r.ResultKey = key
}

func TestRollForward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.seedStuck(t, "run_1", true, 10*time.Minute)
	f.uploadArtifact(t, r, 1_300_000)

	n, err := f.svc.SweepStuckClaimed(ctx)
	if err != nil || n != 1 {
		t.Fatalf("SweepStuckClaimed = (%d, %v), want 1 recovery", n, err)
	}

	got, _ := f.runs.Get(ctx, "run_1")
	if got.Status != run.StatusCompleted || got.MoneyState != run.MoneySettled || got.FinalizeStage != run.StageCommitted {
		t.Fatalf("run = %s/%s/%s, want COMPLETED/SETTLED/COMMITTED", got.Status, got.MoneyState, got.FinalizeStage)
	}
	if got.ActualCost == nil || *got.ActualCost != 1_300_000 {
		t.Fatalf("actual cost = %v, want recovered 1300000 from metadata", got.ActualCost)
	}

	// Charged the recovered cost, refunded the rest.
	bal, _ := f.engine.Balance(ctx, "ten_a")
	if bal != 98_700_000 {
		t.Fatalf("balance = %d, want 98700000", bal)
	}
}

func TestRollBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// No artifact: the claimer died before the upload.
	f.seedStuck(t, "run_1", true, 10*time.Minute)

	n, err := f.svc.SweepStuckClaimed(ctx)
	if err != nil || n != 1 {
		t.Fatalf("SweepStuckClaimed = (%d, %v), want 1 recovery", n, err)
	}

	got, _ := f.runs.Get(ctx, "run_1")
	if got.Status != run.StatusFailed || got.MoneyState != run.MoneyRefunded {
		t.Fatalf("run = %s/%s, want FAILED/REFUNDED", got.Status, got.MoneyState)
	}
	if got.LastErrorReasonCode != ReasonCrashBeforeUpload {
		t.Fatalf("reason = %q", got.LastErrorReasonCode)
	}

	// Only the minimum fee is kept.
	bal, _ := f.engine.Balance(ctx, "ten_a")
	if bal != 99_990_000 {
		t.Fatalf("balance = %d, want 99990000", bal)
	}
}

func TestForceSettleWithArtifact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Reservation already consumed, artifact present: the claimer settled
	// and uploaded but never committed.
	r := f.seedStuck(t, "run_1", false, 10*time.Minute)
	f.uploadArtifact(t, r, 1_500_000)

	before, _ := f.engine.Balance(ctx, "ten_a")

	n, err := f.svc.SweepStuckClaimed(ctx)
	if err != nil || n != 1 {
		t.Fatalf("SweepStuckClaimed = (%d, %v), want 1 recovery", n, err)
	}

	got, _ := f.runs.Get(ctx, "run_1")
	if got.Status != run.StatusCompleted || got.MoneyState != run.MoneySettled || got.FinalizeStage != run.StageCommitted {
		t.Fatalf("run = %s/%s/%s, want COMPLETED/SETTLED/COMMITTED", got.Status, got.MoneyState, got.FinalizeStage)
	}
	if got.ActualCost == nil || *got.ActualCost != 1_500_000 {
		t.Fatalf("actual cost = %v, want 1500000 from artifact metadata", got.ActualCost)
	}

	// No budget call: the money already moved.
	after, _ := f.engine.Balance(ctx, "ten_a")
	if before != after {
		t.Fatalf("balance moved during force-settle: %d -> %d", before, after)
	}
}

func TestForceSettleWithoutArtifact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedStuck(t, "run_1", false, 10*time.Minute)

	n, err := f.svc.SweepStuckClaimed(ctx)
	if err != nil || n != 1 {
		t.Fatalf("SweepStuckClaimed = (%d, %v), want 1 recovery", n, err)
	}

	got, _ := f.runs.Get(ctx, "run_1")
	if got.Status != run.StatusFailed || got.MoneyState != run.MoneySettled {
		t.Fatalf("run = %s/%s, want FAILED/SETTLED", got.Status, got.MoneyState)
	}
	if got.LastErrorReasonCode != ReasonArtifactMissing {
		t.Fatalf("reason = %q", got.LastErrorReasonCode)
	}
	if got.ActualCost == nil || *got.ActualCost != 10_000 {
		t.Fatalf("actual cost = %v, want minimum fee 10000", got.ActualCost)
	}
}

func TestAmbiguousRunParkedForAudit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Reservation missing AND the run is older than the reservation TTL:
	// expiry and settle are indistinguishable, so no money guess is made.
	f.seedStuck(t, "run_1", false, reservationTTL+time.Minute)

	n, err := f.svc.SweepStuckClaimed(ctx)
	if err != nil || n != 1 {
		t.Fatalf("SweepStuckClaimed = (%d, %v), want 1 recovery", n, err)
	}

	got, _ := f.runs.Get(ctx, "run_1")
	if got.Status != run.StatusFailed || got.MoneyState != run.MoneyAuditRequired || got.FinalizeStage != run.StageCommitted {
		t.Fatalf("run = %s/%s/%s, want FAILED/AUDIT_REQUIRED/COMMITTED", got.Status, got.MoneyState, got.FinalizeStage)
	}
	if got.LastErrorReasonCode != ReasonReservationUnknown {
		t.Fatalf("reason = %q", got.LastErrorReasonCode)
	}

	// The parked run shows up in the audit sweep and stays put.
	parked, err := f.svc.SweepAudit(ctx)
	if err != nil || parked != 1 {
		t.Fatalf("SweepAudit = (%d, %v), want 1", parked, err)
	}
	n, err = f.svc.SweepStuckClaimed(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second sweep = (%d, %v), want 0", n, err)
	}
}

func TestFreshClaimLeftAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// CLAIMED recently: the claimer is probably still working.
	r := f.seedStuck(t, "run_1", true, time.Minute)
	fresh := time.Now().UTC()
	ok, err := f.runs.CASUpdate(ctx, r.ID, r.Version, run.Updates{FinalizeClaimedAt: &fresh})
	if err != nil || !ok {
		t.Fatalf("freshen claim: (%v, %v)", ok, err)
	}

	n, err := f.svc.SweepStuckClaimed(ctx)
	if err != nil || n != 0 {
		t.Fatalf("SweepStuckClaimed = (%d, %v), want 0", n, err)
	}
	got, _ := f.runs.Get(ctx, "run_1")
	if got.FinalizeStage != run.StageClaimed {
		t.Fatalf("fresh claim mutated: %s", got.FinalizeStage)
	}
}

func TestSweepExpiredLeases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_ = f.engine.SetBalance(ctx, "ten_a", 100_000_000)
	_, _ = f.engine.Reserve(ctx, "ten_a", "run_1", 2_000_000)

	now := time.Now().UTC()
	expired := now.Add(-time.Minute)
	r := &run.Run{
		ID:                 "run_1",
		TenantID:           "ten_a",
		Version:            1,
		Status:             run.StatusProcessing,
		MoneyState:         run.MoneyReserved,
		FinalizeStage:      run.StageUnclaimed,
		LeaseToken:         "lease_dead",
		LeaseExpiresAt:     &expired,
		ReservationMaxCost: 2_000_000,
		MinimumFee:         10_000,
		CreatedAt:          now.Add(-10 * time.Minute),
		UpdatedAt:          now.Add(-10 * time.Minute),
	}
	_ = f.runs.Create(ctx, r)

	n, err := f.svc.SweepExpiredLeases(ctx)
	if err != nil || n != 1 {
		t.Fatalf("SweepExpiredLeases = (%d, %v), want 1", n, err)
	}

	got, _ := f.runs.Get(ctx, "run_1")
	if got.Status != run.StatusExpired || got.MoneyState != run.MoneyRefunded {
		t.Fatalf("run = %s/%s, want EXPIRED/REFUNDED", got.Status, got.MoneyState)
	}
	// All but the minimum fee comes back.
	bal, _ := f.engine.Balance(ctx, "ten_a")
	if bal != 99_990_000 {
		t.Fatalf("balance = %d, want 99990000", bal)
	}

	// Idempotent: the next sweep finds nothing.
	n, err = f.svc.SweepExpiredLeases(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second sweep = (%d, %v), want 0", n, err)
	}
}
