package budget

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/packlane/packlane/internal/money"
)

func newTestEngine() *MemoryEngine {
	return NewMemoryEngine(time.Hour)
}

func TestReserveAndSettle(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	_ = e.SetBalance(ctx, "ten_a", 10_000_000) // 10.0000

	bal, err := e.Reserve(ctx, "ten_a", "run_1", 1_500_000)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if bal != 8_500_000 {
		t.Fatalf("balance after reserve = %d, want 8500000", bal)
	}

	res, err := e.Settle(ctx, "ten_a", "run_1", 1_000_000)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if res.Charge != 1_000_000 || res.Refund != 500_000 {
		t.Fatalf("Settle = charge %d refund %d, want 1000000 / 500000", res.Charge, res.Refund)
	}
	if res.NewBalance != 9_000_000 {
		t.Fatalf("balance after settle = %d, want 9000000", res.NewBalance)
	}
}

func TestSettleIsNotIdempotent(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	_ = e.SetBalance(ctx, "ten_a", 10_000_000)
	if _, err := e.Reserve(ctx, "ten_a", "run_1", 1_000_000); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	if _, err := e.Settle(ctx, "ten_a", "run_1", 500_000); err != nil {
		t.Fatalf("first Settle failed: %v", err)
	}
	_, err := e.Settle(ctx, "ten_a", "run_1", 500_000)
	if !errors.Is(err, ErrNoReserve) {
		t.Fatalf("second Settle error = %v, want ErrNoReserve", err)
	}
	// The balance is untouched by the losing call.
	bal, _ := e.Balance(ctx, "ten_a")
	if bal != 9_500_000 {
		t.Fatalf("balance = %d, want 9500000", bal)
	}
}

func TestReserveIdempotency(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	_ = e.SetBalance(ctx, "ten_a", 10_000_000)

	if _, err := e.Reserve(ctx, "ten_a", "run_1", 1_000_000); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	// Same amount: replay, no change.
	bal, err := e.Reserve(ctx, "ten_a", "run_1", 1_000_000)
	if err != nil {
		t.Fatalf("replay Reserve failed: %v", err)
	}
	if bal != 9_000_000 {
		t.Fatalf("balance after replay = %d, want 9000000", bal)
	}
	// Different amount: rejected.
	_, err = e.Reserve(ctx, "ten_a", "run_1", 2_000_000)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("Reserve with different amount error = %v, want ErrDuplicate", err)
	}
}

func TestReserveInsufficient(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	_ = e.SetBalance(ctx, "ten_a", 50_000) // 0.0500
	_, err := e.Reserve(ctx, "ten_a", "run_1", 1_000_000)
	if !errors.Is(err, ErrInsufficient) {
		t.Fatalf("Reserve error = %v, want ErrInsufficient", err)
	}
	bal, _ := e.Balance(ctx, "ten_a")
	if bal != 50_000 {
		t.Fatalf("balance mutated on rejected reserve: %d", bal)
	}
	if res, _ := e.GetReservation(ctx, "run_1"); res != nil {
		t.Fatal("reservation created on rejected reserve")
	}
}

func TestReserveSoftLimitAllowsNegative(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	_ = e.SetBalance(ctx, "ten_a", 500_000)
	_ = e.SetSoftLimit(ctx, "ten_a", -1_000_000)

	bal, err := e.Reserve(ctx, "ten_a", "run_1", 1_200_000)
	if err != nil {
		t.Fatalf("Reserve within soft limit failed: %v", err)
	}
	if bal != -700_000 {
		t.Fatalf("balance = %d, want -700000", bal)
	}

	// A second run pushing past the limit is rejected.
	if _, err := e.Reserve(ctx, "ten_a", "run_2", 400_000); !errors.Is(err, ErrInsufficient) {
		t.Fatalf("Reserve past soft limit error = %v, want ErrInsufficient", err)
	}
}

func TestSettleClampsCharge(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	_ = e.SetBalance(ctx, "ten_a", 10_000_000)
	_, _ = e.Reserve(ctx, "ten_a", "run_1", 1_000_000)

	// Charge above the reservation is capped at the reservation.
	res, err := e.Settle(ctx, "ten_a", "run_1", 5_000_000)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if res.Charge != 1_000_000 || res.Refund != 0 {
		t.Fatalf("Settle = charge %d refund %d, want capped 1000000 / 0", res.Charge, res.Refund)
	}
}

func TestRefundFullViaZeroCharge(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	_ = e.SetBalance(ctx, "ten_a", 10_000_000)
	_, _ = e.Reserve(ctx, "ten_a", "run_1", 1_500_000)

	res, err := e.Refund(ctx, "ten_a", "run_1", 0)
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if res.Charge != 0 || res.Refund != 1_500_000 {
		t.Fatalf("Refund = charge %d refund %d, want 0 / 1500000", res.Charge, res.Refund)
	}
	bal, _ := e.Balance(ctx, "ten_a")
	if bal != 10_000_000 {
		t.Fatalf("balance = %d, want fully restored 10000000", bal)
	}
}

func TestReservationExpiry(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	now := time.Now()
	e.SetClock(func() time.Time { return now })

	_ = e.SetBalance(ctx, "ten_a", 10_000_000)
	_, _ = e.Reserve(ctx, "ten_a", "run_1", 1_000_000)

	// Advance past the TTL: the reservation is gone and settle fails.
	now = now.Add(2 * time.Hour)
	if res, _ := e.GetReservation(ctx, "run_1"); res != nil {
		t.Fatal("reservation should have expired")
	}
	if _, err := e.Settle(ctx, "ten_a", "run_1", 500_000); !errors.Is(err, ErrNoReserve) {
		t.Fatalf("Settle after expiry error = %v, want ErrNoReserve", err)
	}
}

func TestConcurrentSettleSingleWinner(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	_ = e.SetBalance(ctx, "ten_a", 10_000_000)
	_, _ = e.Reserve(ctx, "ten_a", "run_1", 1_000_000)

	const actors = 16
	var wins, losses int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < actors; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Settle(ctx, "ten_a", "run_1", 400_000)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, ErrNoReserve) {
				losses++
			} else {
				t.Errorf("unexpected settle error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("settle winners = %d, want exactly 1", wins)
	}
	if losses != actors-1 {
		t.Fatalf("settle losers = %d, want %d", losses, actors-1)
	}
	bal, _ := e.Balance(ctx, "ten_a")
	if bal != 9_600_000 {
		t.Fatalf("balance = %d, want 9600000 (one charge applied)", bal)
	}
}

func TestMoneyConservation(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	const initial = money.Micros(20_000_000)
	_ = e.SetBalance(ctx, "ten_a", initial)

	// Several runs in different phases.
	_, _ = e.Reserve(ctx, "ten_a", "run_open", 2_000_000)
	_, _ = e.Reserve(ctx, "ten_a", "run_settled", 3_000_000)
	_, _ = e.Reserve(ctx, "ten_a", "run_refunded", 1_000_000)

	settled, _ := e.Settle(ctx, "ten_a", "run_settled", 2_500_000)
	refunded, _ := e.Refund(ctx, "ten_a", "run_refunded", 10_000)

	bal, _ := e.Balance(ctx, "ten_a")
	open := e.OpenReservations("ten_a")
	charges := settled.Charge + refunded.Charge

	if initial-bal-open != charges {
		t.Fatalf("conservation violated: initial %d - balance %d - open %d != charges %d",
			initial, bal, open, charges)
	}
}
